// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RemoteMemory reads raw bytes out of a running process identified by
// pid, at a given absolute virtual address. Implementations report an
// error on any short or failed read; callers treat that as "target
// died".
type RemoteMemory interface {
	ReadAt(pid int, addr uint64, size int) ([]byte, error)
	// ReadAtMulti reads every region in one cross-process call,
	// returning one buffer per region in the same order. A short or
	// failed read on any region fails the whole call.
	ReadAtMulti(pid int, regions []Region) ([][]byte, error)
}

// Region is one [Addr, Addr+Size) range to read out of a target
// process.
type Region struct {
	Addr uint64
	Size int
}

// linuxRemoteMemory reads target memory with process_vm_readv, falling
// back to pread64 on /proc/<pid>/mem when the syscall is unavailable
// (older kernels, seccomp filters that block it).
type linuxRemoteMemory struct{}

// NewLinuxRemoteMemory returns the default RemoteMemory implementation
// for Linux targets.
func NewLinuxRemoteMemory() RemoteMemory {
	return &linuxRemoteMemory{}
}

func (linuxRemoteMemory) ReadAt(pid int, addr uint64, size int) ([]byte, error) {
	bufs, err := linuxRemoteMemory{}.ReadAtMulti(pid, []Region{{Addr: addr, Size: size}})
	if err != nil {
		return nil, err
	}
	return bufs[0], nil
}

// ReadAtMulti issues one process_vm_readv call carrying one iovec per
// region, so two descriptor reads (or any other fixed set of regions)
// cost a single syscall per tick instead of one per region.
func (linuxRemoteMemory) ReadAtMulti(pid int, regions []Region) ([][]byte, error) {
	if len(regions) == 0 {
		return nil, nil
	}

	bufs := make([][]byte, len(regions))
	local := make([]unix.Iovec, len(regions))
	remote := make([]unix.RemoteIovec, len(regions))
	total := 0
	for i, r := range regions {
		if r.Size <= 0 {
			return nil, fmt.Errorf("jitdebug: invalid read size %d", r.Size)
		}
		bufs[i] = make([]byte, r.Size)
		local[i] = unix.Iovec{Base: &bufs[i][0], Len: uint64(r.Size)}
		remote[i] = unix.RemoteIovec{Base: uintptr(r.Addr), Len: r.Size}
		total += r.Size
	}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err == nil && n == total {
		return bufs, nil
	}

	for i, r := range regions {
		if err := readViaProcMem(pid, r.Addr, bufs[i]); err != nil {
			return nil, err
		}
	}
	return bufs, nil
}

func readViaProcMem(pid int, addr uint64, buf []byte) error {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("jitdebug: open /proc/%d/mem: %w", pid, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(addr))
	if err != nil || n != len(buf) {
		return fmt.Errorf("jitdebug: short read at 0x%x (pid %d): got %d want %d: %w", addr, pid, n, len(buf), err)
	}
	return nil
}
