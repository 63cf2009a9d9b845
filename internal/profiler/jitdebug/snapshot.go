// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "fmt"

// snapshotResult is the outcome of one descriptor snapshot pass for a
// single process.
type snapshotResult struct {
	JIT      Descriptor
	Bytecode Descriptor
	// JITChanged / BytecodeChanged are true when the freshly read
	// seqlock differs from the process's cached one.
	JITChanged      bool
	BytecodeChanged bool
}

// TakeSnapshot performs the one-read-per-descriptor-per-tick pass: it
// issues a single cross-process scatter read covering both descriptor
// regions, validates each, and compares against the process's cached
// snapshot by seqlock alone. A read failure marks the process died.
func TakeSnapshot(mem RemoteMemory, p *ProcessState) (snapshotResult, error) {
	size := DescriptorWireSize(p.Is64Bit)

	bufs, err := mem.ReadAtMulti(p.PID, []Region{
		{Addr: p.JITDescriptorAddr, Size: size},
		{Addr: p.BytecodeDescriptorAddr, Size: size},
	})
	if err != nil {
		p.Died = true
		return snapshotResult{}, fmt.Errorf("jitdebug: read descriptors pid %d: %w", p.PID, err)
	}
	jitBuf, dexBuf := bufs[0], bufs[1]

	jit, err := DecodeDescriptor(DescriptorJIT, jitBuf, p.Is64Bit)
	if err != nil {
		return snapshotResult{}, fmt.Errorf("jitdebug: validate jit descriptor pid %d: %w", p.PID, err)
	}
	dex, err := DecodeDescriptor(DescriptorBytecode, dexBuf, p.Is64Bit)
	if err != nil {
		return snapshotResult{}, fmt.Errorf("jitdebug: validate bytecode descriptor pid %d: %w", p.PID, err)
	}

	res := snapshotResult{JIT: jit, Bytecode: dex}
	res.JITChanged = !p.haveLastJIT || jit.ActionSeqlock != p.LastJIT.ActionSeqlock
	res.BytecodeChanged = !p.haveLastDex || dex.ActionSeqlock != p.LastBytecode.ActionSeqlock
	return res, nil
}

// RereadDescriptor re-reads a single descriptor (used by the list
// walker to detect concurrent modification after finishing a walk).
func RereadDescriptor(mem RemoteMemory, p *ProcessState, kind DescriptorKind) (Descriptor, error) {
	addr := p.JITDescriptorAddr
	if kind == DescriptorBytecode {
		addr = p.BytecodeDescriptorAddr
	}
	buf, err := mem.ReadAt(p.PID, addr, DescriptorWireSize(p.Is64Bit))
	if err != nil {
		p.Died = true
		return Descriptor{}, fmt.Errorf("jitdebug: re-read %s descriptor pid %d: %w", kind, p.PID, err)
	}
	return DecodeDescriptor(kind, buf, p.Is64Bit)
}

// AcceptSnapshot advances the process's cached descriptor for kind.
// Callers must only call this once the associated walk completed
// successfully (re-read seqlock unchanged, still even).
func AcceptSnapshot(p *ProcessState, kind DescriptorKind, d Descriptor) {
	if kind == DescriptorJIT {
		p.LastJIT = d
		p.haveLastJIT = true
		return
	}
	p.LastBytecode = d
	p.haveLastDex = true
}
