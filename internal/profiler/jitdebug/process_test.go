// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"errors"
	"testing"
)

type fakeMapReader struct {
	maps map[int][]MemoryMap
	err  error
}

func (r *fakeMapReader) Maps(pid int) ([]MemoryMap, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.maps[pid], nil
}

func TestProcessState_InitResolvesDescriptorAddrs(t *testing.T) {
	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{
		42: {
			{Start: 0x70000000, End: 0x70100000, Permissions: "r-xp", Name: "/system/lib64/libart.so"},
			{Start: 0x7f000000, End: 0x7f010000, Permissions: "rw-p", Name: "/memfd:jit-cache (deleted)"},
		},
	}}
	lib := &fakeExecutableFile{
		is64Bit:  true,
		minVaddr: 0x0,
		dynSymbols: []Symbol{
			{Name: JITDescriptorSymbol, Vaddr: 0x100},
			{Name: BytecodeDescriptorSymbol, Vaddr: 0x200},
		},
	}
	parser := &fakeExecutableParser{onDisk: map[string]*fakeExecutableFile{"/system/lib64/libart.so": lib}}
	resolver := NewDescriptorLocationResolver(parser)

	p := newProcessState(42)
	if err := p.Init(mapReader, resolver, parser); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !p.Initialized {
		t.Fatal("Initialized = false, want true")
	}
	if p.JITDescriptorAddr != 0x70000000+0x100 {
		t.Errorf("JITDescriptorAddr = %#x, want %#x", p.JITDescriptorAddr, 0x70000000+0x100)
	}
	if p.BytecodeDescriptorAddr != 0x70000000+0x200 {
		t.Errorf("BytecodeDescriptorAddr = %#x, want %#x", p.BytecodeDescriptorAddr, 0x70000000+0x200)
	}
	if len(p.ZygoteCacheRanges) != 1 {
		t.Fatalf("ZygoteCacheRanges = %v, want 1 entry", p.ZygoteCacheRanges)
	}
	if !p.InZygoteCache(0x7f005000) {
		t.Error("InZygoteCache(0x7f005000) = false, want true")
	}
}

func TestProcessState_InitNotFatalWhenLibraryAbsent(t *testing.T) {
	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{1: {{Start: 0x1000, End: 0x2000, Permissions: "r-xp", Name: "/lib/libc.so"}}}}
	parser := &fakeExecutableParser{}
	resolver := NewDescriptorLocationResolver(parser)
	p := newProcessState(1)

	if err := p.Init(mapReader, resolver, parser); err != nil {
		t.Fatalf("Init() error = %v, want nil (missing library is retried, not fatal)", err)
	}
	if p.Initialized {
		t.Error("Initialized = true, want false when runtime library isn't mapped yet")
	}
	if p.Died {
		t.Error("Died = true, want false")
	}
}

func TestProcessState_InitFatalOnMapEnumerationFailure(t *testing.T) {
	mapReader := &fakeMapReader{err: errors.New("no such process")}
	parser := &fakeExecutableParser{}
	resolver := NewDescriptorLocationResolver(parser)
	p := newProcessState(99)

	if err := p.Init(mapReader, resolver, parser); err == nil {
		t.Fatal("Init() error = nil, want error when map enumeration fails")
	}
	if !p.Died {
		t.Error("Died = false, want true when map enumeration fails")
	}
}
