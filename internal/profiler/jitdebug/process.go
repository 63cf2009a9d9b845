// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "fmt"

// AddrRange is a half-open [Start, End) target virtual-address range.
type AddrRange struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr lies in [Start, End).
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ProcessState is the per-process record the monitor controller keeps.
// One exists per monitored target.
type ProcessState struct {
	PID int

	Initialized bool
	Died        bool
	Is64Bit     bool

	JITDescriptorAddr      uint64
	BytecodeDescriptorAddr uint64

	LastJIT       Descriptor
	LastBytecode  Descriptor
	haveLastJIT   bool
	haveLastDex   bool

	// ZygoteCacheRanges are memory regions that came from a
	// shared-ancestor (zygote) JIT cache, identified by
	// ZygoteCacheMapPrefix.
	ZygoteCacheRanges []AddrRange

	// seenJIT / seenDex are allocated per process but are not read or
	// written by the list walker or the extractors; repeated emission
	// across walks is bounded only by the walker's timestamp cutoff.
	seenJIT map[uint64]struct{}
	seenDex map[uint64]struct{}
}

func newProcessState(pid int) *ProcessState {
	return &ProcessState{
		PID:     pid,
		seenJIT: make(map[uint64]struct{}),
		seenDex: make(map[uint64]struct{}),
	}
}

// Init performs the one-time per-process setup: locate the runtime
// library mapping, resolve its descriptor symbol addresses, and
// record the zygote cache ranges. Returns a fatal error
// only when map enumeration itself fails; failing to find the runtime
// library is not fatal and Init may be retried on a later tick.
func (p *ProcessState) Init(mapReader MapReader, resolver *DescriptorLocationResolver, parser ExecutableParser) error {
	maps, err := mapReader.Maps(p.PID)
	if err != nil {
		p.Died = true
		return fmt.Errorf("jitdebug: enumerate maps for pid %d: %w", p.PID, err)
	}

	runtimeMap, found := FindRuntimeLibMap(maps)
	if !found {
		return nil // retry next tick; not fatal.
	}

	entry, ok := resolver.Resolve(runtimeMap.Name)
	if !ok {
		return nil // parser failure on the library; retry next tick.
	}
	if !entry.Resolved() {
		// Negative cache: this library will never have the symbols.
		// Leave Initialized false so Init keeps being called (cheaply,
		// since the resolver's own cache short-circuits the ELF parse)
		// in case a future tick observes a different runtime mapping.
		return nil
	}

	p.Is64Bit = is64BitFor(parser, runtimeMap.Name, entry.Is64Bit)
	p.JITDescriptorAddr = runtimeMap.Start + entry.JITDescriptorRVA
	p.BytecodeDescriptorAddr = runtimeMap.Start + entry.BytecodeDescriptorRVA

	p.ZygoteCacheRanges = p.ZygoteCacheRanges[:0]
	for _, m := range maps {
		if len(m.Name) >= len(ZygoteCacheMapPrefix) && m.Name[:len(ZygoteCacheMapPrefix)] == ZygoteCacheMapPrefix {
			p.ZygoteCacheRanges = append(p.ZygoteCacheRanges, AddrRange{Start: m.Start, End: m.End})
		}
	}

	p.Initialized = true
	return nil
}

// is64BitFor re-derives the ELF class of path by opening it directly,
// rather than trusting the descriptor-location resolver's cached
// value: the cache is keyed for symbol RVAs and is never invalidated
// if the file at path is replaced by one of a different class between
// ticks. cached is used only when the open itself fails (e.g. the
// mapped path is no longer readable by the time Init runs).
func is64BitFor(parser ExecutableParser, path string, cached bool) bool {
	f, err := parser.Open(path)
	if err != nil {
		return cached
	}
	defer f.Close()
	return f.Is64Bit()
}

// InZygoteCache reports whether addr falls within any shared-ancestor
// cache range recorded for this process.
func (p *ProcessState) InZygoteCache(addr uint64) bool {
	for _, r := range p.ZygoteCacheRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
