// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// LocationCacheEntry is the cached result of resolving one runtime
// library's descriptor symbols. JITDescriptorRVA == 0 encodes a
// negative cache result: the library lacks the expected symbols and
// the resolver should not be asked to reparse it.
type LocationCacheEntry struct {
	Is64Bit               bool
	JITDescriptorRVA      uint64
	BytecodeDescriptorRVA uint64
}

// Resolved reports whether this cache entry represents a successful
// resolution (as opposed to the negative-cache sentinel).
func (e LocationCacheEntry) Resolved() bool {
	return e.JITDescriptorRVA != 0
}

// DescriptorLocationResolver resolves the relative virtual addresses of
// the two descriptor symbols in a target's runtime library, caching
// results (including negative results) per on-disk path.
//
// Concurrent resolution requests for the same path are deduplicated
// with a singleflight.Group, so a burst of newly-forked children that
// share one libart.so only cause one ELF parse.
type DescriptorLocationResolver struct {
	parser ExecutableParser

	mu    sync.RWMutex
	cache map[string]LocationCacheEntry

	sf singleflight.Group
}

// NewDescriptorLocationResolver constructs a resolver that uses parser
// to inspect on-disk runtime libraries.
func NewDescriptorLocationResolver(parser ExecutableParser) *DescriptorLocationResolver {
	return &DescriptorLocationResolver{
		parser: parser,
		cache:  make(map[string]LocationCacheEntry),
	}
}

// Resolve returns the cached or freshly-parsed LocationCacheEntry for
// path. ok is false only on a hard parse failure (the path could not
// be opened at all); a negative cache result (symbols absent) is
// reported via !entry.Resolved(), not via ok==false, so that callers
// retry only the process, never the ELF parse.
func (r *DescriptorLocationResolver) Resolve(path string) (LocationCacheEntry, bool) {
	r.mu.RLock()
	if entry, ok := r.cache[path]; ok {
		r.mu.RUnlock()
		return entry, true
	}
	r.mu.RUnlock()

	v, err, _ := r.sf.Do(path, func() (any, error) {
		return r.resolveUncached(path)
	})
	if err != nil {
		return LocationCacheEntry{}, false
	}
	entry := v.(LocationCacheEntry)

	r.mu.Lock()
	r.cache[path] = entry
	r.mu.Unlock()

	return entry, true
}

func (r *DescriptorLocationResolver) resolveUncached(path string) (LocationCacheEntry, error) {
	f, err := r.parser.Open(path)
	if err != nil {
		return LocationCacheEntry{}, err
	}
	defer f.Close()

	entry := LocationCacheEntry{Is64Bit: f.Is64Bit()}

	minVaddr, _, err := f.ReadMinExecutableVaddr()
	if err != nil {
		// No executable segment at all is treated as "library has
		// neither symbol": negative cache, not a hard error.
		return entry, nil
	}
	alignedBase := alignDownToPage(minVaddr)

	var jitVaddr, dexVaddr uint64
	err = f.ParseDynamicSymbols(func(sym Symbol) {
		switch sym.Name {
		case JITDescriptorSymbol:
			jitVaddr = sym.Vaddr
		case BytecodeDescriptorSymbol:
			dexVaddr = sym.Vaddr
		}
	})
	if err != nil {
		return entry, nil
	}

	if jitVaddr == 0 || dexVaddr == 0 {
		// Missing either symbol: negative cache result.
		return entry, nil
	}

	entry.JITDescriptorRVA = jitVaddr - alignedBase
	entry.BytecodeDescriptorRVA = dexVaddr - alignedBase
	if entry.JITDescriptorRVA == 0 {
		// RVA 0 is reserved as the negative-cache sentinel; this can
		// only happen if the symbol sits exactly at the aligned base,
		// which libart.so never does in practice. Nudge callers to
		// treat it as unresolved rather than silently aliasing the
		// sentinel.
		return LocationCacheEntry{Is64Bit: entry.Is64Bit}, nil
	}

	return entry, nil
}

const pageSize = 4096

func alignDownToPage(addr uint64) uint64 {
	return addr &^ (pageSize - 1)
}
