// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "fmt"

// codeEntryWireSizeFor returns the per-entry wire size for walking a
// given descriptor's list.
func codeEntryWireSizeFor(d Descriptor, targetIs64Bit bool) int {
	return codeEntryWireSize(d.Version, targetIs64Bit, hostIs64Bit())
}

// WalkList walks the in-target code-entry list and decodes every
// entry registered since the process's last accepted snapshot. old is
// the process's previously
// cached descriptor for this kind; fresh is the snapshot just taken.
// It returns the new entries discovered (oldest-caller-visible first
// is NOT guaranteed; entries come back in the list's own order, which
// is non-ascending register_timestamp) or an error if the pass must be
// aborted and retried next tick.
//
// A nil, nil return (no error, zero entries) is a valid, successful
// outcome — e.g. every entry on the list was already accounted for.
func WalkList(mem RemoteMemory, p *ProcessState, old, fresh Descriptor) ([]CodeEntry, error) {
	if fresh.WriterActive() {
		return nil, fmt.Errorf("jitdebug: descriptor %s seqlock odd, writer active", fresh.Kind)
	}
	if fresh.ActionSeqlock == old.ActionSeqlock {
		return nil, nil
	}

	delta := fresh.ActionSeqlock - old.ActionSeqlock
	if delta%2 != 0 {
		return nil, fmt.Errorf("jitdebug: descriptor %s seqlock delta %d is odd", fresh.Kind, delta)
	}
	readEntryLimit := int(delta / 2)

	entrySize := codeEntryWireSizeFor(fresh, p.Is64Bit)

	visited := make(map[uint64]struct{}, readEntryLimit)
	var out []CodeEntry

	addr := fresh.FirstEntryAddr
	expectedPrev := uint64(0)
	steps := 0

	for addr != 0 && steps < readEntryLimit {
		if _, dup := visited[addr]; dup {
			return nil, fmt.Errorf("jitdebug: loop detected at 0x%x walking %s list", addr, fresh.Kind)
		}
		visited[addr] = struct{}{}

		buf, err := mem.ReadAt(p.PID, addr, entrySize)
		if err != nil {
			p.Died = true
			return nil, fmt.Errorf("jitdebug: read code entry 0x%x pid %d: %w", addr, p.PID, err)
		}
		entry, err := DecodeCodeEntry(fresh.Version, buf, addr, p.Is64Bit)
		if err != nil {
			return nil, fmt.Errorf("jitdebug: decode code entry 0x%x: %w", addr, err)
		}

		if entry.PrevAddr != expectedPrev {
			return nil, fmt.Errorf("jitdebug: prev-addr mismatch at 0x%x: got 0x%x want 0x%x", addr, entry.PrevAddr, expectedPrev)
		}
		if entry.HasSeqlock {
			if entry.WriterActive() {
				return nil, fmt.Errorf("jitdebug: entry 0x%x seqlock odd, writer active", addr)
			}
		} else if entry.SymfileSize != 0 && !entry.Valid() {
			// Zero-size V1 entries are skipped below rather than aborting.
			return nil, fmt.Errorf("jitdebug: invalid v1 entry at 0x%x", addr)
		}

		if entry.RegisterTimestamp <= old.ActionTimestamp {
			break
		}

		if entry.SymfileSize != 0 {
			out = append(out, entry)
		}

		// The list is walked head-to-tail via next_addr; each entry's
		// own prev_addr must point back at the node we came from.
		expectedPrev = addr
		addr = entry.NextAddr
		steps++
	}

	return out, nil
}
