// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "fmt"

// ExtractJITEntries copies each new code entry's container out of the
// target, validates it, appends it to the appropriate scratch file,
// parses its symbols, and returns one Record per symbol with nonzero
// length.
//
// entries is expected in the order WalkList returned them (descending
// register_timestamp); the emitted records preserve that order.
func ExtractJITEntries(mem RemoteMemory, parser ExecutableParser, p *ProcessState, appFile, zygFile *ScratchFile, entries []CodeEntry, metrics *Metrics) ([]Record, error) {
	var out []Record

	for _, e := range entries {
		if e.SymfileSize > MaxContainerSize {
			continue
		}

		buf, err := mem.ReadAt(p.PID, e.SymfileAddr, int(e.SymfileSize))
		if err != nil {
			p.Died = true
			continue
		}
		if !IsValidElfFileMagic(buf) {
			continue
		}

		origin := "app"
		sf := appFile
		if p.InZygoteCache(e.SymfileAddr) {
			origin = "zygote"
			sf = zygFile
		}

		offset, err := sf.WriteEntry(buf)
		if err != nil {
			return out, fmt.Errorf("jitdebug: write scratch entry for pid %d: %w", p.PID, err)
		}
		metrics.observeScratchBytes(origin, len(buf))

		ef, err := parser.OpenBuffer(buf)
		if err != nil {
			continue
		}
		scratchPath := sf.GetPath()
		size := int64(len(buf))
		err = ef.ParseSymbols(func(sym Symbol) {
			if sym.Len == 0 {
				return
			}
			out = append(out, Record{
				PID:         p.PID,
				Timestamp:   int64(e.RegisterTimestamp),
				Kind:        RecordJIT,
				SymbolVaddr: sym.Vaddr,
				SymbolLen:   sym.Len,
				ScratchPath: fmt.Sprintf("%s:%d-%d", scratchPath, offset, offset+size),
				FileOffset:  offset,
			})
		})
		ef.Close()
		if err != nil {
			continue
		}
	}

	if err := appFile.Flush(); err != nil {
		return out, fmt.Errorf("jitdebug: flush app scratch file: %w", err)
	}
	if err := zygFile.Flush(); err != nil {
		return out, fmt.Errorf("jitdebug: flush shared-ancestor scratch file: %w", err)
	}

	return out, nil
}
