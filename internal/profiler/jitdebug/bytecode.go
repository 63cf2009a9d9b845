// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"fmt"
	"sort"
)

// ResolveBytecodeEntries resolves each new bytecode code entry back to
// the file it came from. For each entry it re-enumerates the target's
// memory maps and locates the file (or archive-extracted) mapping
// backing the entry's container, emitting one Record per entry that
// resolves.
//
// Entries with no matching map, or whose matching map isn't backed by
// a regular file or a recognized archive-extraction naming pattern,
// are skipped: in-memory-only bytecode containers with no backing file
// have no path to report and are not supported.
func ResolveBytecodeEntries(mapReader MapReader, p *ProcessState, entries []CodeEntry) ([]Record, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	maps, err := mapReader.Maps(p.PID)
	if err != nil {
		p.Died = true
		return nil, fmt.Errorf("jitdebug: enumerate maps for pid %d: %w", p.PID, err)
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].Start < maps[j].Start })

	var out []Record
	for _, e := range entries {
		m, found := FindMapContaining(maps, e.SymfileAddr, e.SymfileSize)
		if !found {
			continue
		}

		rec := Record{
			PID:       p.PID,
			Timestamp: int64(e.RegisterTimestamp),
			Kind:      RecordBytecode,
		}

		if archivePath, entryPath, ok := ParseExtractedInMemoryPath(m.Name); ok {
			rec.FilePath = archiveURL(archivePath, entryPath)
			rec.ExtractedMap = &ArchiveMapping{
				ArchivePath: archivePath,
				EntryPath:   entryPath,
				Start:       m.Start,
				End:         m.End,
			}
			rec.DexFileOffset = e.SymfileAddr - m.Start + m.Offset
		} else {
			if m.Name == "" || m.Name[0] != '/' {
				continue // not a regular file; no path to report.
			}
			rec.FilePath = m.Name
			rec.DexFileOffset = e.SymfileAddr - m.Start + m.Offset
		}

		out = append(out, rec)
	}

	return out, nil
}

// archiveURL synthesizes the path a downstream symbolizer uses to
// locate an entry inside an archive.
func archiveURL(archivePath, entryPath string) string {
	return archivePath + "!" + entryPath
}
