// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// MapReader enumerates a target process's memory mappings.
type MapReader interface {
	Maps(pid int) ([]MemoryMap, error)
}

// mapLineRE matches one /proc/<pid>/maps line:
// address perms offset dev inode pathname
var mapLineRE = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+(\S+)\s+([0-9a-f]+)\s+\S+\s+\d+\s*(.*)$`)

// ProcMapReader reads /proc/<pid>/maps. Grounded on
// SymbolResolver.parseProcMaps in internal/profiler/symbols.go, adapted
// to the MemoryMap shape jitdebug's extractor and bytecode resolver
// need (offset kept in bytes rather than pages, no inode tracking).
type ProcMapReader struct{}

// NewProcMapReader returns the default MapReader.
func NewProcMapReader() MapReader {
	return ProcMapReader{}
}

func (ProcMapReader) Maps(pid int) ([]MemoryMap, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jitdebug: open %s: %w", path, err)
	}
	defer f.Close()

	var maps []MemoryMap
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, ok := parseMapLine(scanner.Text())
		if ok {
			maps = append(maps, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jitdebug: read %s: %w", path, err)
	}
	return maps, nil
}

func parseMapLine(line string) (MemoryMap, bool) {
	matches := mapLineRE.FindStringSubmatch(line)
	if matches == nil {
		return MemoryMap{}, false
	}
	start, err1 := strconv.ParseUint(matches[1], 16, 64)
	end, err2 := strconv.ParseUint(matches[2], 16, 64)
	offset, err3 := strconv.ParseUint(matches[4], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return MemoryMap{}, false
	}
	return MemoryMap{
		Start:       start,
		End:         end,
		Offset:      offset,
		Permissions: matches[3],
		Name:        strings.TrimSpace(matches[5]),
	}, true
}

// FindMapByName returns the first map whose name equals want.
func FindMapByName(maps []MemoryMap, want string) (MemoryMap, bool) {
	for _, m := range maps {
		if m.Name == want {
			return m, true
		}
	}
	return MemoryMap{}, false
}

// FindRuntimeLibMap returns the first executable map backing the
// runtime library (release or debug variant).
func FindRuntimeLibMap(maps []MemoryMap) (MemoryMap, bool) {
	for _, m := range maps {
		if !m.Executable() {
			continue
		}
		if isRuntimeLibPath(m.Name) {
			return m, true
		}
	}
	return MemoryMap{}, false
}

func isRuntimeLibPath(name string) bool {
	return strings.HasSuffix(name, "/"+RuntimeLibReleaseName) ||
		name == RuntimeLibReleaseName ||
		strings.HasSuffix(name, "/"+RuntimeLibDebugName) ||
		name == RuntimeLibDebugName
}

// FindMapContaining returns, via binary search on sorted-by-start
// maps, the map whose [Start,End) range contains [addr, addr+size).
// Callers must pass maps sorted by Start; Maps does not guarantee
// order, so callers sort once per call.
func FindMapContaining(sortedMaps []MemoryMap, addr, size uint64) (MemoryMap, bool) {
	lo, hi := 0, len(sortedMaps)
	for lo < hi {
		mid := (lo + hi) / 2
		if sortedMaps[mid].Start <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := lo - 1
	if idx < 0 {
		return MemoryMap{}, false
	}
	m := sortedMaps[idx]
	if m.Contains(addr, size) {
		return m, true
	}
	return MemoryMap{}, false
}

// ParseExtractedInMemoryPath recognizes the "archive!entry" naming
// convention Android's linker and libart.so use for anonymous,
// file-backed mappings that were extracted from an archive (typically
// an .apk) directly into memory.
func ParseExtractedInMemoryPath(name string) (archivePath, entryPath string, ok bool) {
	idx := strings.Index(name, "!")
	if idx <= 0 || idx >= len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}
