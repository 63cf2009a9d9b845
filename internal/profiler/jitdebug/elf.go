// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// elfMagic is the 4-byte ELF file magic ("\x7fELF").
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// IsValidElfFileMagic reports whether buf begins with the ELF magic.
// Grounded on the magic check debug/elf.NewFile performs internally;
// exposed directly so the JIT container extractor can reject obviously
// bad containers without fully parsing them.
func IsValidElfFileMagic(buf []byte) bool {
	return len(buf) >= 4 && bytes.Equal(buf[:4], elfMagic)
}

// ExecutableParser is the narrow slice of executable-file-parsing
// behavior the descriptor-location resolver and the JIT container
// extractor need. The real parser (resolving arbitrary symbol and
// section information for the downstream symbolizer) lives outside
// this package's scope; NewELFParser returns the default adapter over
// debug/elf, grounded on the ELF-handling already present in
// internal/profiler/symbols.go (loadELFSymbols).
type ExecutableParser interface {
	// Open opens the on-disk file at path.
	Open(path string) (ExecutableFile, error)
	// OpenBuffer opens an in-memory image (e.g. a JIT container copied
	// out of a target process).
	OpenBuffer(buf []byte) (ExecutableFile, error)
}

// ExecutableFile is one opened executable image.
type ExecutableFile interface {
	Is64Bit() bool
	// ReadMinExecutableVaddr returns the lowest virtual address of any
	// PT_LOAD segment with the executable bit set, and its file offset.
	ReadMinExecutableVaddr() (vaddr uint64, fileOffset uint64, err error)
	// ParseDynamicSymbols invokes cb once per dynamic symbol.
	ParseDynamicSymbols(cb func(Symbol)) error
	// ParseSymbols invokes cb once per symbol in the regular (and
	// dynamic) symbol table.
	ParseSymbols(cb func(Symbol)) error
	Close() error
}

type elfParser struct{}

// NewELFParser returns the default ExecutableParser, backed by
// debug/elf.
func NewELFParser() ExecutableParser {
	return elfParser{}
}

func (elfParser) Open(path string) (ExecutableFile, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jitdebug: open %s: %w", path, err)
	}
	return &elfFile{f: f}, nil
}

func (elfParser) OpenBuffer(buf []byte) (ExecutableFile, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("jitdebug: parse in-memory ELF: %w", err)
	}
	return &elfFile{f: f}, nil
}

type elfFile struct {
	f *elf.File
}

func (e *elfFile) Is64Bit() bool {
	return e.f.Class == elf.ELFCLASS64
}

func (e *elfFile) ReadMinExecutableVaddr() (uint64, uint64, error) {
	var minVaddr uint64
	var minOffset uint64
	found := false
	for _, prog := range e.f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Flags&elf.PF_X == 0 {
			continue
		}
		if !found || prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
			minOffset = prog.Off
			found = true
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("jitdebug: no executable PT_LOAD segment")
	}
	return minVaddr, minOffset, nil
}

func (e *elfFile) ParseDynamicSymbols(cb func(Symbol)) error {
	syms, err := e.f.DynamicSymbols()
	if err != nil {
		return err
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		cb(Symbol{Name: s.Name, Vaddr: s.Value, Len: s.Size})
	}
	return nil
}

func (e *elfFile) ParseSymbols(cb func(Symbol)) error {
	emit := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" {
				continue
			}
			cb(Symbol{Name: s.Name, Vaddr: s.Value, Len: s.Size})
		}
	}
	if syms, err := e.f.Symbols(); err == nil {
		emit(syms)
	}
	if syms, err := e.f.DynamicSymbols(); err == nil {
		emit(syms)
	}
	return nil
}

func (e *elfFile) Close() error {
	return e.f.Close()
}
