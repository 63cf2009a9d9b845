// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"encoding/binary"
	"fmt"
)

// Raw descriptor layout (same shape on both word sizes, only the two
// "word" fields change width):
//
//	version:u32, action_flag:u32, relevant_entry_addr:word,
//	first_entry_addr:word, magic:[u8;8], flags:u32,
//	sizeof_descriptor:u32, sizeof_entry:u32, action_seqlock:u32,
//	action_timestamp:u64
//
// 32-bit target -> 48 bytes, 64-bit target -> 56 bytes.

// DescriptorWireSize returns the expected raw descriptor size for a
// target of the given word size.
func DescriptorWireSize(is64Bit bool) int {
	if is64Bit {
		return 56
	}
	return 48
}

// rawDescriptor is the byte-offset layout of a raw descriptor, kept
// word-size-independent by reading "word" fields with an explicit
// width rather than a native struct.
type rawDescriptor struct {
	version       uint32
	firstEntry    uint64
	magic         [8]byte
	sizeofDescr   uint32
	sizeofEntry   uint32
	actionSeqlock uint32
	actionTS      uint64
}

func decodeRawDescriptor(buf []byte, is64Bit bool) (rawDescriptor, error) {
	wordSize := 4
	if is64Bit {
		wordSize = 8
	}
	want := DescriptorWireSize(is64Bit)
	if len(buf) < want {
		return rawDescriptor{}, fmt.Errorf("jitdebug: short descriptor buffer: got %d want %d", len(buf), want)
	}

	readWord := func(off int) uint64 {
		if wordSize == 8 {
			return binary.LittleEndian.Uint64(buf[off:])
		}
		return uint64(binary.LittleEndian.Uint32(buf[off:]))
	}

	off := 0
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	// action_flag:u32 — unused by the reader.
	off += 4
	// relevant_entry_addr:word — unused by the reader.
	off += wordSize
	firstEntry := readWord(off)
	off += wordSize

	var magic [8]byte
	copy(magic[:], buf[off:off+8])
	off += 8

	// flags:u32 — unused by the reader.
	off += 4

	sizeofDescr := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sizeofEntry := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	actionSeqlock := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	actionTS := binary.LittleEndian.Uint64(buf[off:])

	return rawDescriptor{
		version:       version,
		firstEntry:    firstEntry,
		magic:         magic,
		sizeofDescr:   sizeofDescr,
		sizeofEntry:   sizeofEntry,
		actionSeqlock: actionSeqlock,
		actionTS:      actionTS,
	}, nil
}

// logicalVersion returns the version encoded in the last magic byte,
// or 0 if the magic string isn't one of the two recognized ones.
func logicalVersion(magic [8]byte) int {
	s := string(magic[:])
	switch s {
	case MagicAndroid1:
		return 1
	case MagicAndroid2:
		return 2
	default:
		return 0
	}
}

// codeEntryWireSize returns the expected size, in bytes, of a raw code
// entry for (logical version, target word size, host word size). The
// cross-host packed-layout exception applies when hostIs64Bit !=
// targetIs64Bit.
func codeEntryWireSize(version int, targetIs64Bit, hostIs64Bit bool) int {
	crossHost := targetIs64Bit != hostIs64Bit
	switch {
	case version == 1 && !targetIs64Bit:
		if crossHost {
			return 28
		}
		return 32
	case version == 1 && targetIs64Bit:
		return 40
	case version == 2 && !targetIs64Bit:
		if crossHost {
			return 32
		}
		return 40
	case version == 2 && targetIs64Bit:
		return 48
	default:
		return 0
	}
}

// DecodeDescriptor validates and normalizes a raw descriptor buffer
// read from a target process of the given word size.
func DecodeDescriptor(kind DescriptorKind, buf []byte, targetIs64Bit bool) (Descriptor, error) {
	raw, err := decodeRawDescriptor(buf, targetIs64Bit)
	if err != nil {
		return Descriptor{}, err
	}
	if raw.version != 1 {
		return Descriptor{}, fmt.Errorf("jitdebug: unexpected descriptor version %d", raw.version)
	}
	version := logicalVersion(raw.magic)
	if version == 0 {
		return Descriptor{}, fmt.Errorf("jitdebug: unrecognized descriptor magic %q", raw.magic[:])
	}
	wantDescr := DescriptorWireSize(targetIs64Bit)
	if int(raw.sizeofDescr) != wantDescr {
		return Descriptor{}, fmt.Errorf("jitdebug: sizeof_descriptor=%d, want %d", raw.sizeofDescr, wantDescr)
	}
	wantEntry := codeEntryWireSize(version, targetIs64Bit, hostIs64Bit())
	if int(raw.sizeofEntry) != wantEntry {
		return Descriptor{}, fmt.Errorf("jitdebug: sizeof_entry=%d, want %d (version %d)", raw.sizeofEntry, wantEntry, version)
	}

	return Descriptor{
		Kind:            kind,
		Version:         version,
		FirstEntryAddr:  raw.firstEntry,
		ActionSeqlock:   raw.actionSeqlock,
		ActionTimestamp: raw.actionTS,
	}, nil
}

// DecodeCodeEntry decodes one raw code-entry buffer for the given
// logical version and target word size. targetAddr is the address the
// entry was read from, used to populate CodeEntry.TargetAddr.
func DecodeCodeEntry(version int, buf []byte, targetAddr uint64, targetIs64Bit bool) (CodeEntry, error) {
	wordSize := 4
	if targetIs64Bit {
		wordSize = 8
	}
	want := codeEntryWireSize(version, targetIs64Bit, hostIs64Bit())
	if len(buf) < want {
		return CodeEntry{}, fmt.Errorf("jitdebug: short code-entry buffer: got %d want %d", len(buf), want)
	}

	readWord := func(off int) uint64 {
		if wordSize == 8 {
			return binary.LittleEndian.Uint64(buf[off:])
		}
		return uint64(binary.LittleEndian.Uint32(buf[off:]))
	}

	off := 0
	next := readWord(off)
	off += wordSize
	prev := readWord(off)
	off += wordSize
	symfileAddr := readWord(off)
	off += wordSize
	symfileSize := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	registerTS := binary.LittleEndian.Uint64(buf[off:])
	off += 8

	entry := CodeEntry{
		TargetAddr:        targetAddr,
		NextAddr:          next,
		PrevAddr:          prev,
		SymfileAddr:       symfileAddr,
		SymfileSize:       symfileSize,
		RegisterTimestamp: registerTS,
	}

	if version == 2 {
		if off+4 > len(buf) {
			return CodeEntry{}, fmt.Errorf("jitdebug: short V2 code-entry buffer missing seqlock")
		}
		entry.Seqlock = binary.LittleEndian.Uint32(buf[off:])
		entry.HasSeqlock = true
	}

	return entry, nil
}

// hostIs64Bit reports whether the reader process itself is a 64-bit
// build. Kept as a function (not a const) so tests can exercise both
// branches of the cross-host packed-layout exception without needing
// two actual host architectures.
var hostIs64Bit = func() bool {
	return uintSize() == 64
}

func uintSize() int {
	const size = 32 << (^uint(0) >> 63)
	return size
}
