// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

// DescriptorKind distinguishes the two descriptor lists a target
// exports.
type DescriptorKind int

const (
	// DescriptorJIT is __jit_debug_descriptor.
	DescriptorJIT DescriptorKind = iota
	// DescriptorBytecode is __dex_debug_descriptor.
	DescriptorBytecode
)

func (k DescriptorKind) String() string {
	if k == DescriptorBytecode {
		return "bytecode"
	}
	return "jit"
}

// Descriptor symbol names the resolver looks for in the runtime
// library's dynamic symbol table.
const (
	JITDescriptorSymbol      = "__jit_debug_descriptor"
	BytecodeDescriptorSymbol = "__dex_debug_descriptor"
)

// Accepted magic strings and their logical version.
const (
	MagicAndroid1 = "Android1"
	MagicAndroid2 = "Android2"
)

// Runtime library filename suffixes the monitor controller watches
// for in mmap events.
const (
	RuntimeLibReleaseName = "libart.so"
	RuntimeLibDebugName   = "libartd.so"
)

// ZygoteCacheMapPrefix identifies anonymous memory-fd mappings that
// back the shared-ancestor ("zygote") JIT cache.
const ZygoteCacheMapPrefix = "/memfd:jit-cache"

// Descriptor is the normalized, word-size-independent form of a raw
// descriptor struct read from a target process.
type Descriptor struct {
	Kind            DescriptorKind
	Version         int // 1 or 2
	FirstEntryAddr  uint64
	ActionSeqlock   uint32
	ActionTimestamp uint64
}

// WriterActive reports whether the target's writer was mid-update when
// this snapshot was taken (odd seqlock).
func (d Descriptor) WriterActive() bool {
	return d.ActionSeqlock&1 != 0
}

// Empty reports whether the descriptor's list has no entries.
func (d Descriptor) Empty() bool {
	return d.FirstEntryAddr == 0
}

// CodeEntry is the normalized form of one code-entry list node read
// from a target process.
type CodeEntry struct {
	TargetAddr        uint64
	NextAddr          uint64
	PrevAddr          uint64
	SymfileAddr       uint64
	SymfileSize       uint64
	RegisterTimestamp uint64
	Seqlock           uint32 // only meaningful for V2 entries
	HasSeqlock        bool
}

// WriterActive reports whether a V2 entry's own seqlock shows an
// in-progress write.
func (e CodeEntry) WriterActive() bool {
	return e.HasSeqlock && e.Seqlock&1 != 0
}

// Valid applies the V1/V2 validity rule from the wire-format table.
func (e CodeEntry) Valid() bool {
	if e.HasSeqlock {
		return e.Seqlock&1 == 0
	}
	return e.SymfileAddr > 0 && e.SymfileSize > 0
}

// Record is one emitted output record: either a JIT symbol record or a
// bytecode (dex) record.
type Record struct {
	PID       int
	Timestamp int64

	// JIT fields (Kind == RecordJIT)
	Kind         RecordKind
	SymbolVaddr  uint64
	SymbolLen    uint64
	ScratchPath  string // "<path>:<offset>-<end>"
	FileOffset   int64

	// Bytecode fields (Kind == RecordBytecode)
	DexFileOffset  uint64
	FilePath       string
	ExtractedMap   *ArchiveMapping
}

// RecordKind distinguishes the two Record shapes.
type RecordKind int

const (
	RecordJIT RecordKind = iota
	RecordBytecode
)

func (k RecordKind) String() string {
	if k == RecordBytecode {
		return "bytecode"
	}
	return "jit"
}

// ArchiveMapping describes a memory mapping that was extracted from an
// archive (e.g. an .apk) into an anonymous, file-backed region.
type ArchiveMapping struct {
	ArchivePath string
	EntryPath   string
	Start       uint64
	End         uint64
}

// MemoryMap is one line of a target process's memory map listing.
type MemoryMap struct {
	Start       uint64
	End         uint64
	Offset      uint64 // pgoff, in bytes
	Permissions string
	Name        string
}

// Executable reports whether the mapping is marked executable.
func (m MemoryMap) Executable() bool {
	for _, c := range m.Permissions {
		if c == 'x' {
			return true
		}
	}
	return false
}

// Contains reports whether [addr, addr+size) lies entirely inside m.
func (m MemoryMap) Contains(addr, size uint64) bool {
	return addr >= m.Start && addr+size <= m.End
}

// Symbol is one entry from an executable's symbol table.
type Symbol struct {
	Name  string
	Vaddr uint64
	Len   uint64
}

// SampleStreamRecord is the narrow slice of the external sample-stream
// event types the monitor controller needs to react to. The full
// record type lives in the (external, out-of-scope) sample-event
// pipeline; this is the adapter shape jitdebug depends on.
type SampleStreamRecord struct {
	Kind      SampleEventKind
	Timestamp int64

	// mmap / mmap2
	PID  int
	Path string

	// fork
	ParentPID int
	ChildPID  int

	// sample
	TID int
}

// SampleEventKind enumerates the external event kinds the monitor
// controller must distinguish when routing sample-stream records.
type SampleEventKind int

const (
	SampleEventMmap SampleEventKind = iota
	SampleEventFork
	SampleEventSample
	SampleEventOther
)
