// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, mapReader MapReader, memory RemoteMemory, parser ExecutableParser) (*MonitorController, *[]Record) {
	dir := t.TempDir()
	appFile := NewScratchFile(filepath.Join(dir, "app.symfile"), SymfileKeep)
	zygFile := NewScratchFile(filepath.Join(dir, "zygote.symfile"), SymfileKeep)
	t.Cleanup(func() { appFile.Close(); zygFile.Close() })

	var delivered []Record
	sink := NewOutputSink(SyncEager, func(records []Record, sync bool) bool {
		delivered = append(delivered, records...)
		return true
	})

	c := NewMonitorController(monitorDeps{
		mapReader: mapReader,
		parser:    parser,
		memory:    memory,
		resolver:  NewDescriptorLocationResolver(parser),
		appFile:   appFile,
		zygFile:   zygFile,
		sink:      sink,
		log:       discardLogger(),
		metrics:   nil,
	})
	return c, &delivered
}

// TestMonitorController_EndToEndS1 drives Tick() twice over a single
// fake process, covering scenario S1 end-to-end: the first tick
// establishes the baseline snapshot, the second observes the new JIT
// entry and emits exactly one record.
func TestMonitorController_EndToEndS1(t *testing.T) {
	const pid = 100
	const libPath = "/system/lib64/libart.so"
	const libBase = uint64(0x70000000)
	const jitRVA = uint64(0x100)
	const dexRVA = uint64(0x200)

	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{
		pid: {{Start: libBase, End: libBase + 0x100000, Permissions: "r-xp", Name: libPath}},
	}}
	lib := &fakeExecutableFile{
		is64Bit: true,
		dynSymbols: []Symbol{
			{Name: JITDescriptorSymbol, Vaddr: jitRVA},
			{Name: BytecodeDescriptorSymbol, Vaddr: dexRVA},
		},
	}
	container := fakeELFBuf(200)
	parser := &fakeExecutableParser{
		onDisk:     map[string]*fakeExecutableFile{libPath: lib},
		bufferFile: &fakeExecutableFile{symbols: []Symbol{{Name: "m", Vaddr: 0, Len: 64}}},
	}

	mem := newFakeMemory()
	jitAddr := libBase + jitRVA
	dexAddr := libBase + dexRVA
	entryAddr := uint64(0x9000)

	mem.put(jitAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))
	mem.put(dexAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))

	c, delivered := newTestMonitor(t, mapReader, mem, parser)
	c.MonitorProcess(pid)

	if err := c.Tick(); err != nil {
		t.Fatalf("first Tick() error = %v", err)
	}

	// Target registers one JIT entry: seqlock 0 -> 2.
	mem.put(jitAddr, buildRawDescriptor(true, MagicAndroid1, 2, 1000, entryAddr))
	mem.put(entryAddr, buildV1CodeEntry(true, 0, 0, 0x5000, uint64(len(container)), 1000))
	mem.put(0x5000, container)

	if err := c.Tick(); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}

	var jitRecords int
	for _, r := range *delivered {
		if r.Kind == RecordJIT {
			jitRecords++
		}
	}
	if jitRecords != 1 {
		t.Fatalf("emitted %d JIT records across both ticks, want 1", jitRecords)
	}
}

// TestMonitorController_TickPropagatesScratchWriteFailure covers the
// scratch-file-write-failure branch of category 3 ("a write failure
// on app/zygote scratch files propagates up as a hard failure of the
// tick"): when the app scratch file can't be created, Tick returns a
// non-nil error instead of only logging and retrying forever.
func TestMonitorController_TickPropagatesScratchWriteFailure(t *testing.T) {
	const pid = 101
	const libPath = "/system/lib64/libart.so"
	const libBase = uint64(0x70000000)
	const jitRVA = uint64(0x100)
	const dexRVA = uint64(0x200)

	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{
		pid: {{Start: libBase, End: libBase + 0x100000, Permissions: "r-xp", Name: libPath}},
	}}
	lib := &fakeExecutableFile{
		is64Bit: true,
		dynSymbols: []Symbol{
			{Name: JITDescriptorSymbol, Vaddr: jitRVA},
			{Name: BytecodeDescriptorSymbol, Vaddr: dexRVA},
		},
	}
	container := fakeELFBuf(200)
	parser := &fakeExecutableParser{
		onDisk:     map[string]*fakeExecutableFile{libPath: lib},
		bufferFile: &fakeExecutableFile{symbols: []Symbol{{Name: "m", Vaddr: 0, Len: 64}}},
	}

	mem := newFakeMemory()
	jitAddr := libBase + jitRVA
	dexAddr := libBase + dexRVA
	entryAddr := uint64(0x9000)
	mem.put(jitAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))
	mem.put(dexAddr, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))

	// appFile's parent directory does not exist, so os.OpenFile with
	// O_CREATE inside ensureOpenLocked fails on the first write.
	appFile := NewScratchFile(filepath.Join(t.TempDir(), "missing", "app.symfile"), SymfileKeep)
	zygFile := NewScratchFile(filepath.Join(t.TempDir(), "zygote.symfile"), SymfileKeep)
	t.Cleanup(func() { appFile.Close(); zygFile.Close() })

	sink := NewOutputSink(SyncEager, func(records []Record, sync bool) bool { return true })
	c := NewMonitorController(monitorDeps{
		mapReader: mapReader,
		parser:    parser,
		memory:    mem,
		resolver:  NewDescriptorLocationResolver(parser),
		appFile:   appFile,
		zygFile:   zygFile,
		sink:      sink,
		log:       discardLogger(),
		metrics:   nil,
	})
	c.MonitorProcess(pid)

	if err := c.Tick(); err != nil {
		t.Fatalf("first Tick() error = %v", err)
	}

	mem.put(jitAddr, buildRawDescriptor(true, MagicAndroid1, 2, 1000, entryAddr))
	mem.put(entryAddr, buildV1CodeEntry(true, 0, 0, 0x5000, uint64(len(container)), 1000))
	mem.put(0x5000, container)

	err := c.Tick()
	if err == nil {
		t.Fatal("second Tick() error = nil, want non-nil when the app scratch file can't be written")
	}
	if _, stillMonitored := c.processes[pid]; !stillMonitored {
		t.Error("process removed from monitor set after a scratch-write failure, want it retried")
	}
}

// TestMonitorController_P6DeadProcessRemovedWithinOneTick covers P6: a
// process whose cross-process read fails is removed from the monitor
// set by the end of the tick in which the failure occurred.
func TestMonitorController_P6DeadProcessRemovedWithinOneTick(t *testing.T) {
	const pid = 200
	const libPath = "/system/lib64/libart.so"
	const libBase = uint64(0x1000)

	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{
		pid: {{Start: libBase, End: libBase + 0x1000, Permissions: "r-xp", Name: libPath}},
	}}
	lib := &fakeExecutableFile{
		is64Bit:    true,
		dynSymbols: []Symbol{{Name: JITDescriptorSymbol, Vaddr: 0x10}, {Name: BytecodeDescriptorSymbol, Vaddr: 0x20}},
	}
	parser := &fakeExecutableParser{onDisk: map[string]*fakeExecutableFile{libPath: lib}}

	mem := newFakeMemory() // no descriptor regions registered: every read fails.

	c, _ := newTestMonitor(t, mapReader, mem, parser)
	c.MonitorProcess(pid)

	if err := c.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if c.ProcessCount() != 0 {
		t.Fatalf("ProcessCount() = %d, want 0 after the tick that first failed to read pid %d", c.ProcessCount(), pid)
	}
}

func TestMonitorController_UpdateRecordRoutesMmapAndRegistersPID(t *testing.T) {
	c := NewMonitorController(monitorDeps{log: discardLogger()})
	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventMmap, PID: 55, Path: "/system/lib64/libart.so"})
	if c.ProcessCount() != 1 {
		t.Fatalf("ProcessCount() = %d, want 1 after an mmap of the runtime library", c.ProcessCount())
	}
}

func TestMonitorController_UpdateRecordIgnoresUnrelatedMmap(t *testing.T) {
	c := NewMonitorController(monitorDeps{log: discardLogger()})
	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventMmap, PID: 55, Path: "/lib/libc.so"})
	if c.ProcessCount() != 0 {
		t.Fatalf("ProcessCount() = %d, want 0 for an mmap unrelated to the runtime library", c.ProcessCount())
	}
}

// TestMonitorController_UpdateRecordSampleTriggersImmediateRead covers
// the promotion branch of UpdateRecord: the sample that flips a
// pid's flag must perform its first read synchronously, rather than
// leaving the process uninitialized until the next periodic Tick.
func TestMonitorController_UpdateRecordSampleTriggersImmediateRead(t *testing.T) {
	const pid = 77
	const libPath = "/system/lib64/libart.so"
	const libBase = uint64(0x70000000)

	mapReader := &fakeMapReader{maps: map[int][]MemoryMap{
		pid: {{Start: libBase, End: libBase + 0x100000, Permissions: "r-xp", Name: libPath}},
	}}
	lib := &fakeExecutableFile{
		is64Bit: true,
		dynSymbols: []Symbol{
			{Name: JITDescriptorSymbol, Vaddr: 0x100},
			{Name: BytecodeDescriptorSymbol, Vaddr: 0x200},
		},
	}
	parser := &fakeExecutableParser{onDisk: map[string]*fakeExecutableFile{libPath: lib}}

	mem := newFakeMemory()
	mem.put(libBase+0x100, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))
	mem.put(libBase+0x200, buildRawDescriptor(true, MagicAndroid1, 0, 0, 0))

	c, delivered := newTestMonitor(t, mapReader, mem, parser)

	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventMmap, PID: pid, Path: libPath})
	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventSample, PID: pid})

	p, ok := c.processes[pid]
	if !ok {
		t.Fatal("process not present in monitor set after promotion")
	}
	if !p.Initialized {
		t.Error("Initialized = false, want true: the promoting sample must trigger an immediate read rather than waiting for the next Tick()")
	}
	if len(*delivered) != 0 {
		t.Errorf("delivered = %v, want none: the baseline read has no new list entries to emit yet", *delivered)
	}
}

func TestMonitorController_UpdateRecordRoutesFork(t *testing.T) {
	c := NewMonitorController(monitorDeps{log: discardLogger()})
	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventMmap, PID: 10, Path: "/system/lib64/libart.so"})
	c.UpdateRecord(SampleStreamRecord{Kind: SampleEventFork, ParentPID: 10, ChildPID: 11})
	if c.ProcessCount() != 2 {
		t.Fatalf("ProcessCount() = %d, want 2 after a fork from a runtime-lib-mapped parent", c.ProcessCount())
	}
}
