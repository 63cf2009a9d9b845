// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package jitdebug extracts JIT-compiled method debug containers and
// loaded bytecode (dex) containers from running ART/Dalvik-style target
// processes without pausing them.
//
// The runtime inside each target process exports two well-known
// in-memory linked lists: one describing emitted JIT code objects that
// carry miniature ELF debug containers, and one describing loaded
// bytecode containers resident in memory. Reader periodically snapshots
// both lists from outside the target process, using a sequence-lock
// protocol to detect torn reads, extracts the embedded containers,
// persists them to local scratch files, and emits Records that a
// downstream symbolizer/unwinder consumes.
package jitdebug

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Poll interval the monitor controller uses for the periodic tick.
const PollInterval = 100 * time.Millisecond

// MaxContainerSize is the largest JIT container the extractor will copy
// out of a target process. Larger entries are skipped.
const MaxContainerSize = 1 << 20 // 1 MiB

// SymfileOption controls what happens to scratch files when the Reader
// that owns them is closed.
type SymfileOption int

const (
	// SymfileKeep leaves scratch files on disk after Close.
	SymfileKeep SymfileOption = iota
	// SymfileDropOnClose deletes scratch files when the Reader closes them.
	SymfileDropOnClose
)

// SyncOption selects how extracted Records are delivered to the caller.
type SyncOption int

const (
	// SyncEager delivers each tick's batch immediately.
	SyncEager SyncOption = iota
	// SyncReorder buffers records in a timestamp-ordered queue and only
	// delivers them when FlushDebugInfo advances the watermark.
	SyncReorder
)

// Config configures a Reader.
type Config struct {
	// SymfilePrefix is prepended to the two scratch file names
	// (application and shared-ancestor).
	SymfilePrefix string
	// SymfileOption controls scratch file lifetime; see SymfileOption.
	SymfileOption SymfileOption
	// SyncOption controls output delivery; see SyncOption.
	SyncOption SyncOption

	// MapReader enumerates a target's memory maps. Defaults to
	// ProcMapReader, which reads /proc/<pid>/maps.
	MapReader MapReader
	// Parser opens and inspects executable files (on-disk and in a
	// local buffer). Defaults to the debug/elf-backed parser returned
	// by NewELFParser.
	Parser ExecutableParser
	// Memory reads raw bytes out of a target process. Defaults to a
	// process_vm_readv-backed implementation.
	Memory RemoteMemory

	// Log is the base logger; jitdebug always adds
	// component="jitdebug".
	Log *slog.Logger

	// Metrics, when non-nil, receives counters for ticks, records,
	// and failures. Optional.
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.MapReader == nil {
		c.MapReader = NewProcMapReader()
	}
	if c.Parser == nil {
		c.Parser = NewELFParser()
	}
	if c.Memory == nil {
		c.Memory = NewLinuxRemoteMemory()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Reader is the public entry point of the package: it wires the
// monitor controller, descriptor-location resolver, per-process state,
// extractors, and output sink together.
type Reader struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	monitor  *MonitorController
	resolver *DescriptorLocationResolver
	appFile  *ScratchFile
	zygFile  *ScratchFile
	sink     *OutputSink
	metrics  *Metrics

	loop *TickerLoop
}

// Callback receives one tick's worth of output records plus a flag that
// is true when the caller should treat the batch as a synchronization
// point with the main sample stream (i.e. "no more records will arrive
// with an earlier timestamp than what has already been delivered").
type Callback func(records []Record, synchronize bool) bool

// NewReader constructs a Reader. The scratch files named by
// cfg.SymfilePrefix are created lazily on first use.
func NewReader(cfg Config, cb Callback) (*Reader, error) {
	if cb == nil {
		return nil, fmt.Errorf("jitdebug: callback must not be nil")
	}
	cfg.setDefaults()
	log := cfg.Log.With("component", "jitdebug")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	resolver := NewDescriptorLocationResolver(cfg.Parser)

	r := &Reader{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		appFile:  NewScratchFile(cfg.SymfilePrefix+symfileAppSuffix, cfg.SymfileOption),
		zygFile:  NewScratchFile(cfg.SymfilePrefix+symfileZygoteSuffix, cfg.SymfileOption),
		metrics:  metrics,
	}
	r.sink = NewOutputSink(cfg.SyncOption, cb)
	r.monitor = NewMonitorController(monitorDeps{
		mapReader: cfg.MapReader,
		parser:    cfg.Parser,
		memory:    cfg.Memory,
		resolver:  resolver,
		appFile:   r.appFile,
		zygFile:   r.zygFile,
		sink:      r.sink,
		log:       log,
		metrics:   metrics,
	})
	r.loop = NewTickerLoop(PollInterval, r.tick)
	return r, nil
}

// MonitorProcess starts watching pid.
func (r *Reader) MonitorProcess(pid int) {
	r.monitor.MonitorProcess(pid)
	r.syncLoopEnablement()
}

// UpdateRecord feeds one sample-stream event into the monitor
// controller and always triggers a time-gated flush of the reorder
// queue (a no-op under SyncEager).
func (r *Reader) UpdateRecord(rec SampleStreamRecord) {
	r.monitor.UpdateRecord(rec)
	r.syncLoopEnablement()
	r.sink.FlushDebugInfo(rec.Timestamp)
}

// FlushDebugInfo drains the reorder queue up to timestamp. No-op under
// SyncEager.
func (r *Reader) FlushDebugInfo(timestamp int64) {
	r.sink.FlushDebugInfo(timestamp)
}

// Close shuts down the periodic tick and closes (optionally deleting)
// the scratch files.
func (r *Reader) Close() error {
	r.loop.Stop()
	err1 := r.appFile.Close()
	err2 := r.zygFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (r *Reader) tick() error {
	err := r.monitor.Tick()
	r.metrics.observeTick(err)
	return err
}

func (r *Reader) syncLoopEnablement() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.monitor.ProcessCount() > 0 {
		r.loop.Enable()
	} else {
		r.loop.Disable()
	}
}

const (
	symfileAppSuffix    = ".app.symfile"
	symfileZygoteSuffix = ".zygote.symfile"
)
