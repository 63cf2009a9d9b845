// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"errors"
	"fmt"
	"log/slog"
)

// errCallbackFailed is returned by Tick when the output sink's
// caller-supplied callback reports failure. This is fatal: the caller
// can no longer make forward progress since accepted snapshots would
// otherwise be lost.
var errCallbackFailed = errors.New("jitdebug: output callback reported failure")

// monitorDeps bundles the collaborators MonitorController needs. Kept
// as an unexported struct, rather than a long constructor parameter
// list, so dependencies can be threaded through without a signature
// change every time a new one is added.
type monitorDeps struct {
	mapReader MapReader
	parser    ExecutableParser
	memory    RemoteMemory
	resolver  *DescriptorLocationResolver
	appFile   *ScratchFile
	zygFile   *ScratchFile
	sink      *OutputSink
	log       *slog.Logger
	metrics   *Metrics
}

// MonitorController consumes the external sample-stream event kinds,
// maintains the set of processes known to have mapped the runtime
// library, and drives one read pass per process on every tick.
type MonitorController struct {
	deps monitorDeps

	// processes is the monitor set, keyed by pid.
	processes map[int]*ProcessState
	// withRuntimeLib tracks which pids have been seen mapping the
	// runtime library at least once, and whether they've since been
	// seen in a sample event and registered for monitoring.
	withRuntimeLib map[int]bool
}

// NewMonitorController constructs a MonitorController.
func NewMonitorController(deps monitorDeps) *MonitorController {
	return &MonitorController{
		deps:           deps,
		processes:      make(map[int]*ProcessState),
		withRuntimeLib: make(map[int]bool),
	}
}

// MonitorProcess inserts a fresh uninitialized record for pid if one
// doesn't already exist.
func (c *MonitorController) MonitorProcess(pid int) {
	if _, ok := c.processes[pid]; ok {
		return
	}
	c.processes[pid] = newProcessState(pid)
}

// ProcessCount reports the current monitor set size, used by the
// Reader to decide whether the periodic tick should be enabled.
func (c *MonitorController) ProcessCount() int {
	return len(c.processes)
}

// UpdateRecord routes one external sample-stream event: an mmap of
// the runtime library starts tracking a pid, a fork propagates
// tracking to the child, and the first sample seen for a tracked pid
// promotes it into the active monitor set and triggers an immediate
// read for that pid — the triggering sample doesn't wait for the next
// periodic tick to produce its first record.
func (c *MonitorController) UpdateRecord(rec SampleStreamRecord) {
	switch rec.Kind {
	case SampleEventMmap:
		if isRuntimeLibPath(rec.Path) {
			c.withRuntimeLib[rec.PID] = false
			c.MonitorProcess(rec.PID)
		}
	case SampleEventFork:
		if rec.ChildPID != rec.ParentPID {
			if _, ok := c.withRuntimeLib[rec.ParentPID]; ok {
				c.withRuntimeLib[rec.ChildPID] = false
				c.MonitorProcess(rec.ChildPID)
			}
		}
	case SampleEventSample:
		pid := c.pidForTID(rec)
		if flagged, ok := c.withRuntimeLib[pid]; ok && !flagged {
			c.withRuntimeLib[pid] = true
			c.MonitorProcess(pid)
			c.readNow(pid)
		}
	default:
		// Any other event kind only triggers the caller's time-gated
		// flush, handled by Reader.UpdateRecord after this call.
	}
}

// readNow performs an out-of-cycle read for pid, initializing it if
// necessary, and delivers any resulting records through the output
// sink as a non-synchronizing batch (this isn't the end of a full
// monitor-set pass, so endOfPass is always false here).
func (c *MonitorController) readNow(pid int) {
	p, ok := c.processes[pid]
	if !ok {
		return
	}

	if !p.Initialized {
		if err := p.Init(c.deps.mapReader, c.deps.resolver, c.deps.parser); err != nil {
			c.deps.log.Warn("jitdebug: process init failed", "pid", pid, "error", err)
		}
		if p.Died {
			c.removeDead(pid)
			return
		}
		if !p.Initialized {
			return // retry next tick.
		}
	}

	records, err := c.tickProcess(p)
	if err != nil {
		c.deps.log.Error("jitdebug: immediate read failed", "pid", pid, "error", err)
	}
	if p.Died {
		c.removeDead(pid)
	}

	c.deps.metrics.observeRecords(records)
	if ok := c.deps.sink.Deliver(records, false); !ok {
		c.deps.log.Error("jitdebug: immediate-read callback failed", "pid", pid)
	}
}

func (c *MonitorController) removeDead(pid int) {
	delete(c.processes, pid)
	delete(c.withRuntimeLib, pid)
	c.deps.metrics.observeProcessDied()
}

// pidForTID resolves the owning pid for a sample event. The external
// sample-stream record already carries PID for mmap/fork records; for
// sample records the tid's owning pid is assumed pre-resolved into
// rec.PID by the upstream sample-event pipeline, which is out of
// scope for this package.
func (c *MonitorController) pidForTID(rec SampleStreamRecord) int {
	return rec.PID
}

// Tick runs one full read-all-processes pass: for every
// monitored process it takes a descriptor snapshot, walks any new list
// entries, extracts/resolves them, and accumulates the resulting
// records for delivery via the output sink. Processes that die during
// the pass are swept at the end, after all processes have been
// visited, to avoid mutating the monitor set mid-iteration.
func (c *MonitorController) Tick() error {
	var allRecords []Record
	var dead []int
	var tickErr error

	for pid, p := range c.processes {
		if !p.Initialized {
			if err := p.Init(c.deps.mapReader, c.deps.resolver, c.deps.parser); err != nil {
				c.deps.log.Warn("jitdebug: process init failed", "pid", pid, "error", err)
			}
			if p.Died {
				dead = append(dead, pid)
				continue
			}
			if !p.Initialized {
				continue // retry next tick.
			}
		}

		records, err := c.tickProcess(p)
		if err != nil && tickErr == nil {
			tickErr = err
		}
		if p.Died {
			dead = append(dead, pid)
		}
		allRecords = append(allRecords, records...)
	}

	for _, pid := range dead {
		c.removeDead(pid)
	}

	c.deps.metrics.setProcessesWatched(len(c.processes))
	c.deps.metrics.observeRecords(allRecords)

	ok := c.deps.sink.Deliver(allRecords, true)
	if !ok {
		return errCallbackFailed
	}
	return tickErr
}

// tickProcess takes a snapshot, walks any new list entries, and
// extracts/resolves them for a single already-initialized process.
// The returned error is non-nil only for failures that are not
// specific to this process — a scratch-file write failure, say — and
// must surface as a hard failure of the tick rather than be retried
// silently forever.
func (c *MonitorController) tickProcess(p *ProcessState) ([]Record, error) {
	snap, err := TakeSnapshot(c.deps.memory, p)
	if err != nil {
		if !p.Died {
			c.deps.log.Debug("jitdebug: snapshot validation failed", "pid", p.PID, "error", err)
			c.deps.metrics.observeValidationError(DescriptorJIT)
		}
		return nil, nil
	}

	var out []Record
	var tickErr error

	if snap.JITChanged {
		entries, werr := WalkList(c.deps.memory, p, p.LastJIT, snap.JIT)
		if werr != nil {
			c.deps.log.Debug("jitdebug: jit walk aborted", "pid", p.PID, "error", werr)
		} else if reread, rerr := RereadDescriptor(c.deps.memory, p, DescriptorJIT); rerr == nil && reread.ActionSeqlock == snap.JIT.ActionSeqlock {
			recs, eerr := ExtractJITEntries(c.deps.memory, c.deps.parser, p, c.deps.appFile, c.deps.zygFile, entries, c.deps.metrics)
			if eerr != nil {
				c.deps.log.Error("jitdebug: jit extraction failed", "pid", p.PID, "error", eerr)
				tickErr = fmt.Errorf("jitdebug: extract jit entries for pid %d: %w", p.PID, eerr)
			} else {
				out = append(out, recs...)
				AcceptSnapshot(p, DescriptorJIT, snap.JIT)
			}
		}
	}
	if p.Died {
		return out, tickErr
	}

	if snap.BytecodeChanged {
		entries, werr := WalkList(c.deps.memory, p, p.LastBytecode, snap.Bytecode)
		if werr != nil {
			c.deps.log.Debug("jitdebug: bytecode walk aborted", "pid", p.PID, "error", werr)
		} else if reread, rerr := RereadDescriptor(c.deps.memory, p, DescriptorBytecode); rerr == nil && reread.ActionSeqlock == snap.Bytecode.ActionSeqlock {
			recs, rerr2 := ResolveBytecodeEntries(c.deps.mapReader, p, entries)
			if rerr2 != nil {
				c.deps.log.Warn("jitdebug: bytecode resolution failed", "pid", p.PID, "error", rerr2)
			} else {
				out = append(out, recs...)
				AcceptSnapshot(p, DescriptorBytecode, snap.Bytecode)
			}
		}
	}

	return out, tickErr
}
