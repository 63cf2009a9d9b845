// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "container/heap"

// OutputSink delivers output records in one of two modes: eager
// delivery of each tick's batch, or timestamp-reordered buffering
// drained by FlushDebugInfo. The reorder mode buffers in a min-heap
// ordered by timestamp ascending rather than sorting on every flush.
type OutputSink struct {
	opt SyncOption
	cb  Callback
	pq  recordHeap
}

// NewOutputSink constructs an OutputSink in the given mode.
func NewOutputSink(opt SyncOption, cb Callback) *OutputSink {
	s := &OutputSink{opt: opt, cb: cb}
	heap.Init(&s.pq)
	return s
}

// Deliver hands one tick's batch of records to the sink. In eager
// mode it calls the callback immediately, skipping the call entirely
// when records is empty so the caller never observes a zero-length
// batch; in reorder mode the records are buffered until a
// FlushDebugInfo call releases them, and an empty endOfPass batch
// still fires the callback as a synchronization signal.
func (s *OutputSink) Deliver(records []Record, endOfPass bool) bool {
	if s.opt == SyncEager {
		if len(records) == 0 {
			return true
		}
		return s.cb(records, endOfPass)
	}
	for _, r := range records {
		heap.Push(&s.pq, r)
	}
	if endOfPass {
		return s.cb(nil, true)
	}
	return true
}

// FlushDebugInfo implements the reorder-mode drain: pop every buffered
// record with Timestamp < timestamp, in non-decreasing timestamp
// order, and deliver them as one non-synchronizing batch.
func (s *OutputSink) FlushDebugInfo(timestamp int64) bool {
	if s.opt == SyncEager {
		return true
	}
	var batch []Record
	for s.pq.Len() > 0 && s.pq[0].Timestamp < timestamp {
		batch = append(batch, heap.Pop(&s.pq).(Record))
	}
	if len(batch) == 0 {
		return true
	}
	return s.cb(batch, false)
}

// recordHeap is a min-heap of Record ordered by Timestamp.
type recordHeap []Record

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].Timestamp < h[j].Timestamp }
func (h recordHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(Record)) }
func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
