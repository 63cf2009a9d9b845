// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"sync"
	"time"
)

// TickerLoop is a periodic-event-loop primitive supporting Enable,
// Disable, and a permanent Stop, so the event can be paused and
// resumed rather than only cancelled outright.
//
// tickFn is invoked on the loop's own goroutine and must not block for
// long: the loop does not start a new ticker fire until the previous
// tickFn call returns, so a slow tick cannot overlap with the next
// one.
type TickerLoop struct {
	interval time.Duration
	tickFn   func() error

	mu      sync.Mutex
	enabled bool
	stopped bool
	ticker  *time.Ticker
	done    chan struct{}

	onError func(error)
}

// NewTickerLoop constructs a TickerLoop in the disabled state; call
// Enable to start firing tickFn every interval.
func NewTickerLoop(interval time.Duration, tickFn func() error) *TickerLoop {
	return &TickerLoop{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}
}

// OnError registers a callback invoked when tickFn returns an error.
// Not safe to call concurrently with Enable/Disable/Stop.
func (t *TickerLoop) OnError(fn func(error)) {
	t.onError = fn
}

// Enable starts (or resumes) periodic ticking. Idempotent.
func (t *TickerLoop) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled || t.stopped {
		return
	}
	t.enabled = true
	t.ticker = time.NewTicker(t.interval)
	go t.run(t.ticker, t.done)
}

// Disable pauses ticking without tearing down the loop; Enable may be
// called again later.
func (t *TickerLoop) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.enabled = false
	t.ticker.Stop()
	t.done <- struct{}{}
	t.done = make(chan struct{})
}

// Stop disables the loop permanently; Enable after Stop is a no-op.
func (t *TickerLoop) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.enabled {
		t.enabled = false
		t.ticker.Stop()
		t.done <- struct{}{}
	}
}

func (t *TickerLoop) run(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.tickFn(); err != nil && t.onError != nil {
				t.onError(err)
			}
		}
	}
}
