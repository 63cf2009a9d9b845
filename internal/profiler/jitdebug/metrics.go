// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks reader activity for Prometheus: plain counters/gauges
// constructed up front and registered against a caller-supplied
// registerer, with a nil registerer leaving Metrics fully usable but
// unexported.
type Metrics struct {
	ticks            prometheus.Counter
	tickErrors       prometheus.Counter
	recordsByKind    *prometheus.CounterVec
	processesWatched prometheus.Gauge
	processesDied    prometheus.Counter
	validationErrors *prometheus.CounterVec
	scratchBytes     *prometheus.CounterVec
}

// NewMetrics constructs a Metrics instance. If reg is non-nil, all
// series are registered against it; a nil reg is valid and leaves the
// metrics tracked in-process only.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "ticks_total",
			Help:      "Total number of monitor controller ticks run.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "tick_errors_total",
			Help:      "Total number of ticks that returned a fatal error.",
		}),
		recordsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "records_emitted_total",
			Help:      "Total number of output records emitted, by kind.",
		}, []string{"kind"}),
		processesWatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jitdebug",
			Name:      "processes_watched",
			Help:      "Current number of processes in the monitor set.",
		}),
		processesDied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "processes_died_total",
			Help:      "Total number of monitored processes removed after a failed read.",
		}),
		validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "validation_errors_total",
			Help:      "Total number of descriptor or code-entry validation failures, by kind.",
		}, []string{"kind"}),
		scratchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jitdebug",
			Name:      "scratch_bytes_written_total",
			Help:      "Total bytes appended to scratch files, by origin.",
		}, []string{"origin"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.ticks, m.tickErrors, m.recordsByKind, m.processesWatched,
			m.processesDied, m.validationErrors, m.scratchBytes,
		} {
			reg.MustRegister(c)
		}
	}

	return m
}

func (m *Metrics) observeTick(err error) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	if err != nil {
		m.tickErrors.Inc()
	}
}

func (m *Metrics) observeRecords(records []Record) {
	if m == nil {
		return
	}
	for _, r := range records {
		m.recordsByKind.WithLabelValues(r.Kind.String()).Inc()
	}
}

func (m *Metrics) setProcessesWatched(n int) {
	if m == nil {
		return
	}
	m.processesWatched.Set(float64(n))
}

func (m *Metrics) observeProcessDied() {
	if m == nil {
		return
	}
	m.processesDied.Inc()
}

func (m *Metrics) observeValidationError(kind DescriptorKind) {
	if m == nil {
		return
	}
	m.validationErrors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeScratchBytes(origin string, n int) {
	if m == nil {
		return
	}
	m.scratchBytes.WithLabelValues(origin).Add(float64(n))
}
