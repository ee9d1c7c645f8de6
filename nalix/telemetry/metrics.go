// Package telemetry exposes the runtime's prometheus metrics. A Metrics
// value is an explicit dependency of the dispatcher; tests construct their
// own registry instead of sharing process-global state.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the dispatcher and its gates update.
type Metrics struct {
	PacketsTotal      *prometheus.CounterVec // direction: in|out
	UnknownOpcode     prometheus.Counter
	RateLimited       prometheus.Counter
	AuthTagMismatch   prometheus.Counter
	ReplaysDetected   prometheus.Counter
	HandlerErrors     prometheus.Counter
	HandlerTimeouts   prometheus.Counter
	HandlerDuration   prometheus.Histogram
	BufferOutstanding prometheus.GaugeFunc
}

// New registers the runtime collectors on reg. outstanding supplies the
// buffer pool's live lease count; pass nil to skip the gauge.
func New(reg prometheus.Registerer, outstanding func() float64) *Metrics {
	m := &Metrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "packets_total",
			Help:      "Packets processed, by direction.",
		}, []string{"direction"}),
		UnknownOpcode: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "unknown_opcode_total",
			Help:      "Packets addressed to an unregistered opcode.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate policy gate.",
		}),
		AuthTagMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "auth_tag_mismatch_total",
			Help:      "Secure envelopes that failed authentication.",
		}),
		ReplaysDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "replays_detected_total",
			Help:      "Envelopes rejected by replay protection.",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}),
		HandlerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nalix",
			Name:      "handler_timeouts_total",
			Help:      "Handler invocations cancelled by their descriptor timeout.",
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nalix",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	collectors := []prometheus.Collector{
		m.PacketsTotal, m.UnknownOpcode, m.RateLimited, m.AuthTagMismatch,
		m.ReplaysDetected, m.HandlerErrors, m.HandlerTimeouts, m.HandlerDuration,
	}
	if outstanding != nil {
		m.BufferOutstanding = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nalix",
			Name:      "buffer_leases_outstanding",
			Help:      "Pool leases rented but not yet returned.",
		}, outstanding)
		collectors = append(collectors, m.BufferOutstanding)
	}
	if reg != nil {
		reg.MustRegister(collectors...)
	}
	return m
}

// Nop returns metrics registered nowhere, for tests and defaults.
func Nop() *Metrics { return New(nil, nil) }
