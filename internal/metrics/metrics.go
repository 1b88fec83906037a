// Package metrics exposes the security core's operational counters. Numbers
// only, never identifiers or key material.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Set struct {
	AuthFailures    prometheus.Counter
	Lockouts        prometheus.Counter
	Unlocks         prometheus.Counter
	DecoyUnlocks    prometheus.Counter
	TamperEvents    prometheus.Counter
	MonitorTicks    prometheus.Counter
	WipePasses      prometheus.Counter
	WipesStarted    *prometheus.CounterVec
	EmergencyRuns   prometheus.Counter
	DeriveDurations prometheus.Histogram
}

// New builds and registers the metric set. Pass nil to register against the
// default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "auth_failures_total",
			Help: "Failed PIN or biometric attempts.",
		}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "lockouts_total",
			Help: "Lockout windows opened.",
		}),
		Unlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "unlocks_total",
			Help: "Successful primary unlocks.",
		}),
		DecoyUnlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "decoy_unlocks_total",
			Help: "Sessions opened with the decoy PIN.",
		}),
		TamperEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "tamper_events_total",
			Help: "Baseline mismatches and positive runtime heuristics.",
		}),
		MonitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "monitor_ticks_total",
			Help: "Integrity monitor ticks completed.",
		}),
		WipePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "wipe_passes_total",
			Help: "Overwrite passes completed across all wipe runs.",
		}),
		WipesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seccore", Name: "wipes_started_total",
			Help: "Wipe runs started, by tier.",
		}, []string{"tier"}),
		EmergencyRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seccore", Name: "emergency_protocol_runs_total",
			Help: "Emergency protocol executions.",
		}),
		DeriveDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seccore", Name: "master_key_derive_seconds",
			Help:    "Wall time of full master key derivations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	reg.MustRegister(
		s.AuthFailures, s.Lockouts, s.Unlocks, s.DecoyUnlocks,
		s.TamperEvents, s.MonitorTicks, s.WipePasses, s.WipesStarted,
		s.EmergencyRuns, s.DeriveDurations,
	)
	return s
}

// NewUnregistered returns a metric set backed by a private registry; tests
// use it so parallel packages do not collide on the default registerer.
func NewUnregistered() *Set {
	return New(prometheus.NewRegistry())
}
