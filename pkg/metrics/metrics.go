// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Decisions counts evaluator outcomes by decision.
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdp",
			Subsystem: "evaluator",
			Name:      "decisions_total",
			Help:      "Decisions returned by the evaluator",
		},
		[]string{"decision"},
	)

	// EvaluateLatency tracks end-to-end evaluation time including audit and
	// duty side effects.
	EvaluateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pdp",
			Subsystem: "evaluator",
			Name:      "evaluate_latency_seconds",
			Help:      "Time spent evaluating one request",
		},
	)

	// AuditAppends counts committed audit records by decision kind.
	AuditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdp",
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Audit records appended",
		},
		[]string{"decision"},
	)

	// ChainVerifyFailures counts failed chain verifications. Any increase is
	// an operational alarm.
	ChainVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pdp",
			Subsystem: "audit",
			Name:      "chain_verify_failures_total",
			Help:      "Audit chain verification failures",
		},
	)

	// DutiesFulfilled counts duties promoted by the scheduler tick.
	DutiesFulfilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pdp",
			Subsystem: "duty",
			Name:      "fulfilled_total",
			Help:      "Duties fulfilled by the scheduler",
		},
	)

	// DutyTickLatency tracks scheduler tick duration.
	DutyTickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pdp",
			Subsystem: "duty",
			Name:      "tick_latency_seconds",
			Help:      "Time spent in one scheduler tick",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors with the default registry. Safe to
// call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Decisions,
			EvaluateLatency,
			AuditAppends,
			ChainVerifyFailures,
			DutiesFulfilled,
			DutyTickLatency,
		)
	})
}
