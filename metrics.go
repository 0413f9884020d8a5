package fulfillment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the orchestrator's Prometheus instrumentation.
type Metrics struct {
	SagasStarted     prometheus.Counter
	SagasCompleted   *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepTimeouts     prometheus.Counter
	Compensations    *prometheus.CounterVec
	VersionConflicts prometheus.Counter
	DuplicateResults prometheus.Counter
}

// NewMetrics builds and registers the metric set. Pass nil to skip
// registration (tests that only need the counters).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "sagas_started_total",
			Help:      "Sagas started.",
		}),
		SagasCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "sagas_completed_total",
			Help:      "Sagas reaching a terminal state, by status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fulfillment",
			Name:      "step_duration_seconds",
			Help:      "Wall time from step dispatch to result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		StepTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "step_timeouts_total",
			Help:      "Steps whose deadline elapsed without a result.",
		}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "compensations_total",
			Help:      "Compensation actions executed, by outcome.",
		}, []string{"outcome"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "store_version_conflicts_total",
			Help:      "Optimistic-lock conflicts on saga saves.",
		}),
		DuplicateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "duplicate_step_results_total",
			Help:      "Step results discarded as duplicates or stale.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SagasStarted,
			m.SagasCompleted,
			m.StepDuration,
			m.StepTimeouts,
			m.Compensations,
			m.VersionConflicts,
			m.DuplicateResults,
		)
	}
	return m
}
