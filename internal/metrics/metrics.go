package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocationsTotal counts allocation runs by direction and outcome
	// (reserved, insufficient_liquidity, partial_fill_rejected, error).
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_runs_total",
			Help: "Total allocation runs by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	// AllocationDuration measures the duration of allocation runs.
	AllocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocation_run_duration_seconds",
			Help:    "Duration of allocation runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms → ~8s
		},
		[]string{"direction"},
	)

	// FillsPerAllocation tracks how many requisites a successful run consumed.
	FillsPerAllocation = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocation_fills_per_run",
			Help:    "Requisites consumed per successful allocation run.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// LockContentionTotal counts candidates skipped because another run held
	// the soft lock. Contention is expected, not an error.
	LockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "requisite_lock_contention_total",
			Help: "Candidates skipped because their soft lock was held by another run.",
		},
	)

	// RequisitesSweptTotal counts exhausted requisites soft-deleted by the sweeper.
	RequisitesSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "requisites_swept_total",
			Help: "Exhausted requisites soft-deleted by the pool sweeper.",
		},
	)

	// NATSPublishErrors counts failed event publishes by subject.
	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Number of NATS publish failures.",
		},
		[]string{"subject"},
	)

	// WebhookDeliveries counts completion webhook attempts by result.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Completion webhook deliveries by result.",
		},
		[]string{"result"},
	)
)

// IncAllocation records one allocation run outcome.
func IncAllocation(direction, outcome string) {
	AllocationsTotal.WithLabelValues(direction, outcome).Inc()
}

// ObserveAllocation records the duration of one allocation run.
func ObserveAllocation(direction string, start time.Time) {
	AllocationDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}
