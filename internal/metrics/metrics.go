// Package metrics: Prometheus-коллекторы воркера.
package metrics

import (
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// RunsTotal counts finished runs by kind (headhaul, lastmile_register, ...).
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Total number of finished worker runs by kind",
		},
		[]string{"kind"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trailbox",
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Duration of worker runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	// ItemsTotal counts processed shipments by run kind and outcome (ok, failed).
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "worker",
			Name:      "items_total",
			Help:      "Total number of processed shipments by run kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CarrierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "carrier",
			Name:      "batches_total",
			Help:      "Total number of carrier batch fetches by interface and outcome",
		},
		[]string{"interface", "outcome"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total number of shipments deferred by the rate limiter",
		},
		[]string{"interface"},
	)

	// BreakerState: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trailbox",
			Subsystem: "carrier",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per carrier interface (0 closed, 1 half-open, 2 open)",
		},
		[]string{"interface"},
	)

	PushBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "push",
			Name:      "batches_total",
			Help:      "Total number of downstream push batches by outcome",
		},
		[]string{"outcome"},
	)

	PushEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Total number of events accepted downstream",
		},
	)

	StoppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailbox",
			Subsystem: "worker",
			Name:      "stopped_total",
			Help:      "Total number of records stopped by the sweep",
		},
		[]string{"kind"},
	)
)

// ObserveRun records a finished run summary.
func ObserveRun(s *models.RunSummary) {
	if s == nil {
		return
	}
	RunsTotal.WithLabelValues(s.Kind).Inc()
	if !s.FinishedAt.IsZero() {
		RunDuration.WithLabelValues(s.Kind).Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
	ItemsTotal.WithLabelValues(s.Kind, "ok").Add(float64(s.Succeeded))
	ItemsTotal.WithLabelValues(s.Kind, "failed").Add(float64(s.Failed))
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetBreakerState is the hook for resilience.Breakers.OnStateChange.
func SetBreakerState(name string, to gobreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}
