// Package metrics provides Prometheus metrics for the power-mode collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlantsTotal tracks plants handled by the collector by result
	PlantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powermode",
			Subsystem: "collector",
			Name:      "plants_total",
			Help:      "Total number of plants handled by result (success, unavailable, failed, skipped)",
		},
		[]string{"result"},
	)

	// APIRequestsTotal tracks outbound FusionSolar requests
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powermode",
			Subsystem: "collector",
			Name:      "api_requests_total",
			Help:      "Total number of FusionSolar API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// APIRequestDuration tracks outbound FusionSolar request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "powermode",
			Subsystem: "collector",
			Name:      "api_request_duration_seconds",
			Help:      "Duration of FusionSolar API requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// RetriesTotal tracks retry waits by reason
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "powermode",
			Subsystem: "collector",
			Name:      "retries_total",
			Help:      "Total number of retry waits by phase and error kind",
		},
		[]string{"phase", "kind"},
	)

	// RunState is 1 for the current state of the collector state machine
	RunState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "powermode",
			Subsystem: "collector",
			Name:      "run_state",
			Help:      "Current collector state (1 for the active state)",
		},
		[]string{"state"},
	)

	// StoreDuration tracks database upsert duration
	StoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "powermode",
			Subsystem: "repository",
			Name:      "upsert_duration_seconds",
			Help:      "Duration of power mode upserts in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// ObserveRequest records an outbound API request
func ObserveRequest(endpoint, outcome string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordPlant records the result for one plant
func RecordPlant(result string) {
	PlantsTotal.WithLabelValues(result).Inc()
}

// RecordRetry records a retry wait
func RecordRetry(phase, kind string) {
	RetriesTotal.WithLabelValues(phase, kind).Inc()
}

// SetState marks state as the active collector state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		RunState.WithLabelValues(s).Set(v)
	}
}
