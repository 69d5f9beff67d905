// Package metrics exposes Prometheus collectors for the sentinel service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_fetches_total",
			Help: "Total fetch attempts, labeled by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_items_total",
			Help: "Total discovered items, labeled by classification kind.",
		},
		[]string{"kind"},
	)

	cyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_cycles_total",
			Help: "Total discovery cycles completed.",
		},
	)

	cycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_cycle_duration_seconds",
			Help:    "Histogram of discovery cycle durations.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	circuitOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_circuit_opens_total",
			Help: "Total circuit-open events, labeled by domain.",
		},
		[]string{"domain"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch counter for the domain and outcome.
func ObserveFetch(domain, outcome string) {
	fetchesTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveItem increments the discovered item counter for the kind.
func ObserveItem(kind string) {
	itemsTotal.WithLabelValues(kind).Inc()
}

// ObserveCycle records a completed discovery cycle.
func ObserveCycle(duration time.Duration) {
	cyclesTotal.Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveCircuitOpen records a circuit-open event for a domain.
func ObserveCircuitOpen(domain string) {
	circuitOpensTotal.WithLabelValues(domain).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
