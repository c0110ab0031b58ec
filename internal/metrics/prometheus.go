// Package metrics provides Prometheus metrics for the panel-generation
// gateway: request outcomes, idempotency activity, credit accounting, and
// provider fallback behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panelforge"

// LatencyBuckets defines histogram buckets for provider latency (seconds).
// Image generation is slow; buckets extend well past a minute.
var LatencyBuckets = []float64{
	0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 7.5, 10.0,
	15.0, 20.0, 30.0, 45.0, 60.0, 90.0, 120.0,
}

var (
	// GenerationRequests counts coordinator runs by terminal outcome.
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Total generation requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	// IdempotencyReplays counts duplicate submissions served from cache.
	IdempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_replays_total",
			Help:      "Duplicate submissions answered with a cached response",
		},
	)

	// IdempotencyConflicts counts duplicates rejected while the original
	// request was still in flight.
	IdempotencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_conflicts_total",
			Help:      "Duplicate submissions rejected while the key was locked",
		},
	)

	// CreditReservations counts ledger debits by result.
	CreditReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_reservations_total",
			Help:      "Credit reservation attempts by result",
		},
		[]string{"result"},
	)

	// CreditRefunds counts compensating credits returned after failures.
	CreditRefunds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Credits refunded after failed generations",
		},
	)

	// FallbackAttempts counts provider attempts by profile and result.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Provider attempts by profile and result",
		},
		[]string{"provider", "model", "result"},
	)

	// ProviderLatency tracks per-attempt provider latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of individual provider generation attempts",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)
)
