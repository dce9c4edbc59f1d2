package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoice_events_emitted_total",
			Help: "Document lifecycle events appended to the event store",
		},
		[]string{"event_type"},
	)

	TransitionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoice_transitions_refused_total",
			Help: "Emit attempts refused by the state machine",
		},
		[]string{"to_state"},
	)

	StaleStateRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "einvoice_stale_state_retries_total",
			Help: "Conditional appends that lost a race and were re-read",
		},
	)

	QueueOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoice_queue_outcomes_total",
			Help: "Queue item outcomes by result",
		},
		[]string{"outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "einvoice_queue_items",
			Help: "Queue items by status at last stats read",
		},
		[]string{"tenant_id", "status"},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "einvoice_dead_letters_total",
			Help: "Queue items promoted to the dead-letter store",
		},
	)

	SubmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "einvoice_submission_duration_seconds",
			Help:    "Latency of calls to the tax authority",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "einvoice_circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "einvoice_idempotency_lookups_total",
			Help: "Idempotency guard outcomes",
		},
		[]string{"outcome"},
	)
)
