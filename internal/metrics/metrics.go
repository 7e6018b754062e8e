// Package metrics declares the process's Prometheus metrics. Naming
// convention: namespace_subsystem_name, namespace "signaling" throughout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "runner", Name: "active",
		Help: "Current number of live runner goroutine pairs.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "room", Name: "active",
		Help: "Current number of rooms with at least one participant.",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "room", Name: "participants",
		Help: "Number of participants currently joined, per room.",
	}, []string{"room_id"})

	RunnerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "runner", Name: "events_total",
		Help: "Total events dispatched by the runner event loop.",
	}, []string{"source", "status"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling", Subsystem: "runner", Name: "event_processing_seconds",
		Help:    "Time spent inside a single module.OnEvent call.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"module"})

	ModuleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "module", Name: "errors_total",
		Help: "Total recoverable and fatal module errors, by module and kind.",
	}, []string{"module", "kind"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "circuit_breaker", Name: "state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "circuit_breaker", Name: "failures_total",
		Help: "Requests rejected by an open circuit breaker.",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "rate_limit", Name: "exceeded_total",
		Help: "Requests that exceeded a configured rate limit.",
	}, []string{"endpoint", "reason"})

	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "store", Name: "operations_total",
		Help: "Volatile store operations, by operation and outcome.",
	}, []string{"operation", "status"})

	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling", Subsystem: "store", Name: "operation_duration_seconds",
		Help:    "Volatile store operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	McuLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "mcu", Name: "load",
		Help: "Active handle count per MCU client, mirroring the mcu_load zset.",
	}, []string{"mcu_id"})

	McuReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "mcu", Name: "reconnects_total",
		Help: "MCU client reconnect attempts, by outcome.",
	}, []string{"mcu_id", "status"})

	McuPublishersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "mcu", Name: "publishers_active",
		Help: "Active publisher sessions across the MCU pool.",
	})

	MediaSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "media", Name: "sessions_active",
		Help: "Publishing participants with audio or video currently on, per session type.",
	}, []string{"session_type", "kind"})

	LegalVotesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling", Subsystem: "legal_vote", Name: "active",
		Help: "Votes currently in a pre-terminal state.",
	})

	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling", Subsystem: "chat", Name: "messages_total",
		Help: "Chat messages sent, by scope.",
	}, []string{"scope"})
)
