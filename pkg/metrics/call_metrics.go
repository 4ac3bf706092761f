package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call lifecycle metrics
var (
	CallsInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_initiated_total",
		Help: "Total number of calls initiated",
	}, []string{"call_type"})

	CallsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_finalized_total",
		Help: "Total number of calls reaching a terminal status",
	}, []string{"status"})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Current number of non-terminal calls held by this instance",
	})

	CallUpdateConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_update_conflicts_total",
		Help: "Total number of optimistic-concurrency conflicts on call writes",
	})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Distribution of finished call durations",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

// Delivery fabric metrics
var (
	FanoutDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_deliveries_total",
		Help: "Total number of event deliveries attempted per channel",
	}, []string{"channel", "status"}) // channel: "local", "relay"

	RelaySendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Total number of failed managed-relay sends",
	})

	WebSocketConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_events_total",
		Help: "Total number of inbound WebSocket events by type",
	}, []string{"event"})
)

// Presence metrics
var (
	TypingIndicatorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typing_indicators_total",
		Help: "Total number of typing indicator changes",
	}, []string{"state"}) // "started", "stopped", "expired"
)

// Telemetry metrics
var (
	TelemetrySamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_telemetry_samples_total",
		Help: "Total number of telemetry samples persisted",
	}, []string{"status"})
)

// HTTP metrics used by the gin middleware
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)
