// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsActive tracks connected sessions per transport.
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of connected sessions",
		},
		[]string{"transport"},
	)

	// SessionsEvicted counts sessions dropped by the heartbeat reaper.
	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_evicted_total",
			Help: "Sessions evicted after missed heartbeats",
		},
	)

	// EventsPushed counts per-session pushes by event type and outcome.
	EventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_pushed_total",
			Help: "Events pushed to sessions",
		},
		[]string{"type", "outcome"},
	)

	// SendDuration tracks send latency from request to persisted message.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_send_duration_seconds",
			Help:    "Message send latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	// MessagesTotal counts persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"kind"},
	)

	// ConversationsTotal counts conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_conversations_total",
			Help: "Total conversations created",
		},
	)

	// StatusTransitions counts message status changes.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_status_transitions_total",
			Help: "Message status transitions",
		},
		[]string{"status"},
	)

	// TypingSignals counts typing indicator updates.
	TypingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_typing_signals_total",
			Help: "Typing indicator updates",
		},
		[]string{"state"},
	)

	// BusMessages counts cross-instance event traffic.
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bus_messages_total",
			Help: "Events exchanged over the message bus",
		},
		[]string{"direction", "kind"},
	)

	// BusConnectionEvents counts broker disconnects and reconnects.
	BusConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bus_connection_events_total",
			Help: "Message bus connection state changes",
		},
		[]string{"event"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records a send attempt.
func RecordSend(outcome string, duration float64) {
	SendDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordPush records one push to one session.
func RecordPush(eventType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "dropped"
	}
	EventsPushed.WithLabelValues(eventType, outcome).Inc()
}

// SessionOpened increments the active session gauge.
func SessionOpened(transport string) {
	SessionsActive.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed(transport string) {
	SessionsActive.WithLabelValues(transport).Dec()
}
