// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connections, rooms and queue depth, counters for
// relayed messages and assistant calls, and histograms for latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emochat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts relay outcomes, labeled by kind ("text", "voice",
	// "doodle") and outcome ("relayed", "blocked", "invalid", "limited").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emochat_messages_total",
		Help: "Total number of chat events processed",
	}, []string{"kind", "outcome"})

	// MessageLatency records frame processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "emochat_message_latency_seconds",
		Help:    "Inbound frame processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchWait records how long a participant waited in a queue before being paired.
	MatchWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emochat_match_wait_seconds",
		Help:    "Time a participant spent waiting before a match",
		Buckets: []float64{.1, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"emotion"})

	// ActiveRooms tracks the current number of open rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emochat_active_rooms",
		Help: "Current number of open chat rooms",
	})

	// QueueSize tracks waiting participants per emotion.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emochat_queue_size",
		Help: "Current number of participants waiting per emotion",
	}, []string{"emotion"})

	// AssistantCalls counts inactivity nudges by outcome ("sent", "quota",
	// "error", "dropped", "empty").
	AssistantCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emochat_assistant_calls_total",
		Help: "Assistant completions attempted after room inactivity",
	}, []string{"outcome"})

	// StoreErrors counts session store operations that failed after retries.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emochat_store_errors_total",
		Help: "Session store operations that failed",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		MatchWait,
		ActiveRooms,
		QueueSize,
		AssistantCalls,
		StoreErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
