// Package metrics exposes the hub's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the number of joined WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_sessions",
		Help: "Number of live relay sessions",
	})

	// ActiveRooms is the number of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_rooms",
		Help: "Number of project rooms with at least one session",
	})

	// Handshakes counts connection attempts by result code.
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_handshakes_total",
		Help: "WebSocket handshakes by result",
	}, []string{"result"})

	// MessagesRelayed counts relayed chat messages by kind ("user" or "ai").
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_relayed_total",
		Help: "Chat messages relayed to rooms by sender kind",
	}, []string{"kind"})

	// PersistFailures counts failed writes by operation.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_persist_failures_total",
		Help: "Failed persistence writes by operation",
	}, []string{"op"})

	// AIRequests counts delegated prompts by outcome ("ok" or "fallback").
	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_ai_requests_total",
		Help: "AI delegations by outcome",
	}, []string{"outcome"})

	// AIDuration tracks delegate latency.
	AIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_ai_request_duration_seconds",
		Help:    "AI delegate call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	})

	// DroppedSessions counts sessions closed because their send queue overflowed.
	DroppedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_slow_sessions_dropped_total",
		Help: "Sessions disconnected for not keeping up with the room",
	})

	// SandboxRuns counts sandbox runs by result ("ok", "failed", "rejected").
	SandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_sandbox_runs_total",
		Help: "Sandbox runs by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
