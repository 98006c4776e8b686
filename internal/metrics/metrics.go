// Package metrics provides Prometheus instrumentation for the direct-message
// server. It exposes gauges for connection and presence counts, counters for
// handshakes, presence events, deliveries and receipts, and a histogram for
// push latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_online_users",
		Help: "Current number of users with at least one live session",
	})

	// HandshakesTotal counts handshake outcomes, labeled by result:
	// "accepted", "no_token", "invalid_token", "expired", "unknown_user",
	// "forbidden_origin", "rate_limited", "error".
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_handshakes_total",
		Help: "WebSocket handshake attempts by result",
	}, []string{"result"})

	// PresenceEvents counts presence broadcasts by event name.
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_presence_events_total",
		Help: "Presence events broadcast, by event",
	}, []string{"event"}) // event = "user:online", "user:offline", "getOnlineUsers", "typing"

	// MessagesRouted counts routed messages, labeled by result: "pushed" when
	// at least one session received it, "offline" otherwise.
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_routed_total",
		Help: "Messages handed to the delivery router, by result",
	}, []string{"result"})

	// ReceiptsTotal counts messagesSeen events emitted to senders.
	ReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_receipts_total",
		Help: "Read receipts emitted to senders",
	})

	// AlertsTotal counts admin alerts, labeled by result: "sent", "dropped",
	// "failed".
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_alerts_total",
		Help: "Administrative alerts by result",
	}, []string{"result"})

	// LastSeenPersistFailures counts failed lastSeen writes.
	LastSeenPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_last_seen_persist_failures_total",
		Help: "Failed lastSeen writes to the user store",
	})

	// PushLatency records how long a fan-out to a user's sessions takes.
	PushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_push_latency_seconds",
		Help:    "Latency of pushing an event to a user's sessions",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		HandshakesTotal,
		PresenceEvents,
		MessagesRouted,
		ReceiptsTotal,
		AlertsTotal,
		LastSeenPersistFailures,
		PushLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
