package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ppr_connections_active",
		Help: "Registered websocket connections",
	})

	sessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ppr_sessions_rejected_total",
		Help: "Sessions closed before reaching ACTIVE",
	}, []string{"reason"})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ppr_client_events_total",
		Help: "Dispatched client events by type",
	}, []string{"type"})

	eventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ppr_client_event_errors_total",
		Help: "Error events sent back to clients by code",
	}, []string{"code"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ppr_rate_limited_total",
		Help: "Client events rejected by the rate limiter",
	})

	broadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ppr_deliveries_total",
		Help: "Frame deliveries to local connections by result",
	}, []string{"result"})

	heartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ppr_heartbeat_evictions_total",
		Help: "Connections closed for not answering ping",
	})

	presenceEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ppr_presence_idle_evictions_total",
		Help: "Presence members removed by the inactivity sweep",
	})

	aiStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ppr_ai_streams_total",
		Help: "AI reply streams by outcome",
	}, []string{"outcome"})

	handshakesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ppr_handshakes_throttled_total",
		Help: "Upgrade requests refused by the per-IP handshake limiter",
	})
)
