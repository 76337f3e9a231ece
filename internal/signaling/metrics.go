package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics, exposed by Server on /metrics.
var (
	relayParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_relay_participants",
		Help: "Number of currently connected participants",
	})
	relayConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_relay_connections_total",
		Help: "Total WebSocket connections accepted",
	})
	relayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_relay_frames_total",
		Help: "Client frames received by type; unrecognized types share one label",
	}, []string{"type"})
	relayFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_relay_frames_dropped_total",
		Help: "Client frames that could not be routed, by reason",
	}, []string{"reason"})
)

// Drop reasons for relayFramesDroppedTotal.
const (
	dropUnknownTarget = "unknown_target"
	dropUnknownType   = "unknown_type"
	dropWriteFailed   = "write_failed"
)

// frameTypeUnknown labels client frames whose type the relay does not route.
const frameTypeUnknown = "unknown"
