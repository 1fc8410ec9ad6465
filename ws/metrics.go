package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const wsMetricsNamespace = "flip10"

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_connections",
		Help:      "Currently connected websocket clients.",
	})

	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_connections_accepted_total",
		Help:      "Total websocket connections accepted.",
	})

	connectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_connections_rejected_total",
		Help:      "Connections refused by the per-IP cap.",
	})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_messages_received_total",
		Help:      "Inbound messages, labeled by type.",
	}, []string{"type"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_messages_dropped_total",
		Help:      "Inbound messages dropped before dispatch, labeled by cause.",
	}, []string{"cause"})

	broadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: wsMetricsNamespace,
		Name:      "ws_broadcasts_total",
		Help:      "Broadcast fan-outs, labeled by event type.",
	}, []string{"type"})
)
