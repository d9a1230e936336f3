// Package metrics holds the prometheus collectors of tablehub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsSent counts signaling broadcasts by event.
	SignalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablehub",
			Name:      "signals_sent_total",
			Help:      "Signaling messages broadcast, by event.",
		},
		[]string{"event"},
	)

	// SignalsReceived counts signaling broadcasts delivered to local listeners, by event.
	SignalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablehub",
			Name:      "signals_received_total",
			Help:      "Signaling messages delivered to local listeners, by event.",
		},
		[]string{"event"},
	)

	// SignalsDropped counts signaling broadcasts dropped before delivery, by event and reason.
	SignalsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablehub",
			Name:      "signals_dropped_total",
			Help:      "Signaling messages dropped, by event and reason.",
		},
		[]string{"event", "reason"},
	)

	// ListenerPanics counts recovered listener panics, by event.
	ListenerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablehub",
			Name:      "listener_panics_total",
			Help:      "Event listener panics recovered, by event.",
		},
		[]string{"event"},
	)

	// ActivePeers is the number of device peer connections held by the hub.
	ActivePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablehub",
			Name:      "active_peers",
			Help:      "Device peer connections currently held by the hub.",
		},
	)

	// WebSocketClients is the number of devices attached to the station websocket.
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablehub",
			Name:      "websocket_clients",
			Help:      "Devices attached to the station websocket.",
		},
	)

	// OrdersMirrored counts orders written to the local mirror, by result.
	OrdersMirrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablehub",
			Name:      "orders_mirrored_total",
			Help:      "Cloud orders processed by the local mirror, by result.",
		},
		[]string{"result"},
	)

	// ConnectionState is 1 for the current connection state of a device, 0 otherwise.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tablehub",
			Name:      "connection_state",
			Help:      "Current connection state of this process (1 = active).",
		},
		[]string{"state"},
	)
)
