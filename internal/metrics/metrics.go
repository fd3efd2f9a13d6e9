// Package metrics defines the Prometheus instruments shared across the
// service. All metrics are registered on the default registry via promauto
// and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broadcaster metrics
var (
	// BroadcasterConnections tracks currently attached WebSocket connections.
	BroadcasterConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_connections",
			Help: "Number of currently attached WebSocket connections",
		},
	)

	// BroadcasterKicksTotal counts forced disconnects by reason.
	BroadcasterKicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_kicks_total",
			Help: "Forced client disconnects by reason",
		},
		[]string{"reason"},
	)

	// BroadcasterMessagesSentTotal counts outbound messages by type.
	BroadcasterMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_messages_sent_total",
			Help: "Messages sent to clients by message type",
		},
		[]string{"type"},
	)

	// BroadcasterCoalescedPublishesTotal counts publishes absorbed by
	// coalescing, i.e. publishes that did not become their own delivery.
	BroadcasterCoalescedPublishesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_coalesced_publishes_total",
			Help: "Publishes coalesced into a later delivery instead of sent individually",
		},
	)

	// BroadcasterFlushDuration tracks how long one flush pass takes.
	BroadcasterFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcaster_flush_duration_seconds",
			Help:    "Duration of one broadcaster flush pass",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)
)

// RPC metrics
var (
	// RPCCallsTotal counts outbound calls by method and outcome.
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_calls_total",
			Help: "Outbound RPC calls by method and outcome (ok/error/timeout)",
		},
		[]string{"method", "outcome"},
	)

	// RPCPendingRequests tracks outstanding calls awaiting a response.
	RPCPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rpc_pending_requests",
			Help: "Outstanding RPC calls awaiting a response or timeout",
		},
	)

	// RPCHandlerErrorsTotal counts inbound requests whose handler failed.
	RPCHandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_handler_errors_total",
			Help: "Inbound RPC requests answered with an error, by method",
		},
		[]string{"method"},
	)
)

// Buffer pool metrics
var (
	// PoolGetsTotal counts buffer checkouts by source (reused/allocated).
	PoolGetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bufpool_gets_total",
			Help: "Buffer checkouts by source (reused or allocated)",
		},
		[]string{"source"},
	)
)

// Frame stream metrics
var (
	// FramesPublishedTotal counts frames written to the shared slot.
	FramesPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frames_published_total",
			Help: "Frames written to the shared frame slot",
		},
	)

	// FramesServedTotal counts /api/frames responses by result (frame/empty).
	FramesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_served_total",
			Help: "Frame poll responses by result (frame or empty)",
		},
		[]string{"result"},
	)

	// FrameBytes tracks the size of published frames.
	FrameBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "frame_bytes",
			Help:    "Size in bytes of frames written to the slot",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Client session metrics
var (
	// ClientReconnectsTotal counts connection attempts by outcome.
	ClientReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_reconnects_total",
			Help: "Client session connection attempts by outcome (ok/failed)",
		},
		[]string{"outcome"},
	)
)
