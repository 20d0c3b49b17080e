package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickup_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pickup_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// RPC metrics
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickup_rpc_requests_total",
			Help: "Total JSON-RPC requests",
		},
		[]string{"method", "status"}, // status: "ok" or "error"
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pickup_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"method"},
	)

	// Business metrics
	MessagesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pickup_messages_added_total",
			Help: "Total messages queued",
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickup_messages_delivered_total",
			Help: "Total messages handed to a live session",
		},
		[]string{"path"}, // "local" or "wakeup"
	)

	MessagesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pickup_messages_removed_total",
			Help: "Total messages removed after acknowledgment",
		},
	)

	MessagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pickup_messages_reclaimed_total",
			Help: "Total sending messages reset to pending",
		},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pickup_messages_persisted_total",
			Help: "Total messages migrated from the fast tier to durable storage",
		},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pickup_live_sessions",
			Help: "Live pickup sessions held by this instance",
		},
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickup_push_notifications_total",
			Help: "Total push notification dispatches",
		},
		[]string{"result"}, // "success" or "failure"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pickup_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pickup_store_latency_seconds",
			Help:    "Durable store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
