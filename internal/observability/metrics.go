package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApplicationsSubmitted counts successfully created applications by type.
	ApplicationsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_applications_submitted_total",
		Help: "Total number of applications created, by type",
	}, []string{"type"})

	// ApplicationSubmissionsBlocked counts submissions refused by the monthly cap.
	ApplicationSubmissionsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_application_submissions_blocked_total",
		Help: "Total number of application submissions refused by the monthly cap, by type",
	}, []string{"type"})

	// ApplicationTransitions counts status transitions by outcome.
	ApplicationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_application_transitions_total",
		Help: "Total number of application status transitions, by target status and result",
	}, []string{"to", "result"})

	// NotificationDeliveries counts notification side effects by channel and result.
	NotificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_notification_deliveries_total",
		Help: "Total number of notification deliveries, by channel and result",
	}, []string{"channel", "result"})

	// DatabaseQueryLatency records repository latency by operation.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpportal_database_query_latency_seconds",
		Help:    "Repository operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// RedisErrors counts failed Redis commands by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_redis_errors_total",
		Help: "Total number of Redis command errors",
	}, []string{"command"})

	// CacheLookups counts cache-aside lookups by key family and result (hit, miss, error, stale).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_cache_lookups_total",
		Help: "Total number of cache lookups, by key family and result",
	}, []string{"family", "result"})

	// WebSocketConnectionsTotal is the gauge of active WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rpportal_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpportal_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// RecordDelivery increments the delivery counter for channel.
func RecordDelivery(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	NotificationDeliveries.WithLabelValues(channel, result).Inc()
}
