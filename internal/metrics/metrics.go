package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealernotify_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealernotify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealernotify_notifications_enqueued_total",
			Help: "Total notifications enqueued by category and priority",
		},
		[]string{"category", "priority"},
	)

	notificationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealernotify_notifications_rejected_total",
			Help: "Notifications refused at intake by reason",
		},
		[]string{"reason"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealernotify_delivery_attempts_total",
			Help: "Channel delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealernotify_notifications_processed_total",
			Help: "Notifications that reached a final status",
		},
		[]string{"status"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealernotify_notification_latency_seconds",
			Help:    "Time from enqueue to final status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealernotify_queue_depth",
			Help: "Items waiting in the delivery queue by priority",
		},
		[]string{"priority"},
	)

	offlineBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealernotify_offline_buffered",
			Help: "Items parked for recipients without a live connection",
		},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealernotify_realtime_connections",
			Help: "Open WebSocket connections",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealernotify_sqs_messages_in_flight",
			Help: "Business events currently being handled",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealernotify_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealernotify_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealernotify_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealernotify_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationEnqueued counts an accepted intake request
func RecordNotificationEnqueued(category, priority string) {
	notificationsEnqueued.WithLabelValues(category, priority).Inc()
}

// RecordNotificationRejected counts a refused intake request
func RecordNotificationRejected(reason string) {
	notificationsRejected.WithLabelValues(reason).Inc()
}

// RecordDeliveryAttempt counts one channel attempt. outcome is "success",
// "failure" or "offline".
func RecordDeliveryAttempt(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

// RecordNotificationProcessed counts a notification reaching status
func RecordNotificationProcessed(status string) {
	notificationsProcessed.WithLabelValues(status).Inc()
}

// RecordNotificationLatency records time from enqueue to a final status
func RecordNotificationLatency(status string, latency time.Duration) {
	notificationLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// SetQueueDepth sets the queue depth gauge for one priority
func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetOfflineBuffered sets the offline buffer gauge
func SetOfflineBuffered(count int) {
	offlineBuffered.Set(float64(count))
}

// SetRealtimeConnections sets the open WebSocket connection count
func SetRealtimeConnections(count int) {
	realtimeConnections.Set(float64(count))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetCircuitState records a breaker transition
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so path parameters do not explode the
// label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
