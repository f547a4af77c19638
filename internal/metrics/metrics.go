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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_enqueued_total",
			Help: "Total notifications accepted into the dispatch queue",
		},
		[]string{"type", "priority"},
	)

	notificationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_finished_total",
			Help: "Notifications that left the queue, by final status",
		},
		[]string{"type", "status"},
	)

	notificationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_skipped_total",
			Help: "Notifications held back by admission gates",
		},
		[]string{"type", "reason"},
	)

	notificationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notification_retries_total",
			Help: "Retries scheduled after a failed fan-out",
		},
		[]string{"type"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_notification_latency_seconds",
			Help:    "Time from scheduled time to first successful send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	channelAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_channel_attempts_total",
			Help: "Channel send attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	channelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_channel_send_duration_seconds",
			Help:    "Channel send latency distribution",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Entries currently waiting in the dispatch queue",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_sqs_messages_in_flight",
			Help: "Current intent messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	ingressRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_ingress_rejections_total",
			Help: "API requests rejected by the ingress limiter",
		},
		[]string{"client"},
	)

	historyRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_history_removed_total",
			Help: "Notifications removed by retention cleanup",
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

// RecordEnqueued records a notification entering the queue
func RecordEnqueued(notifType, priority string) {
	notificationsEnqueued.WithLabelValues(notifType, priority).Inc()
}

// RecordFinished records a notification reaching sent, failed or expired
func RecordFinished(notifType, status string) {
	notificationsFinished.WithLabelValues(notifType, status).Inc()
}

// RecordSkipped records a gate holding a notification back
func RecordSkipped(notifType, reason string) {
	notificationsSkipped.WithLabelValues(notifType, reason).Inc()
}

// RecordRetry records a scheduled retry
func RecordRetry(notifType string) {
	notificationRetries.WithLabelValues(notifType).Inc()
}

// RecordNotificationLatency records scheduled-to-sent delay
func RecordNotificationLatency(notifType string, latency time.Duration) {
	notificationLatency.WithLabelValues(notifType).Observe(latency.Seconds())
}

// RecordChannelAttempt records one channel send and its duration
func RecordChannelAttempt(channel string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	channelAttempts.WithLabelValues(channel, result).Inc()
	channelDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetBreakerState publishes a breaker state for a channel
func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// SetQueueDepth sets the current queue length
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordIngressRejection records an API request rejected by the limiter
func RecordIngressRejection(client string) {
	ingressRejections.WithLabelValues(client).Inc()
}

// RecordHistoryRemoved records notifications removed by cleanup
func RecordHistoryRemoved(n int) {
	historyRemoved.Add(float64(n))
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

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled with the matched chi route pattern when available.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
