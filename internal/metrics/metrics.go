package metrics

import (
	"bufio"
	"errors"
	"net"
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
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_ws_connections_active",
			Help: "Currently admitted realtime connections",
		},
	)

	handshakeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ws_handshake_rejections_total",
			Help: "Realtime handshakes rejected before admission",
		},
		[]string{"reason"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_published_total",
			Help: "Events published to a user group",
		},
		[]string{"event"},
	)

	eventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_delivered_total",
			Help: "Events queued onto individual connections",
		},
		[]string{"event"},
	)

	slowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_ws_slow_consumer_disconnects_total",
			Help: "Connections closed because their send queue was full",
		},
	)

	heartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_ws_heartbeat_timeouts_total",
			Help: "Connections released after missing the heartbeat window",
		},
	)

	fanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_fanout_messages_total",
			Help: "Cross-instance fan-out messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	ingestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ingest_messages_total",
			Help: "Domain events consumed from the ingest queue by outcome",
		},
		[]string{"outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Emissions short-circuited by the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ConnectionOpened and ConnectionClosed track the active connection gauge
func ConnectionOpened() { connectionsActive.Inc() }

func ConnectionClosed() { connectionsActive.Dec() }

// RecordHandshakeRejected counts a refused handshake by reason
func RecordHandshakeRejected(reason string) {
	handshakeRejections.WithLabelValues(reason).Inc()
}

// RecordPublished counts one publish to a group, and the per-connection enqueues it produced
func RecordPublished(eventName string, delivered int) {
	eventsPublished.WithLabelValues(eventName).Inc()
	if delivered > 0 {
		eventsDelivered.WithLabelValues(eventName).Add(float64(delivered))
	}
}

func RecordSlowConsumer() { slowConsumerDisconnects.Inc() }

func RecordHeartbeatTimeout() { heartbeatTimeouts.Inc() }

// RecordFanout counts cross-instance traffic; direction is "out" or "in"
func RecordFanout(direction, outcome string) {
	fanoutMessages.WithLabelValues(direction, outcome).Inc()
}

// RecordIngest counts a consumed domain event
func RecordIngest(outcome string) {
	ingestMessages.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Hijack passes WebSocket upgrades through to the underlying connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
