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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery attempts by classified status and source (live or retry)",
		},
		[]string{"status", "source"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Transport send latency, including the rate limiter wait",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	throttleWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_throttle_wait_seconds",
			Help:    "Time spent honoring platform retry-after before the inline retry",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
		},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_finished_total",
			Help: "Dispatch runs by final status",
		},
		[]string{"status"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_jobs_running",
			Help: "Dispatch runs currently executing in this process",
		},
	)

	recipientsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_recipients_resolved_total",
			Help: "Recipients left after audience resolution",
		},
	)

	recipientsExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_recipients_excluded_total",
			Help: "Recipients removed during audience resolution by reason",
		},
		[]string{"reason"},
	)

	retryResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retry_results_total",
			Help: "Retry queue entries by result (sent, failed, rescheduled, dead_letter, dropped)",
		},
		[]string{"result"},
	)

	triggersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_triggers_total",
			Help: "Dispatch triggers by source (api, schedule, sqs)",
		},
		[]string{"source"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Create requests answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"admin_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
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

// RecordDelivery counts one classified send. source is "live" or "retry".
func RecordDelivery(status, source string) {
	deliveriesTotal.WithLabelValues(status, source).Inc()
}

func ObserveSend(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func ObserveThrottleWait(d time.Duration) {
	throttleWaits.Observe(d.Seconds())
}

// RecordJobFinished counts a run ending in status.
func RecordJobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

func JobStarted() {
	jobsRunning.Inc()
}

func JobStopped() {
	jobsRunning.Dec()
}

// RecordResolution counts the resolved audience and each exclusion reason.
func RecordResolution(resolved int, excluded map[string]int) {
	recipientsResolved.Add(float64(resolved))
	for reason, n := range excluded {
		recipientsExcluded.WithLabelValues(reason).Add(float64(n))
	}
}

func RecordRetryResult(result string) {
	retryResults.WithLabelValues(result).Inc()
}

func RecordTrigger(source string) {
	triggersReceived.WithLabelValues(source).Inc()
}

// SetCircuitState exports a breaker state as its numeric value.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(adminID string) {
	rateLimitRejections.WithLabelValues(adminID).Inc()
}

// SetDBConnections sets acquired database connection count
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

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled with the chi route pattern so ids do not explode the label
// space.
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
