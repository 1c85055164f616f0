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
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Evaluation metrics
	evaluationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_created_total",
			Help: "Total number of exercise evaluations created",
		},
		[]string{"alert"},
	)

	evaluationCompositeScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evaluation_composite_score",
			Help:    "Distribution of evaluation composite scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	evaluationsReviewed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluations_reviewed_total",
			Help: "Total number of evaluations reviewed by a doctor",
		},
	)

	// Reference processing metrics
	referenceProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reference_processing_seconds",
			Help:    "Time to turn a reference video into a movement",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	referenceFramesRetained = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reference_frames_retained",
			Help:    "Number of frames kept in a processed reference movement",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		},
	)

	// Session metrics
	sessionFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_frames_total",
			Help: "Total number of live frames handled by evaluation sessions",
		},
		[]string{"outcome"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of evaluation sessions currently held in memory",
		},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of alert notifications attempted",
		},
		[]string{"status"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern labels requests by their chi route template so session and
// evaluation IDs do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Business metric helpers ---

// RecordEvaluationCreated records a finalized evaluation and its score
func RecordEvaluationCreated(compositeScore int, hasAlerts bool) {
	evaluationsCreated.WithLabelValues(strconv.FormatBool(hasAlerts)).Inc()
	evaluationCompositeScore.Observe(float64(compositeScore))
}

// RecordEvaluationReviewed records a doctor review
func RecordEvaluationReviewed() {
	evaluationsReviewed.Inc()
}

// RecordReferenceProcessed records one reference-video processing run
func RecordReferenceProcessed(duration time.Duration, framesRetained int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	referenceProcessingDuration.WithLabelValues(status).Observe(duration.Seconds())
	if err == nil {
		referenceFramesRetained.Observe(float64(framesRetained))
	}
}

// RecordSessionFrame records a live frame that was either evaluated or
// skipped because no pose was detected
func RecordSessionFrame(evaluated bool) {
	outcome := "skipped"
	if evaluated {
		outcome = "evaluated"
	}
	sessionFrames.WithLabelValues(outcome).Inc()
}

// SetSessionsActive records the number of in-memory sessions
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// RecordSessionTransition records a session state change
func RecordSessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordNotification records a notification delivery attempt
func RecordNotification(status string) {
	notificationsSent.WithLabelValues(status).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
