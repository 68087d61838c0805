package httpapi

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_service_requests_total",
			Help: "HTTP requests handled, by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "token_service_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_service_tokens_issued_total",
		Help: "Tokens created, replays excluded",
	})

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_service_transitions_total",
			Help: "Committed status transitions by target status",
		},
		[]string{"status"},
	)

	snapshotLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_service_snapshot_cache_total",
			Help: "Ticket list cache lookups by result",
		},
		[]string{"result"},
	)

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_service_rate_limited_total",
		Help: "Requests rejected by the per-IP limiter",
	})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		route := routeLabel(r.URL.Path)
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

		if route == "/metrics" || route == "/healthz" {
			return
		}
		log.Printf("request method=%s path=%s status=%d duration_ms=%d request_id=%s", r.Method, r.URL.Path, writer.status, duration.Milliseconds(), requestIDFromRequest(r))
	})
}

// routeLabel collapses ticket ids so the metric stays low-cardinality.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/tokens/") && strings.HasSuffix(path, "/status") {
		return "/api/tokens/{id}/status"
	}
	switch path {
	case "/healthz", "/metrics", "/api/auth/login", "/api/tokens", "/api/departments", "/api/divisions":
		return path
	}
	return "other"
}
