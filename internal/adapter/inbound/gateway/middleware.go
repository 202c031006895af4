package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
)

// HTTPMetrics holds the request-level Prometheus collectors.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the request collectors with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpbridge",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates so SSE keeps working through the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}

// metricsMiddleware records Prometheus request metrics, skipping the
// scrape and health endpoints themselves.
func metricsMiddleware(metrics *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// matchAPIKey checks a presented key against the configured one, which
// is either a plain value or an argon2id PHC hash.
func matchAPIKey(configured, presented string) bool {
	if strings.HasPrefix(configured, "$argon2id$") {
		ok, err := argon2id.ComparePasswordAndHash(presented, configured)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// authMiddleware enforces bearer auth when an API key is configured.
// /healthz stays open for probes.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !matchAPIKey(apiKey, strings.TrimSpace(token)) {
				respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusUnauthorized, "invalid or missing API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// readOnlyMiddleware rejects mutating management and session routes
// with 403 read_only. Tool invocation stays allowed.
func readOnlyMiddleware(readOnly bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !readOnly {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mutating := r.Method != http.MethodGet && r.Method != http.MethodHead
			managed := strings.HasPrefix(r.URL.Path, "/_meta/") || strings.HasPrefix(r.URL.Path, "/sessions")
			if mutating && managed {
				respondError(w, bridge.NewError(bridge.CodeReadOnly, http.StatusForbidden, "gateway is in read-only mode"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessLogMiddleware logs each request; records flow into the log bus
// through the bus handler on the logger.
func (h *Handler) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		h.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", wrapped.status, "duration", time.Since(start))
	})
}
