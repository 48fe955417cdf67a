// Package metrics provides Prometheus instrumentation for the entitlement
// service. Handler exposes them at GET /metrics.
//
// Metrics registered here:
//
//	entitle_http_requests_total            - counter: requests by method/route/status
//	entitle_http_request_duration_seconds  - histogram: latency by method/route
//	entitle_authorizations_total           - counter: engine decisions by op/result
//	entitle_billing_events_total           - counter: webhook events by type/result
//	entitle_sweep_rows_total               - counter: rows changed by sweep job
//	entitle_sweep_failures_total           - counter: failed sweep runs by job
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsOpts = prometheus.CounterOpts{
		Name: "entitle_http_requests_total",
		Help: "Total HTTP requests handled.",
	}
	httpDurationOpts = prometheus.HistogramOpts{
		Name:    "entitle_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}
	authorizationsOpts = prometheus.CounterOpts{
		Name: "entitle_authorizations_total",
		Help: "Entitlement decisions by operation and result code.",
	}
	billingEventsOpts = prometheus.CounterOpts{
		Name: "entitle_billing_events_total",
		Help: "Billing webhook events by type and outcome.",
	}
	sweepRowsOpts = prometheus.CounterOpts{
		Name: "entitle_sweep_rows_total",
		Help: "Downloads changed by sweep jobs.",
	}
	sweepFailuresOpts = prometheus.CounterOpts{
		Name: "entitle_sweep_failures_total",
		Help: "Sweep runs that returned an error.",
	}
)

// ── Counters ──────────────────────────────────────────────────────────────────

// HTTPRequests counts HTTP requests by method, route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(httpRequestsOpts, []string{"method", "route", "status"})

// Authorizations counts engine decisions. result is "ok" or a denial code.
var Authorizations = promauto.NewCounterVec(authorizationsOpts, []string{"op", "result"})

// BillingEvents counts webhook deliveries by Stripe event type and outcome.
var BillingEvents = promauto.NewCounterVec(billingEventsOpts, []string{"event", "result"})

// SweepRows counts downloads expired or revoked by each sweep job.
var SweepRows = promauto.NewCounterVec(sweepRowsOpts, []string{"job"})

// SweepFailures counts failed sweep runs.
var SweepFailures = promauto.NewCounterVec(sweepFailuresOpts, []string{"job"})

// ── Histograms ────────────────────────────────────────────────────────────────

// HTTPDuration tracks HTTP request latency.
var HTTPDuration = promauto.NewHistogramVec(httpDurationOpts, []string{"method", "route"})

// ── Handler ───────────────────────────────────────────────────────────────────

// Handler returns the Prometheus HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ── Middleware ────────────────────────────────────────────────────────────────

// Middleware records request counts and latency. Under a chi router the
// route pattern is used as the label; otherwise the path with UUID segments
// collapsed to ":id".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		dur := time.Since(start).Seconds()

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if route == "" {
			route = sanitizePath(r.URL.Path)
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// sanitizePath replaces UUID path segments with ":id" to reduce cardinality.
// /v1/playback/550e8400-e29b-41d4-a716-446655440000  →  /v1/playback/:id
func sanitizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = ":id"
		}
	}
	path = strings.Join(parts, "/")
	if len(path) > 64 {
		return path[:64] + "..."
	}
	return path
}

// ── Init (registry-scoped) ────────────────────────────────────────────────────

// Init registers a fresh copy of every metric with reg. This is for tests:
// pass prometheus.NewRegistry() to get an isolated registry. In production
// all metrics are registered via promauto on the default registerer.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(
		prometheus.NewCounterVec(httpRequestsOpts, []string{"method", "route", "status"}),
		prometheus.NewHistogramVec(httpDurationOpts, []string{"method", "route"}),
		prometheus.NewCounterVec(authorizationsOpts, []string{"op", "result"}),
		prometheus.NewCounterVec(billingEventsOpts, []string{"event", "result"}),
		prometheus.NewCounterVec(sweepRowsOpts, []string{"job"}),
		prometheus.NewCounterVec(sweepFailuresOpts, []string{"job"}),
	)
}
