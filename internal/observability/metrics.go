// Package observability collects Prometheus metrics for the authorization
// engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the engine's Prometheus instruments. All methods are
// nil-safe so wiring stays optional in tests.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal       *prometheus.CounterVec
	evaluationDuration   prometheus.Histogram
	auditFailuresTotal   prometheus.Counter
	elevationTransitions *prometheus.CounterVec
	cacheEvents          *prometheus.CounterVec
}

// NewMetrics initialises the registry and core instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgate_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_decisions_total",
		Help: "Permission decisions by outcome.",
	}, []string{"outcome"})
	evaluation := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authgate_evaluation_duration_seconds",
		Help:    "Permission evaluation latency including the audit write.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
	})
	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgate_audit_write_failures_total",
		Help: "Audit writes that failed and converted grants into denials.",
	})
	elevations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_breakglass_transitions_total",
		Help: "Break-glass session transitions by target state.",
	}, []string{"to"})
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_permission_cache_events_total",
		Help: "Permission resolution cache hits, misses, and invalidations.",
	}, []string{"event"})
	registry.MustRegister(requests, duration, decisions, evaluation, auditFailures, elevations, cacheEvents)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		decisionsTotal:       decisions,
		evaluationDuration:   evaluation,
		auditFailuresTotal:   auditFailures,
		elevationTransitions: elevations,
		cacheEvents:          cacheEvents,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveDecision records one permission decision.
func (m *Metrics) ObserveDecision(granted bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(elapsed.Seconds())
}

// AuditWriteFailure records a failed audit write; this doubles as the
// operational alert signal for fail-closed conversions.
func (m *Metrics) AuditWriteFailure() {
	if m == nil {
		return
	}
	m.auditFailuresTotal.Inc()
}

// ElevationTransition records a break-glass state change.
func (m *Metrics) ElevationTransition(to string) {
	if m == nil {
		return
	}
	m.elevationTransitions.WithLabelValues(to).Inc()
}

// CacheEvent records a permission cache hit, miss, or invalidation.
func (m *Metrics) CacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

// Registerer exposes the registry for bespoke instruments.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Middleware records HTTP metrics for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
