package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the auth core.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	refreshTotal         *prometheus.CounterVec
	mfaVerifications     *prometheus.CounterVec
	permissionChecks     *prometheus.CounterVec
	permissionCacheReads *prometheus.CounterVec
	sessionsRevoked      *prometheus.CounterVec
}

// NewMetrics initialises the registry and all metric vectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerlane_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	refresh := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_token_refresh_total",
		Help: "Refresh attempts by outcome (rotated, reuse_detected, rejected).",
	}, []string{"outcome"})
	mfa := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_mfa_verifications_total",
		Help: "MFA verifications by method and outcome.",
	}, []string{"method", "outcome"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_permission_checks_total",
		Help: "Permission checks by decision.",
	}, []string{"decision"})
	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_permission_cache_reads_total",
		Help: "Permission cache reads by source (redis, snapshot, miss).",
	}, []string{"source"})
	revoked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlane_sessions_revoked_total",
		Help: "Sessions revoked by reason.",
	}, []string{"reason"})
	registry.MustRegister(requests, duration, refresh, mfa, checks, cacheReads, revoked)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		refreshTotal:         refresh,
		mfaVerifications:     mfa,
		permissionChecks:     checks,
		permissionCacheReads: cacheReads,
		sessionsRevoked:      revoked,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
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

// ObserveRefresh counts a refresh attempt outcome.
func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveMFA counts an MFA verification by method and outcome.
func (m *Metrics) ObserveMFA(method, outcome string) {
	if m == nil {
		return
	}
	m.mfaVerifications.WithLabelValues(method, outcome).Inc()
}

// ObservePermissionCheck counts a permission decision.
func (m *Metrics) ObservePermissionCheck(decision string) {
	if m == nil {
		return
	}
	m.permissionChecks.WithLabelValues(decision).Inc()
}

// ObserveCacheRead counts a permission cache read by source.
func (m *Metrics) ObserveCacheRead(source string) {
	if m == nil {
		return
	}
	m.permissionCacheReads.WithLabelValues(source).Inc()
}

// ObserveRevocation counts a session revocation by reason.
func (m *Metrics) ObserveRevocation(reason string) {
	if m == nil {
		return
	}
	m.sessionsRevoked.WithLabelValues(reason).Inc()
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
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
