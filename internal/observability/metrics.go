// Package observability exposes the Prometheus registry, the HTTP
// metrics middleware and the sync protocol counters.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects application metrics behind a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	syncPushed       *prometheus.CounterVec
	syncPulled       prometheus.Counter
	ledgerViolations prometheus.Counter
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kanak_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kanak_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	pushed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kanak_sync_push_items_total",
		Help: "Pushed mutations by outcome (synced, conflict, error).",
	}, []string{"outcome"})
	pulled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanak_sync_pull_documents_total",
		Help: "Documents served through sync pull.",
	})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kanak_ledger_integrity_violations_total",
		Help: "Running-balance violations found by the integrity scan.",
	})
	registry.MustRegister(requests, duration, pushed, pulled, violations)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		syncPushed:       pushed,
		syncPulled:       pulled,
		ledgerViolations: violations,
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

// Middleware records metrics for every HTTP request.
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

// ObservePush records a processed push batch.
func (m *Metrics) ObservePush(synced, conflicts, failed int) {
	if m == nil {
		return
	}
	m.syncPushed.WithLabelValues("synced").Add(float64(synced))
	m.syncPushed.WithLabelValues("conflict").Add(float64(conflicts))
	m.syncPushed.WithLabelValues("error").Add(float64(failed))
}

// ObservePull records documents served through pull.
func (m *Metrics) ObservePull(changes int) {
	if m == nil {
		return
	}
	m.syncPulled.Add(float64(changes))
}

// ObserveLedgerViolations records integrity scan findings.
func (m *Metrics) ObserveLedgerViolations(n int) {
	if m == nil {
		return
	}
	m.ledgerViolations.Add(float64(n))
}

// Registerer exposes the registry for custom metrics.
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
