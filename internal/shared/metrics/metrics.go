// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gateway metrics
	GatewayRequestsTotal *prometheus.CounterVec
	UpstreamDuration     *prometheus.HistogramVec

	// Quota metrics
	QuotaDecisionsTotal *prometheus.CounterVec

	// Lifecycle metrics
	DeploysTotal     *prometheus.CounterVec
	DeployDuration   *prometheus.HistogramVec
	TeardownsTotal   *prometheus.CounterVec
	InstancesBound   prometheus.Gauge
	ReconcileActions *prometheus.CounterVec

	// Codegen metrics
	CodegenRequestsTotal *prometheus.CounterVec
	CodegenCacheTotal    *prometheus.CounterVec

	// Usage metrics
	UsageRecordsTotal *prometheus.CounterVec
	UsageQueueDepth   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all Prometheus metrics
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apiengine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_gateway_requests_total",
				Help: "Gateway transactions by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apiengine_upstream_duration_seconds",
				Help:    "Time spent waiting on instances",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_quota_decisions_total",
				Help: "Quota ledger decisions",
			},
			[]string{"scope", "result"},
		),

		DeploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_deploys_total",
				Help: "Deploy attempts by language and result",
			},
			[]string{"language", "result"},
		),
		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apiengine_deploy_duration_seconds",
				Help:    "Deploy duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"language"},
		),
		TeardownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_teardowns_total",
				Help: "Instance teardowns by result",
			},
			[]string{"result"},
		),
		InstancesBound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apiengine_instances_bound",
				Help: "Bindings in the bound state at the last reconcile",
			},
		),
		ReconcileActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_reconcile_actions_total",
				Help: "Corrections made by the reconciler",
			},
			[]string{"action"},
		),

		CodegenRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_codegen_requests_total",
				Help: "Code generation requests by provider and result",
			},
			[]string{"provider", "result"},
		),
		CodegenCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_codegen_cache_total",
				Help: "Code generation cache lookups",
			},
			[]string{"result"},
		),

		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiengine_usage_records_total",
				Help: "Usage records written per sink",
			},
			[]string{"sink", "result"},
		),
		UsageQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "apiengine_usage_queue_depth",
				Help: "Usage records waiting to be written",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GatewayRequestsTotal,
		m.UpstreamDuration,
		m.QuotaDecisionsTotal,
		m.DeploysTotal,
		m.DeployDuration,
		m.TeardownsTotal,
		m.InstancesBound,
		m.ReconcileActions,
		m.CodegenRequestsTotal,
		m.CodegenCacheTotal,
		m.UsageRecordsTotal,
		m.UsageQueueDepth,
	)

	return m
}

// NewUnregistered returns metrics backed by a private registry; tests and
// tools use it when nothing scrapes the process.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
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

// Flush keeps streaming responses working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments HTTP requests. The chi route pattern is used as
// the label so that public paths do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
