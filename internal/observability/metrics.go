package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics exposed by the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	consumptions    *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	txConflicts     prometheus.Counter
	ledgerDrift     *prometheus.GaugeVec
}

// NewMetrics initialises the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_jobs_total",
		Help: "Background job executions by job name and outcome.",
	}, []string{"job", "outcome"})
	consumptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_stock_consumptions_total",
		Help: "Batch consumptions by costing policy and outcome.",
	}, []string{"policy", "outcome"})
	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_production_publishes_total",
		Help: "Production publish attempts by outcome.",
	}, []string{"outcome"})
	txConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_tx_conflicts_total",
		Help: "Transactions abandoned after exhausting serialization retries.",
	})
	drift := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atelier_ledger_drift_items",
		Help: "Items whose change-record sum disagrees with batch remainders, per scope kind.",
	}, []string{"scope"})
	registry.MustRegister(requests, duration, jobs, consumptions, publishes, txConflicts, drift)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		jobsTotal:       jobs,
		consumptions:    consumptions,
		publishes:       publishes,
		txConflicts:     txConflicts,
		ledgerDrift:     drift,
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

// ObserveJob counts a background job execution.
func (m *Metrics) ObserveJob(job, outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveConsumption counts a consumption attempt.
func (m *Metrics) ObserveConsumption(policy, outcome string) {
	if m == nil {
		return
	}
	m.consumptions.WithLabelValues(policy, outcome).Inc()
}

// ObservePublish counts a production publish attempt.
func (m *Metrics) ObservePublish(outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

// ObserveTxConflict counts an exhausted transaction retry loop.
func (m *Metrics) ObserveTxConflict() {
	if m == nil {
		return
	}
	m.txConflicts.Inc()
}

// SetLedgerDrift records the integrity scan result for a scope kind.
func (m *Metrics) SetLedgerDrift(scope string, items float64) {
	if m == nil {
		return
	}
	m.ledgerDrift.WithLabelValues(scope).Set(items)
}

// Registerer exposes the registry for custom metric registration.
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
