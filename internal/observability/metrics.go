package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarebo/maestro/internal/bus"
	"github.com/tarebo/maestro/internal/dispatch"
	"github.com/tarebo/maestro/internal/engine"
	"github.com/tarebo/maestro/model"
)

// Histogram bucket definitions.
var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Orchestration metrics
	RequestsStartedTotal  *prometheus.CounterVec
	RequestsFinishedTotal *prometheus.CounterVec
	StepDispatchesTotal   *prometheus.CounterVec
	StepRetriesTotal      *prometheus.CounterVec
	ResultsTotal          *prometheus.CounterVec

	// Bus metrics
	BusMessagesTotal *prometheus.CounterVec

	// Fleet metrics
	WorkersRegistered   *prometheus.GaugeVec
	NodeOperationsTotal *prometheus.CounterVec

	handler http.Handler
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),

		// Orchestration
		RequestsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_requests_started_total",
			Help: "Total number of orchestration requests accepted.",
		}, []string{"workflow_type"}),
		RequestsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_requests_finished_total",
			Help: "Total number of orchestration requests reaching a terminal status.",
		}, []string{"workflow_type", "status"}),
		StepDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_step_dispatches_total",
			Help: "Total number of step attempts by outcome.",
		}, []string{"worker_type", "outcome"}),
		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_step_retries_total",
			Help: "Total number of step retries scheduled.",
		}, []string{"worker_type"}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_results_total",
			Help: "Total number of worker results by application outcome.",
		}, []string{"outcome"}),

		// Bus
		BusMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_bus_messages_total",
			Help: "Total number of bus messages by topic and outcome.",
		}, []string{"topic", "outcome"}),

		// Fleet
		WorkersRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_workers_registered",
			Help: "Registered workers by type and health.",
		}, []string{"worker_type", "health"}),
		NodeOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_node_operations_total",
			Help: "Total number of worker node lifecycle operations.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RequestsStartedTotal,
		m.RequestsFinishedTotal,
		m.StepDispatchesTotal,
		m.StepRetriesTotal,
		m.ResultsTotal,
		m.BusMessagesTotal,
		m.WorkersRegistered,
		m.NodeOperationsTotal,
	)

	// Scrape from the same registry the instruments live in; the default
	// registerer is also the default gatherer.
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	} else {
		m.handler = promhttp.Handler()
	}

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordRequestStarted records an accepted orchestration request.
func (m *Metrics) RecordRequestStarted(workflowType string) {
	m.RequestsStartedTotal.WithLabelValues(workflowType).Inc()
}

// RecordRequestFinished records a request reaching a terminal status.
func (m *Metrics) RecordRequestFinished(workflowType, status string) {
	m.RequestsFinishedTotal.WithLabelValues(workflowType, status).Inc()
}

// RecordStepDispatch records a step attempt outcome.
func (m *Metrics) RecordStepDispatch(workerType, outcome string) {
	m.StepDispatchesTotal.WithLabelValues(workerType, outcome).Inc()
}

// RecordStepRetry records a scheduled retry.
func (m *Metrics) RecordStepRetry(workerType string) {
	m.StepRetriesTotal.WithLabelValues(workerType).Inc()
}

// RecordResult records a worker result application outcome.
func (m *Metrics) RecordResult(outcome string) {
	m.ResultsTotal.WithLabelValues(outcome).Inc()
}

// RecordBusMessage records a bus message by topic and outcome.
func (m *Metrics) RecordBusMessage(topic, outcome string) {
	m.BusMessagesTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordNodeOperation records a worker node lifecycle operation.
func (m *Metrics) RecordNodeOperation(op, outcome string) {
	m.NodeOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// UpdateWorkerCensus replaces the registered-workers gauge with the current
// registry contents. Reset first so retired type and health combinations do
// not linger.
func (m *Metrics) UpdateWorkerCensus(workers []model.Worker) {
	m.WorkersRegistered.Reset()
	counts := make(map[[2]string]int)
	for _, w := range workers {
		counts[[2]string{w.Type, string(w.Health)}]++
	}
	for key, n := range counts {
		m.WorkersRegistered.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// --- Observer adapters ---

// EngineMetrics adapts Metrics to the engine observer interface.
type EngineMetrics struct {
	m *Metrics
}

// NewEngineMetrics returns an engine observer recording into m.
func NewEngineMetrics(m *Metrics) *EngineMetrics {
	return &EngineMetrics{m: m}
}

// OnEngineEvent implements engine.Observer.
func (o *EngineMetrics) OnEngineEvent(_ context.Context, ev engine.EngineEvent) {
	switch ev.Kind {
	case "request":
		if ev.Outcome == "started" {
			o.m.RecordRequestStarted(ev.WorkflowType)
			return
		}
		o.m.RecordRequestFinished(ev.WorkflowType, string(ev.Status))
	case "step":
		o.m.RecordStepDispatch(ev.WorkerType, ev.Outcome)
	case "retry":
		o.m.RecordStepRetry(ev.WorkerType)
	case "result":
		o.m.RecordResult(ev.Outcome)
	}
}

// DispatchMetrics adapts Metrics to the dispatcher observer interface.
type DispatchMetrics struct {
	m *Metrics
}

// NewDispatchMetrics returns a dispatcher observer recording into m.
func NewDispatchMetrics(m *Metrics) *DispatchMetrics {
	return &DispatchMetrics{m: m}
}

// OnDispatchEvent implements dispatch.Observer.
func (o *DispatchMetrics) OnDispatchEvent(_ context.Context, ev dispatch.Event) {
	topic := bus.TopicCommands
	switch ev.Kind {
	case "result":
		topic = bus.TopicResults
	case "status":
		topic = bus.TopicWorkerStatus
	}
	o.m.RecordBusMessage(topic, ev.Outcome)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.HTTPRequestsInFlight.Dec()
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the wrapper.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
