package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	hookDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Instance metrics
	InstanceStartsTotal      *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	InstancesActive          *prometheus.GaugeVec
	StepCompletionsTotal     *prometheus.CounterVec
	StepEscalationsTotal     *prometheus.CounterVec

	// Definition metrics
	DefinitionPublishesTotal *prometheus.CounterVec
	DefinitionsSeeded        prometheus.Gauge

	// Hook metrics
	HookInvocationsTotal *prometheus.CounterVec
	HookDuration         *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_instance_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition_id"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_instance_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"definition_id", "final_status"}),
		InstancesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adaptflow_instances_active",
			Help: "Number of running workflow instances.",
		}, []string{"definition_id"}),
		StepCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_step_completions_total",
			Help: "Total number of step completions.",
		}, []string{"definition_id", "step_id"}),
		StepEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_step_escalations_total",
			Help: "Total number of step escalations.",
		}, []string{"definition_id", "step_id"}),

		DefinitionPublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_definition_publishes_total",
			Help: "Total number of definition publish attempts.",
		}, []string{"status"}),
		DefinitionsSeeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adaptflow_definitions_seeded",
			Help: "Number of definitions published from seed files at startup.",
		}),

		HookInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptflow_hook_invocations_total",
			Help: "Total number of hook invocations.",
		}, []string{"service_id", "operation_id", "status"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptflow_hook_duration_seconds",
			Help:    "Hook invocation duration in seconds.",
			Buckets: hookDurationBuckets,
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstanceStartsTotal,
		m.InstanceCompletionsTotal,
		m.InstancesActive,
		m.StepCompletionsTotal,
		m.StepEscalationsTotal,
		m.DefinitionPublishesTotal,
		m.DefinitionsSeeded,
		m.HookInvocationsTotal,
		m.HookDuration,
	)

	return m
}

// RecordInstanceStart records a started instance.
func (m *Metrics) RecordInstanceStart(definitionID string) {
	m.InstanceStartsTotal.WithLabelValues(definitionID).Inc()
	m.InstancesActive.WithLabelValues(definitionID).Inc()
}

// RecordInstanceCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordInstanceCompletion(definitionID, finalStatus string) {
	m.InstanceCompletionsTotal.WithLabelValues(definitionID, finalStatus).Inc()
	m.InstancesActive.WithLabelValues(definitionID).Dec()
}

// RecordStepCompletion records a step completion.
func (m *Metrics) RecordStepCompletion(definitionID, stepID string) {
	m.StepCompletionsTotal.WithLabelValues(definitionID, stepID).Inc()
}

// RecordStepEscalation records a step escalation.
func (m *Metrics) RecordStepEscalation(definitionID, stepID string) {
	m.StepEscalationsTotal.WithLabelValues(definitionID, stepID).Inc()
}

// RecordDefinitionPublish records a publish attempt outcome ("ok"/"invalid").
func (m *Metrics) RecordDefinitionPublish(status string) {
	m.DefinitionPublishesTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsSeeded sets the number of seed definitions published.
func (m *Metrics) SetDefinitionsSeeded(count float64) {
	m.DefinitionsSeeded.Set(count)
}

// RecordHookInvocation records a hook invocation outcome.
func (m *Metrics) RecordHookInvocation(serviceID, operationID, status string, duration time.Duration) {
	m.HookInvocationsTotal.WithLabelValues(serviceID, operationID, status).Inc()
	m.HookDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
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
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
