// Package metrics collects Prometheus metrics for the decision pipeline:
// scoring kernel throughput, Gateway call outcomes, memory mutation
// outcomes, and per-stage pipeline latency, scoped down from the teacher
// lineage's much larger trading-metrics surface to what this service's
// components actually emit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the decision-service Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Scoring kernel
	ScoresTotal        *prometheus.CounterVec
	InterventionsTotal *prometheus.CounterVec

	// LLM gateway
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Memory
	MutationsTotal      *prometheus.CounterVec
	ConsolidationsTotal *prometheus.CounterVec
	IndexQueryDuration  prometheus.Histogram

	// Pipeline
	StageDuration *prometheus.HistogramVec
	RequestsTotal *prometheus.CounterVec
	DegradedTotal prometheus.Counter
}

// New builds a Metrics collector registered against a fresh Registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ScoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_scores_total", Help: "Total fast-stage scoring invocations."},
			[]string{"dominant_trigger"},
		),
		InterventionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_interventions_total", Help: "Total interventions classified, by level and stage."},
			[]string{"level", "stage"},
		),

		GatewayCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_gateway_calls_total", Help: "Total LLM Gateway calls, by provider and outcome."},
			[]string{"provider", "outcome"},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "impulsed_gateway_call_duration_seconds", Help: "LLM Gateway call latency."},
			[]string{"provider"},
		),
		GatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_gateway_errors_total", Help: "Total LLM Gateway errors, by typed kind."},
			[]string{"kind"},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_memory_mutations_total", Help: "Total memory mutations, by target file and strategy."},
			[]string{"file", "strategy"},
		),
		ConsolidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_memory_consolidations_total", Help: "Total consolidation sweep outcomes, by file and status."},
			[]string{"file", "status"},
		),
		IndexQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "impulsed_index_query_duration_seconds", Help: "Vector index query latency."},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "impulsed_pipeline_stage_duration_seconds", Help: "Pipeline stage latency."},
			[]string{"stage"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "impulsed_requests_total", Help: "Total purchase-analysis requests, by outcome."},
			[]string{"outcome"},
		),
		DegradedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "impulsed_degraded_verdicts_total", Help: "Total degraded (fallback) verdicts returned."},
		),
	}

	registry.MustRegister(
		m.ScoresTotal, m.InterventionsTotal,
		m.GatewayCallsTotal, m.GatewayCallDuration, m.GatewayErrorsTotal,
		m.MutationsTotal, m.ConsolidationsTotal, m.IndexQueryDuration,
		m.StageDuration, m.RequestsTotal, m.DegradedTotal,
	)

	return m
}

// Registry returns the underlying Prometheus registry for the /metrics HTTP
// handler to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveScore records one Fast Stage scoring invocation and the intervention
// level it classified to; the analyze HTTP handler calls it per request.
func (m *Metrics) ObserveScore(dominantTrigger, intervention string) {
	m.ScoresTotal.WithLabelValues(dominantTrigger).Inc()
	m.InterventionsTotal.WithLabelValues(intervention, "fast").Inc()
}

// ObserveVerdict records the Slow Stage's (possibly degraded) intervention
// level, distinct from ObserveScore's fast-stage label.
func (m *Metrics) ObserveVerdict(intervention string) {
	m.InterventionsTotal.WithLabelValues(intervention, "slow").Inc()
}

// ObserveCall implements llmgateway.CallRecorder.
func (m *Metrics) ObserveCall(provider, outcome string, duration time.Duration) {
	m.GatewayCallsTotal.WithLabelValues(provider, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveError implements llmgateway.CallRecorder.
func (m *Metrics) ObserveError(kind string) {
	m.GatewayErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveMutation records a memory mutation's target file and strategy
// ("append", "refine", "rejected" for a no-change outcome, or "error").
func (m *Metrics) ObserveMutation(file, strategy string) {
	m.MutationsTotal.WithLabelValues(file, strategy).Inc()
}

// ObserveIndexQuery records one vector index query's latency.
func (m *Metrics) ObserveIndexQuery(duration time.Duration) {
	m.IndexQueryDuration.Observe(duration.Seconds())
}
