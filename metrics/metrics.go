// Package metrics exposes Prometheus collectors for runs, stages and
// provider traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can treat metrics as optional.
//
// Usage:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.ObserveProviderCall("openai", "gpt-4o-mini", "success", 850*time.Millisecond)
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: workflow, status (succeeded|failed|cancelled)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall clock time in seconds.
	// Labels: workflow
	RunDuration *prometheus.HistogramVec

	// StageCounter counts stage outcomes.
	// Labels: stage, status (ok|skipped|failed), fallback (true|false)
	StageCounter *prometheus.CounterVec

	// StageDuration measures stage latency in seconds.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// ProviderCallCounter counts provider attempts.
	// Labels: provider, model, outcome (success|transient|permanent|rejected)
	ProviderCallCounter *prometheus.CounterVec

	// ProviderCallDuration measures provider attempt latency in seconds.
	// Labels: provider, model
	ProviderCallDuration *prometheus.HistogramVec

	// FailoverCounter counts exhausted failovers per stage type.
	// Labels: stage_type
	FailoverCounter *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker transitions.
	// Labels: provider, to (closed|open|half-open)
	BreakerTransitions *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// CostTotal accumulates estimated cost.
	// Labels: provider, model
	CostTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors with reg. A nil reg uses a fresh
// private registry so repeated construction in tests never collides.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_runs_total",
			Help: "Total number of finished runs by workflow and status",
		}, []string{"workflow", "status"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convomesh_run_duration_seconds",
			Help:    "Duration of runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"workflow"}),

		StageCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_stages_total",
			Help: "Total number of stage results by stage, status and fallback",
		}, []string{"stage", "status", "fallback"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convomesh_stage_duration_seconds",
			Help:    "Duration of stage executions in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),

		ProviderCallCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_provider_calls_total",
			Help: "Total number of provider attempts by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),

		ProviderCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convomesh_provider_call_duration_seconds",
			Help:    "Duration of provider attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		FailoverCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_failover_exhausted_total",
			Help: "Total number of stage calls where every candidate provider failed",
		}, []string{"stage_type"}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions by provider and target state",
		}, []string{"provider", "to"}),

		TokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_tokens_total",
			Help: "Total number of tokens used by provider, model and type",
		}, []string{"provider", "model", "type"}),

		CostTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convomesh_cost_total",
			Help: "Accumulated estimated cost by provider and model",
		}, []string{"provider", "model"}),

		gatherer: reg,
	}
}

// Handler returns an HTTP handler serving the registry in the Prometheus format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(workflow, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(workflow, status).Inc()
	m.RunDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// ObserveStage records one stage result.
func (m *Metrics) ObserveStage(stage, status string, fallback bool, d time.Duration) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.StageCounter.WithLabelValues(stage, status, fb).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveProviderCall records one provider attempt.
func (m *Metrics) ObserveProviderCall(provider, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCallCounter.WithLabelValues(provider, model, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveUsage records token usage and cost of a successful call.
func (m *Metrics) ObserveUsage(provider, model string, prompt, completion int, cost float64) {
	if m == nil {
		return
	}
	m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	if cost > 0 {
		m.CostTotal.WithLabelValues(provider, model).Add(cost)
	}
}

// FailoverExhausted records a stage call where every candidate failed.
func (m *Metrics) FailoverExhausted(stageType string) {
	if m == nil {
		return
	}
	m.FailoverCounter.WithLabelValues(stageType).Inc()
}

// BreakerTransition records a breaker state change.
func (m *Metrics) BreakerTransition(provider, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(provider, to).Inc()
}
