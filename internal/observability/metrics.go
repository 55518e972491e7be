package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet", "success", 1.2, 900, 120)
type Metrics struct {
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// Labels: tool_name, status (success|error|aborted)
	ToolExecutionCounter *prometheus.CounterVec

	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// Labels: queue, status (completed|failed|cancelled|timeout)
	JobCounter *prometheus.CounterVec

	// Labels: queue
	JobWaitDuration *prometheus.HistogramVec

	// Labels: outcome (summarized|skipped|trimmed)
	CompactionCounter *prometheus.CounterVec

	// Labels: type (progress|complete|error), path (live|drain)
	ProgressDelivered *prometheus.CounterVec

	RateLimitRejected prometheus.Counter

	// Labels: reason (done|max_iterations|input_tokens|cancelled|error)
	OrchestratorRuns *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scalyclaw_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scalyclaw_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),
		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_jobs_total",
				Help: "Dispatched jobs by queue and terminal status",
			},
			[]string{"queue", "status"},
		),
		JobWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scalyclaw_job_wait_duration_seconds",
				Help:    "Time spent waiting for queued jobs to finish",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"queue"},
		),
		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_context_compactions_total",
				Help: "Context budget enforcement outcomes",
			},
			[]string{"outcome"},
		),
		ProgressDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_progress_events_delivered_total",
				Help: "Progress events delivered to channels",
			},
			[]string{"type", "path"},
		),
		RateLimitRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scalyclaw_rate_limit_rejected_total",
				Help: "Inbound messages rejected by the per-channel rate limit",
			},
		),
		OrchestratorRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scalyclaw_orchestrator_runs_total",
				Help: "Orchestrator invocations by termination reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordLLMRequest records one model call. Safe on a nil receiver.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordJob records a finished queue job wait.
func (m *Metrics) RecordJob(queue, status string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.JobCounter.WithLabelValues(queue, status).Inc()
	m.JobWaitDuration.WithLabelValues(queue).Observe(waitSeconds)
}

// RecordCompaction records a budget enforcement outcome.
func (m *Metrics) RecordCompaction(outcome string) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(outcome).Inc()
}

// RecordProgress records a delivered progress event.
func (m *Metrics) RecordProgress(eventType, path string) {
	if m == nil {
		return
	}
	m.ProgressDelivered.WithLabelValues(eventType, path).Inc()
}

// RecordRateLimited counts a rejected inbound message.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejected.Inc()
}

// RecordRun counts an orchestrator invocation by termination reason.
func (m *Metrics) RecordRun(reason string) {
	if m == nil {
		return
	}
	m.OrchestratorRuns.WithLabelValues(reason).Inc()
}
