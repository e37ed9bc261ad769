package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus instruments: protocol frame
// flow, agent turns, provider calls, tool executions, and approval
// outcomes.
type Metrics struct {
	// FrameCounter tracks protocol frames by type and direction.
	// Labels: type (req|res|event), direction (in|out)
	FrameCounter *prometheus.CounterVec

	// ActiveConnections is the number of currently open protocol sessions.
	ActiveConnections prometheus.Gauge

	// TurnCounter counts agent turns by agent and outcome.
	// Labels: agent_id, outcome (final|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn time in seconds.
	// Labels: agent_id
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval gate outcomes.
	// Labels: decision (allowed|denied|expired)
	ApprovalCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (gateway|agent|provider|tool|store), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments against reg. Passing nil
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_frames_total",
				Help: "Total protocol frames by type and direction",
			},
			[]string{"type", "direction"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hearth_active_connections",
				Help: "Currently open protocol sessions",
			},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_turns_total",
				Help: "Total agent turns by agent and outcome",
			},
			[]string{"agent_id", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_turn_duration_seconds",
				Help:    "Duration of full agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent_id"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_llm_request_duration_seconds",
				Help:    "Duration of provider completions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hearth_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_approvals_total",
				Help: "Total approval gate decisions",
			},
			[]string{"decision"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hearth_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// FrameIn records one inbound frame.
func (m *Metrics) FrameIn(frameType string) {
	m.FrameCounter.WithLabelValues(frameType, "in").Inc()
}

// FrameOut records one outbound frame.
func (m *Metrics) FrameOut(frameType string) {
	m.FrameCounter.WithLabelValues(frameType, "out").Inc()
}

// RecordTurn records a completed agent turn.
func (m *Metrics) RecordTurn(agentID, outcome string, duration time.Duration) {
	m.TurnCounter.WithLabelValues(agentID, outcome).Inc()
	m.TurnDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordLLMRequest records a provider completion with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model string, duration time.Duration, inputTokens, outputTokens int) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records a tool invocation.
func (m *Metrics) RecordToolExecution(toolName string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordApproval records an approval gate decision.
func (m *Metrics) RecordApproval(decision string) {
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
