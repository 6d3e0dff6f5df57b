package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records runtime measurements. Implementations must tolerate
// being called with a zero value and from concurrent goroutines.
type Metrics interface {
	RecordAgentRun(ctx context.Context, agentID string, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, attempts int, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordEmbedding(ctx context.Context, model string, duration time.Duration, texts int, err error)
	RecordWorkflowRun(ctx context.Context, kind string, duration time.Duration, err error)
	Handler() http.Handler
}

// PrometheusMetrics implements Metrics on OTel instruments exported
// through a dedicated prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	agentDuration    metric.Float64Histogram
	agentRunsTotal   metric.Int64Counter
	agentErrorsTotal metric.Int64Counter
	agentTokensTotal metric.Int64Counter

	toolDuration     metric.Float64Histogram
	toolCallsTotal   metric.Int64Counter
	toolErrorsTotal  metric.Int64Counter
	toolRetriesTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	embeddingDuration    metric.Float64Histogram
	embeddingErrorsTotal metric.Int64Counter

	workflowDuration    metric.Float64Histogram
	workflowRunsTotal   metric.Int64Counter
	workflowErrorsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordAgentRun(ctx context.Context, agentID string, duration time.Duration, tokens int, err error) {
	if m == nil || m.agentDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("agent", agentID))

	m.agentDuration.Record(ctx, duration.Seconds(), attrs)
	m.agentRunsTotal.Add(ctx, 1, attrs)

	if tokens > 0 {
		m.agentTokensTotal.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.agentErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, attempts int, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tool", tool))

	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)

	if attempts > 1 {
		m.toolRetriesTotal.Add(ctx, int64(attempts-1), attrs)
	}
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))

	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)

	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordEmbedding(ctx context.Context, model string, duration time.Duration, texts int, err error) {
	if m == nil || m.embeddingDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Int("texts", texts),
	)

	m.embeddingDuration.Record(ctx, duration.Seconds(), attrs)

	if err != nil {
		m.embeddingErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
	}
}

func (m *PrometheusMetrics) RecordWorkflowRun(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil || m.workflowDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))

	m.workflowDuration.Record(ctx, duration.Seconds(), attrs)
	m.workflowRunsTotal.Add(ctx, 1, attrs)

	if err != nil {
		m.workflowErrorsTotal.Add(ctx, 1, attrs)
	}
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordAgentRun(context.Context, string, time.Duration, int, error) {}
func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, int, error) {
}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}
func (NoopMetrics) RecordEmbedding(context.Context, string, time.Duration, int, error)    {}
func (NoopMetrics) RecordWorkflowRun(context.Context, string, time.Duration, error)       {}

// SetGlobalMetrics installs the process metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = NoopMetrics{}
	}
	globalMetrics = m
}

// GetGlobalMetrics returns the process metrics recorder. Never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
