package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// InitMetrics builds the prometheus-backed meter and all instruments.
// When metrics are disabled a no-op recorder is returned.
func InitMetrics(ctx context.Context, cfg config.MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	meter := meterProvider.Meter("ensemble")

	agentDuration, err := meter.Float64Histogram(
		"ensemble_agent_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}

	agentRuns, err := meter.Int64Counter(
		"ensemble_agent_runs_total",
		metric.WithDescription("Total agent runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent runs counter: %w", err)
	}

	agentErrors, err := meter.Int64Counter(
		"ensemble_agent_errors_total",
		metric.WithDescription("Total agent run errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent errors counter: %w", err)
	}

	agentTokens, err := meter.Int64Counter(
		"ensemble_agent_tokens_used_total",
		metric.WithDescription("Total tokens used by agents"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent tokens counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"ensemble_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"ensemble_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"ensemble_tool_errors_total",
		metric.WithDescription("Total tool call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	toolRetries, err := meter.Int64Counter(
		"ensemble_tool_retries_total",
		metric.WithDescription("Total tool call retry attempts beyond the first"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool retries counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"ensemble_llm_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"ensemble_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"ensemble_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"ensemble_llm_errors_total",
		metric.WithDescription("Total model call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	embeddingDuration, err := meter.Float64Histogram(
		"ensemble_embedding_duration_seconds",
		metric.WithDescription("Embedding request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding duration histogram: %w", err)
	}

	embeddingErrors, err := meter.Int64Counter(
		"ensemble_embedding_errors_total",
		metric.WithDescription("Total embedding request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding errors counter: %w", err)
	}

	workflowDuration, err := meter.Float64Histogram(
		"ensemble_workflow_run_duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow duration histogram: %w", err)
	}

	workflowRuns, err := meter.Int64Counter(
		"ensemble_workflow_runs_total",
		metric.WithDescription("Total workflow runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow runs counter: %w", err)
	}

	workflowErrors, err := meter.Int64Counter(
		"ensemble_workflow_errors_total",
		metric.WithDescription("Total workflow run errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow errors counter: %w", err)
	}

	return &PrometheusMetrics{
		registry: registry,

		agentDuration:    agentDuration,
		agentRunsTotal:   agentRuns,
		agentErrorsTotal: agentErrors,
		agentTokensTotal: agentTokens,

		toolDuration:     toolDuration,
		toolCallsTotal:   toolCalls,
		toolErrorsTotal:  toolErrors,
		toolRetriesTotal: toolRetries,

		llmDuration:     llmDuration,
		llmInputTokens:  llmInputTokens,
		llmOutputTokens: llmOutputTokens,
		llmErrorsTotal:  llmErrors,

		embeddingDuration:    embeddingDuration,
		embeddingErrorsTotal: embeddingErrors,

		workflowDuration:    workflowDuration,
		workflowRunsTotal:   workflowRuns,
		workflowErrorsTotal: workflowErrors,
	}, nil
}

// Handler exposes the prometheus scrape endpoint for these metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Handler returns a 503 handler; the scrape endpoint only exists when
// metrics are enabled.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}
