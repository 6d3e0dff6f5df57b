// Package observability wires OpenTelemetry tracing and metrics.
//
// Spans follow the global tracer provider; metrics are recorded through
// a process-wide recorder installed by the Manager so hot paths never
// carry a metrics handle explicitly.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// Manager owns the lifecycle of the tracer provider and the metrics
// recorder.
type Manager struct {
	cfg config.ObservabilityConfig

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
}

// NewManager creates an uninitialized manager.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, metrics: NoopMetrics{}}
}

// Initialize installs the tracer provider and the metrics recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.cfg.Tracing, m.cfg.ServiceName)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(ctx, m.cfg.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	SetGlobalMetrics(m.metrics)
	return nil
}

// Metrics returns the metrics recorder. Never nil.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	SetGlobalMetrics(NoopMetrics{})

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
