package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

// BoundTool is the wrapper agents invoke. It interposes the runtime
// policy between the agent and the transport adapter: argument
// defaults and required checks, the approval gate, retry with
// exponential backoff, the per-run invocation budget, events, tracing
// and metrics.
//
// A BoundTool belongs to one run. The registry hands out a fresh one
// per bind so invocation budgets never leak across workflows.
type BoundTool struct {
	entry    *Entry
	registry *Registry
	bus      *eventbus.Bus
	calls    atomic.Int64
}

// Name returns the tool name.
func (b *BoundTool) Name() string { return b.entry.Definition.Name }

// Info returns the model-facing description.
func (b *BoundTool) Info() ToolInfo { return b.entry.Tool.Info() }

// Definition returns the configuration the tool was built from.
func (b *BoundTool) Definition() *config.ToolDefinition { return b.entry.Definition }

// Unwrap returns the transport adapter. The agent layer uses this to
// recognise hosted tools, which attach a provider descriptor to the
// model request instead of executing locally.
func (b *BoundTool) Unwrap() Tool { return b.entry.Tool }

// Execute runs the tool under the full policy. It emits one
// tool_call_start event per attempt and exactly one tool_call_complete
// or tool_call_error when the call settles. The returned ToolResult is
// always non-nil so agents can feed failures back to the model.
func (b *BoundTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	def := b.entry.Definition
	start := time.Now()

	tracer := observability.GetTracer("ensemble.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, def.Name),
			attribute.String(observability.AttrToolTransport, string(def.Transport)),
		))
	defer span.End()

	merged := effectiveArgs(def.Parameters, args)
	value, attempts, err := b.run(ctx, merged)
	elapsed := time.Since(start)

	observability.GetGlobalMetrics().RecordToolExecution(ctx, def.Name, elapsed, attempts, err)
	span.SetAttributes(
		attribute.Bool("tool.success", err == nil),
		attribute.Int(observability.AttrToolAttempt, attempts),
		attribute.Int64("tool.duration_ms", elapsed.Milliseconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(observability.AttrErrorKind, string(errkind.KindOf(err))))
		b.emit(eventbus.NewToolCallError(def.Name, err.Error()))
		return NewErrorResult(def.Name, err, elapsed, attempts), err
	}
	span.SetStatus(codes.Ok, "")
	b.emit(eventbus.NewToolCallComplete(def.Name, value))
	return NewSuccessResult(def.Name, value, elapsed, attempts), nil
}

// run performs the gated, retried execution and reports how many
// attempts it made.
func (b *BoundTool) run(ctx context.Context, args map[string]any) (any, int, error) {
	def := b.entry.Definition

	if err := checkRequired(def.Parameters, args); err != nil {
		return nil, 0, newToolError(def.Name, "validate arguments", errkind.ToolValidationFailed, err)
	}
	if n := b.calls.Add(1); def.MaxInvocations > 0 && n > int64(def.MaxInvocations) {
		return nil, 0, newToolError(def.Name, "invoke", errkind.IterationBudgetExhausted,
			fmt.Errorf("invocation budget of %d exhausted", def.MaxInvocations))
	}

	granted, err := b.approve(ctx, args)
	if err != nil {
		return nil, 0, newToolError(def.Name, "approval", errkind.ToolExecutionFailed, err)
	}
	if !granted {
		return nil, 0, newToolError(def.Name, "approval", errkind.Cancelled, errors.New("denied"))
	}

	policy := def.Retry
	maxAttempts := 1
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}

	attempts := 0
	var lastErr error
	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++
		b.emit(eventbus.NewToolCallStart(def.Name, args))

		value, err := b.executeOnce(ctx, args)
		if err == nil {
			return value, attempts, nil
		}
		lastErr = err
		slog.Debug("Tool attempt failed", "tool", def.Name, "attempt", attempts, "error", err)

		if attempts == maxAttempts || !retryableUnder(policy, err) {
			break
		}
		delay := backoffDelay(policy, attempts)
		slog.Debug("Retrying tool", "tool", def.Name, "attempt", attempts, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return nil, attempts, wrapFailure(def.Name, lastErr)
}

// executeOnce bounds a single attempt by the configured timeout. An
// attempt that hits its own deadline while the run is still alive is a
// transient failure, not a cancellation, so the retry policy can act
// on it.
func (b *BoundTool) executeOnce(ctx context.Context, args map[string]any) (any, error) {
	def := b.entry.Definition
	timeout := def.Timeout.Duration()
	if timeout <= 0 {
		return b.entry.Tool.Execute(ctx, args)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	value, err := b.entry.Tool.Execute(attemptCtx, args)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, newToolError(def.Name, "execute", errkind.ToolExecutionFailed,
			fmt.Errorf("attempt timed out after %s", timeout))
	}
	return value, err
}

// approve runs the approval gate for this call. In on-first mode, a
// denial leaves the gate armed for the next call.
func (b *BoundTool) approve(ctx context.Context, args map[string]any) (bool, error) {
	def := b.entry.Definition
	switch def.ApprovalMode {
	case config.ApprovalAlways:
		return b.ask(ctx, args)
	case config.ApprovalOnFirst:
		if b.registry.wasInvoked(def.Name) {
			return true, nil
		}
		granted, err := b.ask(ctx, args)
		if granted && err == nil {
			b.registry.markInvoked(def.Name)
		}
		return granted, err
	case config.ApprovalConditional:
		if !argumentsTrigger(args, def.ApprovalCondition) {
			return true, nil
		}
		return b.ask(ctx, args)
	default:
		return true, nil
	}
}

func (b *BoundTool) ask(ctx context.Context, args map[string]any) (bool, error) {
	approver := b.registry.currentApprover()
	if approver == nil {
		slog.Warn("Tool requires approval but no approver is configured; denying call",
			"tool", b.entry.Definition.Name)
		return false, nil
	}
	return approver.Approve(ctx, ApprovalRequest{Tool: b.entry.Definition.Name, Arguments: args})
}

func (b *BoundTool) emit(event eventbus.Event) {
	if b.bus != nil {
		b.bus.Emit(event)
	}
}

// retryableUnder reports whether the policy allows retrying err.
// Unclassified errors retry only when they look like transient
// transport failures.
func retryableUnder(policy *config.RetryPolicyConfig, err error) bool {
	if policy == nil {
		return false
	}
	kind := errkind.KindOf(err)
	switch kind {
	case errkind.Cancelled:
		return false
	case errkind.Unknown:
		if !errkind.TransientNetwork(err) {
			return false
		}
		kind = errkind.ToolExecutionFailed
	}
	for _, k := range policy.RetryableKinds {
		if string(kind) == k {
			return true
		}
	}
	return false
}

// backoffDelay computes the wait after the nth failed attempt:
// min(initial * base^(n-1), max).
func backoffDelay(policy *config.RetryPolicyConfig, failedAttempt int) time.Duration {
	delay := float64(policy.InitialDelay.Duration()) *
		math.Pow(policy.ExponentialBase, float64(failedAttempt-1))
	if limit := float64(policy.MaxDelay.Duration()); delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// wrapFailure attaches the tool name and a kind to errors that do not
// already carry one. Exhausted retries surface as tool_execution_failed
// unless the underlying error classified differently.
func wrapFailure(name string, err error) error {
	if err == nil {
		err = errors.New("no attempts executed")
	}
	var te *ToolError
	if errors.As(err, &te) {
		return err
	}
	kind := errkind.KindOf(err)
	if kind == errkind.Unknown {
		kind = errkind.ToolExecutionFailed
	}
	return newToolError(name, "execute", kind, err)
}
