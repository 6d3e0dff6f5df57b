// Package errkind defines the closed set of error kinds used across the
// runtime and helpers for classifying arbitrary errors into them.
//
// Component packages keep their own typed errors; those errors carry a
// Kind so that retry policies and the engine can act on failure class
// without inspecting error strings.
package errkind

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a failure. The set is closed; retry policies reference
// kinds by these names in configuration.
type Kind string

const (
	// ConfigInvalid means the loader rejected the document. Not retryable.
	ConfigInvalid Kind = "config_invalid"

	// ReferenceUnresolved means a tool/agent/model id was not found. Not retryable.
	ReferenceUnresolved Kind = "reference_unresolved"

	// ProviderMisconfigured means missing env vars or a bad endpoint. Not retryable.
	ProviderMisconfigured Kind = "provider_misconfigured"

	// ToolValidationFailed means a tool source or parameters are
	// inconsistent with the adapter. Not retryable.
	ToolValidationFailed Kind = "tool_validation_failed"

	// ToolExecutionFailed is a transient error within a tool call.
	// Retryable per policy.
	ToolExecutionFailed Kind = "tool_execution_failed"

	// ModelCallFailed means a chat or embedding call failed. Retryable per
	// policy subject to the underlying cause.
	ModelCallFailed Kind = "model_call_failed"

	// IterationBudgetExhausted means max_iterations/max_rounds/max_stall
	// was reached. Terminal.
	IterationBudgetExhausted Kind = "iteration_budget_exhausted"

	// Cancelled means the caller cancelled the run. Terminal.
	Cancelled Kind = "cancelled"

	// EmbeddingSignatureMismatch means the store holds vectors generated
	// under a different embedding signature. Resolved by a forced re-embed.
	EmbeddingSignatureMismatch Kind = "embedding_signature_mismatch"

	// Unknown is the zero classification for errors that carry no kind.
	Unknown Kind = ""
)

// Kinder is implemented by errors that carry a Kind.
type Kinder interface {
	Kind() Kind
}

// KindOf walks the unwrap chain and returns the first Kind found.
// Context cancellation and deadline errors classify as Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a kind may be retried under a retry policy.
// Only transient tool and model failures qualify; everything else is
// terminal or requires operator action.
func Retryable(kind Kind) bool {
	switch kind {
	case ToolExecutionFailed, ModelCallFailed:
		return true
	default:
		return false
	}
}

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case ConfigInvalid, ReferenceUnresolved, ProviderMisconfigured,
		ToolValidationFailed, ToolExecutionFailed, ModelCallFailed,
		IterationBudgetExhausted, Cancelled, EmbeddingSignatureMismatch:
		return Kind(s), true
	}
	return Unknown, false
}

// RetryableStatus reports whether an HTTP status code indicates a
// transient failure: rate limiting (429) or a server-side error (5xx).
func RetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}

// TransientNetwork reports whether err looks like a transient transport
// failure (timeout or connection-level error) that retry policies treat
// as retryable.
func TransientNetwork(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
