package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type kindedError struct {
	kind Kind
	msg  string
}

func (e *kindedError) Error() string { return e.msg }
func (e *kindedError) Kind() Kind    { return e.kind }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "nil error",
			err:  nil,
			want: Unknown,
		},
		{
			name: "direct kinded error",
			err:  &kindedError{kind: ToolExecutionFailed, msg: "boom"},
			want: ToolExecutionFailed,
		},
		{
			name: "wrapped kinded error",
			err:  fmt.Errorf("outer: %w", &kindedError{kind: ModelCallFailed, msg: "rate limited"}),
			want: ModelCallFailed,
		},
		{
			name: "context cancellation",
			err:  context.Canceled,
			want: Cancelled,
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("call: %w", context.DeadlineExceeded),
			want: Cancelled,
		},
		{
			name: "plain error",
			err:  errors.New("plain"),
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{ToolExecutionFailed, ModelCallFailed}
	terminal := []Kind{
		ConfigInvalid, ReferenceUnresolved, ProviderMisconfigured,
		ToolValidationFailed, IterationBudgetExhausted, Cancelled,
		EmbeddingSignatureMismatch, Unknown,
	}

	for _, k := range retryable {
		if !Retryable(k) {
			t.Errorf("Retryable(%q) = false, want true", k)
		}
	}
	for _, k := range terminal {
		if Retryable(k) {
			t.Errorf("Retryable(%q) = true, want false", k)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := ParseKind("tool_execution_failed"); !ok || k != ToolExecutionFailed {
		t.Errorf("ParseKind() = %q, %v", k, ok)
	}
	if _, ok := ParseKind("not_a_kind"); ok {
		t.Error("ParseKind() accepted unknown kind")
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 599} {
		if !RetryableStatus(code) {
			t.Errorf("RetryableStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		if RetryableStatus(code) {
			t.Errorf("RetryableStatus(%d) = true, want false", code)
		}
	}
}

func TestTransientNetwork(t *testing.T) {
	if !TransientNetwork(errors.New("dial tcp 127.0.0.1:9: connection refused")) {
		t.Error("TransientNetwork() = false for connection refused")
	}
	if TransientNetwork(errors.New("invalid request body")) {
		t.Error("TransientNetwork() = true for non-network error")
	}
	if TransientNetwork(nil) {
		t.Error("TransientNetwork(nil) = true")
	}
}
