package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRetryableError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RetryableError
		expected string
	}{
		{
			name: "with_retry_after",
			err: &RetryableError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "rate limited",
				RetryAfter: 30 * time.Second,
			},
			expected: "HTTP 429: rate limited (retry after 30s)",
		},
		{
			name: "without_retry_after",
			err: &RetryableError{
				StatusCode: http.StatusInternalServerError,
				Message:    "server error",
			},
			expected: "HTTP 500: server error",
		},
		{
			name: "zero_status_code",
			err: &RetryableError{
				StatusCode: 0,
				Message:    "max retries exceeded after 5 attempts",
			},
			expected: "HTTP 0: max retries exceeded after 5 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("HTTP 429")
	err := &RetryableError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limited",
		Err:        inner,
	}

	if !errors.Is(err, inner) {
		t.Error("errors.Is() should find the wrapped error")
	}
	if err.Unwrap() != inner {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), inner)
	}
}

func TestRetryableError_IsRetryable(t *testing.T) {
	err := &RetryableError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
}
