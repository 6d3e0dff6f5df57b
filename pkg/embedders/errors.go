package embedders

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// EmbeddingError represents an error from an embedding provider or
// client.
type EmbeddingError struct {
	Provider  string
	Operation string
	Message   string
	Err       error

	kind errkind.Kind
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Provider, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Provider, e.Operation, e.Message)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// Kind classifies the error for retry and propagation decisions.
func (e *EmbeddingError) Kind() errkind.Kind {
	if e.kind != errkind.Unknown {
		return e.kind
	}
	return errkind.ModelCallFailed
}

// NewEmbeddingError creates a model-call error.
func NewEmbeddingError(provider, operation, message string, err error) *EmbeddingError {
	return &EmbeddingError{
		Provider:  provider,
		Operation: operation,
		Message:   message,
		Err:       err,
		kind:      errkind.ModelCallFailed,
	}
}

// NewMisconfiguredError creates a provider-misconfiguration error.
func NewMisconfiguredError(provider, operation, message string) *EmbeddingError {
	return &EmbeddingError{
		Provider:  provider,
		Operation: operation,
		Message:   message,
		kind:      errkind.ProviderMisconfigured,
	}
}

// NewMissingEnvError reports every missing environment variable in one
// error.
func NewMissingEnvError(provider string, missing []string) *EmbeddingError {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return NewMisconfiguredError(provider, "create_client",
		fmt.Sprintf("missing required environment variables: %s", strings.Join(sorted, ", ")))
}
