package llms

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// LLMError represents an error from a chat provider or client.
type LLMError struct {
	Provider  string
	Operation string
	Message   string
	Err       error

	kind errkind.Kind
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Provider, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Provider, e.Operation, e.Message)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// Kind classifies the error for retry and propagation decisions.
func (e *LLMError) Kind() errkind.Kind {
	if e.kind != errkind.Unknown {
		return e.kind
	}
	return errkind.ModelCallFailed
}

// NewLLMError creates a model-call error.
func NewLLMError(provider, operation, message string, err error) *LLMError {
	return &LLMError{
		Provider:  provider,
		Operation: operation,
		Message:   message,
		Err:       err,
		kind:      errkind.ModelCallFailed,
	}
}

// NewMisconfiguredError creates a provider-misconfiguration error.
func NewMisconfiguredError(provider, operation, message string) *LLMError {
	return &LLMError{
		Provider:  provider,
		Operation: operation,
		Message:   message,
		kind:      errkind.ProviderMisconfigured,
	}
}

// NewMissingEnvError reports every missing environment variable in one
// error so operators fix the whole set at once.
func NewMissingEnvError(provider string, missing []string) *LLMError {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return NewMisconfiguredError(provider, "create_client",
		fmt.Sprintf("missing required environment variables: %s", strings.Join(sorted, ", ")))
}
