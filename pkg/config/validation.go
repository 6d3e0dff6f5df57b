package config

import (
	"fmt"
	"strings"
)

// ValidationResult accumulates every violation found in a config document.
// The loader rejects a document with a full list, not just the first error.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Addf records an error.
func (r *ValidationResult) Addf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddError records an error value.
func (r *ValidationResult) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Warnf records a warning. Warnings never fail validation.
func (r *ValidationResult) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Valid returns true when no errors were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error formats all violations as a single message.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration has %d error(s):\n", len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(&sb, "  - %s\n", e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Merge folds another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}
