package workflow

import (
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// Error wraps a workflow-originated failure with the strategy kind.
type Error struct {
	Workflow string
	Message  string
	Err      error

	kind errkind.Kind
}

func newError(workflow, message string, kind errkind.Kind, err error) *Error {
	return &Error{Workflow: workflow, Message: message, Err: err, kind: kind}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow %q: %s: %v", e.Workflow, e.Message, e.Err)
	}
	return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind delegates to the wrapped error when the workflow itself did
// not classify the failure.
func (e *Error) Kind() errkind.Kind {
	if e.kind != errkind.Unknown {
		return e.kind
	}
	return errkind.KindOf(e.Err)
}
