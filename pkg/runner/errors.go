package runner

import (
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// Error reports a runner-level failure before any agent ran.
type Error struct {
	Agent   string
	Message string

	kind errkind.Kind
}

func newError(agent, message string, kind errkind.Kind) *Error {
	return &Error{Agent: agent, Message: message, kind: kind}
}

func (e *Error) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("runner: agent %q: %s", e.Agent, e.Message)
	}
	return "runner: " + e.Message
}

func (e *Error) Kind() errkind.Kind { return e.kind }
