package tools

import (
	"context"
	"fmt"
	"strings"
)

// ApprovalRequest describes a pending tool call to an approver.
type ApprovalRequest struct {
	Tool      string
	Arguments map[string]any
}

// Approver decides whether a gated tool call may proceed. The CLI
// wires an interactive prompt here; servers wire policy engines.
// A nil approver denies every gated call.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// argumentsTrigger reports whether any argument value contains the
// configured condition substring.
func argumentsTrigger(args map[string]any, condition string) bool {
	if condition == "" {
		return false
	}
	for _, v := range args {
		if strings.Contains(fmt.Sprint(v), condition) {
			return true
		}
	}
	return false
}
