package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// HostedTool represents a tool that executes inside the model
// provider, such as a code interpreter or vendor web search. It never
// runs locally; the agent layer attaches its descriptor to the model
// request and the provider reports results inline.
type HostedTool struct {
	def  *config.ToolDefinition
	kind string
}

func newHostedTool(def *config.ToolDefinition, kind string) *HostedTool {
	return &HostedTool{def: def, kind: kind}
}

// hostedKind extracts <kind> from a hosted://<kind> source.
func hostedKind(source string) string {
	kind, _ := strings.CutPrefix(source, "hosted://")
	return kind
}

// Info implements Tool.
func (t *HostedTool) Info() ToolInfo { return infoFromDefinition(t.def) }

// Kind returns the provider-side tool kind, such as "code_interpreter".
func (t *HostedTool) Kind() string { return t.kind }

// Descriptor is the provider-facing declaration attached to model
// requests in place of a local callable.
func (t *HostedTool) Descriptor() map[string]any {
	d := map[string]any{"type": t.kind}
	if t.def.Description != "" {
		d["description"] = t.def.Description
	}
	return d
}

// Execute always fails: hosted tools run inside the provider.
func (t *HostedTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return nil, newToolError(t.def.Name, "execute", errkind.ToolValidationFailed,
		fmt.Errorf("hosted tool of kind %q executes inside the model provider and cannot run locally", t.kind))
}
