// Package tools turns tool definitions into callables agents can
// invoke, regardless of where the tool actually runs.
//
// Each transport (local, http, hosted, mcp, custom) has an adapter
// that implements the Tool interface. The Registry builds adapters
// from configuration and hands out BoundTool wrappers that add the
// runtime policy on top: retry with exponential backoff, the approval
// gate, per-attempt events, tracing and metrics.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// ToolInfo describes a tool to the model layer.
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Parameter describes one tool argument using the JSON Schema type
// model. Items is set for array parameters.
type Parameter struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Required    bool       `json:"required,omitempty"`
	Default     any        `json:"default,omitempty"`
	Enum        []string   `json:"enum,omitempty"`
	Items       *Parameter `json:"items,omitempty"`
}

// Tool is one callable exposed to agents. Execute honours context
// cancellation; adapters that cannot propagate it abandon the call
// and return ctx.Err().
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Validator is implemented by adapters that can check a definition
// beyond the generic config validation. Registration collects every
// error rather than stopping at the first.
type Validator interface {
	ValidateDefinition(def *config.ToolDefinition) []error
}

// ToolResult is the uniform outcome of one tool invocation as seen by
// the agent layer. Attempts counts executions including the first.
type ToolResult struct {
	ToolName      string        `json:"tool_name"`
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
	Attempts      int           `json:"attempts"`
	Timestamp     time.Time     `json:"timestamp"`
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(toolName string, result any, elapsed time.Duration, attempts int) *ToolResult {
	return &ToolResult{
		ToolName:      toolName,
		Success:       true,
		Result:        result,
		ExecutionTime: elapsed,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
}

// NewErrorResult builds a failed result from err.
func NewErrorResult(toolName string, err error, elapsed time.Duration, attempts int) *ToolResult {
	return &ToolResult{
		ToolName:      toolName,
		Success:       false,
		Error:         err.Error(),
		ExecutionTime: elapsed,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
}

// ToolError wraps a tool failure with the tool name, the failed
// action and an error kind retry policies can act on.
type ToolError struct {
	Tool   string
	Action string
	kind   errkind.Kind
	Err    error
}

func newToolError(tool, action string, kind errkind.Kind, err error) *ToolError {
	return &ToolError{Tool: tool, Action: action, kind: kind, Err: err}
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %q: %s: %v", e.Tool, e.Action, e.Err)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Action)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Kind classifies the failure for retry policies.
func (e *ToolError) Kind() errkind.Kind { return e.kind }

// infoFromDefinition derives the model-facing description from the
// declared schema.
func infoFromDefinition(def *config.ToolDefinition) ToolInfo {
	info := ToolInfo{
		Name:        def.Name,
		Description: def.Description,
	}
	for i := range def.Parameters {
		info.Parameters = append(info.Parameters, parameterFromSpec(&def.Parameters[i]))
	}
	return info
}

func parameterFromSpec(spec *config.ParameterSpec) Parameter {
	p := Parameter{
		Name:        spec.Name,
		Type:        spec.Type,
		Description: spec.Description,
		Required:    spec.Required,
		Default:     spec.Default,
		Enum:        spec.Enum,
	}
	if spec.Items != nil {
		items := parameterFromSpec(spec.Items)
		p.Items = &items
	}
	return p
}

// effectiveArgs fills declared defaults into a copy of args. The
// caller's map is never mutated.
func effectiveArgs(params []config.ParameterSpec, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+len(params))
	for k, v := range args {
		merged[k] = v
	}
	for i := range params {
		p := &params[i]
		if p.Default == nil {
			continue
		}
		if _, ok := merged[p.Name]; !ok {
			merged[p.Name] = p.Default
		}
	}
	return merged
}

// checkRequired reports the required parameters missing from args.
func checkRequired(params []config.ParameterSpec, args map[string]any) error {
	var missing []string
	for i := range params {
		p := &params[i]
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required arguments: %v", missing)
}
