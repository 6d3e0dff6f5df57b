// Package agent assembles configured agents and runs their model/tool
// loop.
//
// An Agent owns a chat client, a set of bound tools and a middleware
// chain. Run drives the conversation until the model stops requesting
// tools or the iteration budget runs out; RunStreaming does the same
// while forwarding text chunks as they arrive.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/rag"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

const (
	defaultToolIterations = 10
	updateBufferSize      = 100
)

// Agent is one ready-to-run participant. Instances are assembled by
// the Factory and are safe for sequential reuse within a run; they are
// never shared across runs.
type Agent struct {
	ID           string
	Name         string
	Description  string
	Instructions string

	Client llms.ChatClient

	// Tools are the locally executable callables. Hosted tools ride
	// separately as provider descriptors.
	Tools  []*tools.BoundTool
	Hosted []*tools.HostedTool

	Middleware      []Middleware
	ContextProvider rag.ContextProvider

	// MaxToolIterations bounds the model/tool loop for one run.
	MaxToolIterations int
}

// RunResult is the outcome of one agent run. Messages holds the turns
// produced by the run, inbound messages excluded, so callers can grow
// a conversation by appending them.
type RunResult struct {
	Value      string
	Messages   []llms.Message
	TokensUsed int
}

// Update is one unit of a streaming run. Exactly one terminal update
// (Result or Err set) precedes channel close.
type Update struct {
	Chunk  string
	Result *RunResult
	Err    error
}

// Error wraps an agent-originated failure with the agent id.
type Error struct {
	AgentID string
	Message string
	Err     error

	kind errkind.Kind
}

func newError(agentID, message string, kind errkind.Kind, err error) *Error {
	return &Error{AgentID: agentID, Message: message, Err: err, kind: kind}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %q: %s: %v", e.AgentID, e.Message, e.Err)
	}
	return fmt.Sprintf("agent %q: %s", e.AgentID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind delegates to the wrapped error when the agent itself did not
// classify the failure.
func (e *Error) Kind() errkind.Kind {
	if e.kind != errkind.Unknown {
		return e.kind
	}
	return errkind.KindOf(e.Err)
}

// Run executes the agent to completion over the inbound conversation.
func (a *Agent) Run(ctx context.Context, messages []llms.Message) (*RunResult, error) {
	prompt, err := a.prompt(ctx, messages)
	if err != nil {
		return nil, err
	}

	defs := a.toolDefinitions()
	var produced []llms.Message
	tokens := 0

	for iteration := 1; iteration <= a.iterationBudget(); iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, newError(a.ID, "run cancelled", errkind.Unknown, err)
		}

		resp, err := a.Client.Generate(ctx, prompt, defs)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		tokens += resp.TokensUsed

		if len(resp.ToolCalls) == 0 {
			produced = append(produced, llms.NewAssistantMessage(resp.Text))
			return &RunResult{Value: resp.Text, Messages: produced, TokensUsed: tokens}, nil
		}

		// The assistant turn carrying the calls must precede the tool
		// results in the conversation.
		assistant := llms.Message{Role: llms.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		prompt = append(prompt, assistant)
		produced = append(produced, assistant)

		results, err := a.callTools(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		prompt = append(prompt, results...)
		produced = append(produced, results...)
	}

	return nil, newError(a.ID, fmt.Sprintf("tool iteration budget of %d exhausted", a.iterationBudget()),
		errkind.IterationBudgetExhausted, nil)
}

// RunStreaming executes the agent while forwarding text chunks. The
// returned channel is closed after a terminal update.
func (a *Agent) RunStreaming(ctx context.Context, messages []llms.Message) (<-chan Update, error) {
	prompt, err := a.prompt(ctx, messages)
	if err != nil {
		return nil, err
	}

	updates := make(chan Update, updateBufferSize)
	go func() {
		defer close(updates)
		result, err := a.stream(ctx, prompt, updates)
		if err != nil {
			updates <- Update{Err: err}
			return
		}
		updates <- Update{Result: result}
	}()
	return updates, nil
}

func (a *Agent) stream(ctx context.Context, prompt []llms.Message, updates chan<- Update) (*RunResult, error) {
	defs := a.toolDefinitions()
	var produced []llms.Message
	tokens := 0

	for iteration := 1; iteration <= a.iterationBudget(); iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, newError(a.ID, "run cancelled", errkind.Unknown, err)
		}

		ch, err := a.Client.GenerateStreaming(ctx, prompt, defs)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}

		var text strings.Builder
		var calls []llms.ToolCall
		for chunk := range ch {
			switch chunk.Type {
			case llms.ChunkText:
				text.WriteString(chunk.Text)
				updates <- Update{Chunk: chunk.Text}
			case llms.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case llms.ChunkDone:
				tokens += chunk.Tokens
			case llms.ChunkError:
				return nil, fmt.Errorf("agent %q: %w", a.ID, chunk.Err)
			}
		}

		if len(calls) == 0 {
			produced = append(produced, llms.NewAssistantMessage(text.String()))
			return &RunResult{Value: text.String(), Messages: produced, TokensUsed: tokens}, nil
		}

		assistant := llms.Message{Role: llms.RoleAssistant, Content: text.String(), ToolCalls: calls}
		prompt = append(prompt, assistant)
		produced = append(produced, assistant)

		results, err := a.callTools(ctx, calls)
		if err != nil {
			return nil, err
		}
		prompt = append(prompt, results...)
		produced = append(produced, results...)
	}

	return nil, newError(a.ID, fmt.Sprintf("tool iteration budget of %d exhausted", a.iterationBudget()),
		errkind.IterationBudgetExhausted, nil)
}

// prompt assembles the model view: instructions, retrieved context,
// then the inbound conversation, passed through the middleware chain.
func (a *Agent) prompt(ctx context.Context, inbound []llms.Message) ([]llms.Message, error) {
	prompt := make([]llms.Message, 0, len(inbound)+2)
	if a.Instructions != "" {
		prompt = append(prompt, llms.NewSystemMessage(a.Instructions))
	}

	if a.ContextProvider != nil {
		retrieved, err := a.ContextProvider.Invoking(ctx, inbound)
		if err != nil {
			return nil, newError(a.ID, "context retrieval failed", errkind.Unknown, err)
		}
		if !retrieved.Empty() {
			prompt = append(prompt, retrieved.Messages...)
		}
	}
	prompt = append(prompt, inbound...)

	var err error
	for _, mw := range a.Middleware {
		prompt, err = mw(ctx, prompt)
		if err != nil {
			return nil, newError(a.ID, "middleware failed", errkind.Unknown, err)
		}
	}
	return prompt, nil
}

// callTools executes the requested calls in order and renders their
// results as tool messages. A failed tool fails the run; the workflow
// layer decides whether a fallback catches it.
func (a *Agent) callTools(ctx context.Context, calls []llms.ToolCall) ([]llms.Message, error) {
	messages := make([]llms.Message, 0, len(calls))
	for _, call := range calls {
		tool := a.tool(call.Name)
		if tool == nil {
			return nil, newError(a.ID, fmt.Sprintf("model requested unknown tool %q", call.Name),
				errkind.ReferenceUnresolved, nil)
		}

		result, err := tool.Execute(ctx, call.Args)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}

		msg := llms.NewToolResultMessage(call.ID, renderToolResult(result))
		msg.Name = call.Name
		messages = append(messages, msg)
	}
	return messages, nil
}

func (a *Agent) tool(name string) *tools.BoundTool {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (a *Agent) iterationBudget() int {
	if a.MaxToolIterations > 0 {
		return a.MaxToolIterations
	}
	return defaultToolIterations
}

// toolDefinitions renders the agent's tools in the wire-neutral form:
// executable tools as function declarations, hosted tools as provider
// descriptors.
func (a *Agent) toolDefinitions() []llms.ToolDefinition {
	if len(a.Tools) == 0 && len(a.Hosted) == 0 {
		return nil
	}
	defs := make([]llms.ToolDefinition, 0, len(a.Tools)+len(a.Hosted))
	for _, t := range a.Tools {
		info := t.Info()
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  parameterSchema(info.Parameters),
		})
	}
	for _, h := range a.Hosted {
		info := h.Info()
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Hosted:      h.Descriptor(),
		})
	}
	return defs
}

// parameterSchema renders a parameter list as a JSON Schema object.
func parameterSchema(params []tools.Parameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for i := range params {
		p := &params[i]
		properties[p.Name] = propertySchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propertySchema(p *tools.Parameter) map[string]any {
	prop := map[string]any{"type": p.Type}
	if p.Description != "" {
		prop["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		prop["enum"] = p.Enum
	}
	if p.Default != nil {
		prop["default"] = p.Default
	}
	if p.Items != nil {
		prop["items"] = propertySchema(p.Items)
	}
	return prop
}

// renderToolResult flattens a tool result into message content.
func renderToolResult(result *tools.ToolResult) string {
	if result == nil || result.Result == nil {
		return ""
	}
	if s, ok := result.Result.(string); ok {
		return s
	}
	encoded, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Sprintf("%v", result.Result)
	}
	return string(encoded)
}
