package agent

import (
	"context"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// Middleware rewrites the conversation ahead of a run. The chain is
// applied in order; each link receives the previous link's output.
type Middleware func(ctx context.Context, messages []llms.Message) ([]llms.Message, error)

// SanitizeMessages drops messages that carry no content, no tool calls
// and no tool-result binding. It is the first link of every chain.
func SanitizeMessages(ctx context.Context, messages []llms.Message) ([]llms.Message, error) {
	kept := make([]llms.Message, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// PassthroughEvents reserves the event-emission slot in the chain. Run
// events are owned by the engine's executors; emitting here as well
// would double them.
func PassthroughEvents(ctx context.Context, messages []llms.Message) ([]llms.Message, error) {
	return messages, nil
}

// Template placeholders. Both resolve to the text of the newest
// inbound message: in the first step that is the user's input, in
// later steps the previous agent's output.
const (
	PlaceholderUserInput      = "{{user_input}}"
	PlaceholderPreviousOutput = "{{previous_output}}"
)

// TemplateMiddleware rewrites the newest message through template. The
// placeholders are substituted with that message's text and the result
// replaces the text; the message role is preserved.
func TemplateMiddleware(template string) Middleware {
	return func(ctx context.Context, messages []llms.Message) ([]llms.Message, error) {
		if len(messages) == 0 {
			return messages, nil
		}
		last := len(messages) - 1
		text := messages[last].Content

		rendered := strings.ReplaceAll(template, PlaceholderUserInput, text)
		rendered = strings.ReplaceAll(rendered, PlaceholderPreviousOutput, text)

		out := make([]llms.Message, len(messages))
		copy(out, messages)
		out[last].Content = rendered
		return out, nil
	}
}

// WithInputTemplate returns a copy of the agent whose chain is wrapped
// outermost by TemplateMiddleware. Steps apply their input_template
// through this; the receiver, which may be shared factory state, is
// not modified.
func (a *Agent) WithInputTemplate(template string) *Agent {
	if template == "" {
		return a
	}
	clone := *a
	clone.Middleware = append([]Middleware{TemplateMiddleware(template)}, a.Middleware...)
	return &clone
}

// MiddlewareRegistry holds user-declared middleware keyed by the id
// agent definitions reference. Registration is static: code registers
// middleware at startup, configuration only selects them.
type MiddlewareRegistry struct {
	*registry.BaseRegistry[Middleware]
}

// NewMiddlewareRegistry creates an empty registry.
func NewMiddlewareRegistry() *MiddlewareRegistry {
	return &MiddlewareRegistry{BaseRegistry: registry.NewBaseRegistry[Middleware]()}
}
