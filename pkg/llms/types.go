// Package llms provides chat model access behind a provider registry.
//
// Providers are selected by the provider_kind of a model reference and
// construct clients speaking the vendor wire protocol over raw HTTP.
package llms

import "fmt"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls carries the calls requested by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name optionally identifies the speaker (group chats).
	Name string `json:"name,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolResultMessage creates a tool-role message answering a call.
func NewToolResultMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a callable tool in the wire-neutral form
// given to chat clients.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Hosted carries a provider-side tool descriptor. When set, the
	// client forwards the descriptor verbatim instead of declaring a
	// function; clients whose runtime has no provider-side tools skip
	// the entry.
	Hosted map[string]any `json:"hosted,omitempty"`
}

// Response is the result of a non-streaming chat call.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	TokensUsed int
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of a streaming chat response. The channel is
// closed after a terminal chunk (done or error).
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

func (c StreamChunk) String() string {
	switch c.Type {
	case ChunkText:
		return c.Text
	case ChunkToolCall:
		if c.ToolCall != nil {
			return fmt.Sprintf("tool_call(%s)", c.ToolCall.Name)
		}
		return "tool_call"
	case ChunkError:
		return fmt.Sprintf("error(%v)", c.Err)
	default:
		return string(c.Type)
	}
}
