package agent

import (
	"context"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/llms"
)

func TestSanitizeMessages(t *testing.T) {
	in := []llms.Message{
		llms.NewUserMessage("keep me"),
		llms.NewAssistantMessage("   "),
		{Role: llms.RoleAssistant, ToolCalls: []llms.ToolCall{{ID: "c1", Name: "x"}}},
		llms.NewToolResultMessage("c1", ""),
		llms.NewUserMessage(""),
	}

	out, err := SanitizeMessages(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("kept %d messages, want 3: %+v", len(out), out)
	}
	if out[0].Content != "keep me" {
		t.Errorf("out[0] = %+v", out[0])
	}
	// Messages carrying tool calls or tool results survive even when
	// their content is empty.
	if len(out[1].ToolCalls) != 1 {
		t.Errorf("out[1] = %+v", out[1])
	}
	if out[2].ToolCallID != "c1" {
		t.Errorf("out[2] = %+v", out[2])
	}
}

func TestPassthroughEvents(t *testing.T) {
	in := []llms.Message{llms.NewUserMessage("hello")}
	out, err := PassthroughEvents(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "hello" {
		t.Errorf("out = %+v", out)
	}
}

func TestTemplateMiddleware(t *testing.T) {
	mw := TemplateMiddleware("Context: {{previous_output}}\nTask: {{user_input}}")
	in := []llms.Message{
		llms.NewSystemMessage("sys"),
		llms.NewUserMessage("draft the summary"),
	}

	out, err := mw(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	want := "Context: draft the summary\nTask: draft the summary"
	if out[1].Content != want {
		t.Errorf("rendered = %q, want %q", out[1].Content, want)
	}
	if out[1].Role != llms.RoleUser {
		t.Errorf("role changed to %q", out[1].Role)
	}
	if out[0].Content != "sys" {
		t.Errorf("earlier message touched: %+v", out[0])
	}
	// the caller's slice is left alone
	if in[1].Content != "draft the summary" {
		t.Errorf("input mutated: %q", in[1].Content)
	}
}

func TestTemplateMiddleware_EmptyConversation(t *testing.T) {
	mw := TemplateMiddleware("Task: {{user_input}}")
	out, err := mw(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("out = %+v", out)
	}
}

func TestWithInputTemplate(t *testing.T) {
	calls := []string{}
	record := func(name string) Middleware {
		return func(ctx context.Context, messages []llms.Message) ([]llms.Message, error) {
			calls = append(calls, name)
			return messages, nil
		}
	}

	base := &Agent{ID: "a", Middleware: []Middleware{record("base")}}
	templated := base.WithInputTemplate("Say: {{user_input}}")

	if templated == base {
		t.Fatal("expected a clone")
	}
	if len(base.Middleware) != 1 {
		t.Fatalf("base chain grew to %d", len(base.Middleware))
	}
	if len(templated.Middleware) != 2 {
		t.Fatalf("templated chain = %d, want 2", len(templated.Middleware))
	}

	// the template runs before the original chain
	msgs := []llms.Message{llms.NewUserMessage("hello")}
	out := msgs
	var err error
	for _, mw := range templated.Middleware {
		out, err = mw(context.Background(), out)
		if err != nil {
			t.Fatal(err)
		}
	}
	if out[0].Content != "Say: hello" {
		t.Errorf("rendered = %q", out[0].Content)
	}
	if len(calls) != 1 || calls[0] != "base" {
		t.Errorf("calls = %v", calls)
	}

	if same := base.WithInputTemplate(""); same != base {
		t.Error("empty template should return the receiver")
	}
}

func TestMiddlewareRegistry(t *testing.T) {
	reg := NewMiddlewareRegistry()
	if err := reg.Register("sanitize", SanitizeMessages); err != nil {
		t.Fatal(err)
	}
	mw, ok := reg.Get("sanitize")
	if !ok || mw == nil {
		t.Fatal("registered middleware not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("unexpected hit for unregistered name")
	}
}
