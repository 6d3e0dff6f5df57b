package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/tools"
)

func newTestPrompt(input string) (*Prompt, *bytes.Buffer) {
	out := &bytes.Buffer{}
	p := &Prompt{
		in:          bufio.NewReader(strings.NewReader(input)),
		out:         out,
		interactive: true,
	}
	return p, out
}

func TestPrompt_ApproveYes(t *testing.T) {
	p, out := newTestPrompt("y\n")

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{
		Tool:      "search",
		Arguments: map[string]any{"query": "climate reports", "limit": 3},
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !ok {
		t.Fatal("Approve() = false, want true")
	}

	text := out.String()
	if !strings.Contains(text, "search") {
		t.Errorf("prompt does not name the tool: %q", text)
	}
	if !strings.Contains(text, "query: climate reports") || !strings.Contains(text, "limit: 3") {
		t.Fatalf("prompt does not show arguments: %q", text)
	}
	if strings.Index(text, "limit: 3") > strings.Index(text, "query: climate reports") {
		t.Errorf("arguments not in sorted key order: %q", text)
	}
	if !strings.Contains(text, "approved") {
		t.Errorf("decision not echoed: %q", text)
	}
}

func TestPrompt_ApproveDefaultIsDeny(t *testing.T) {
	p, out := newTestPrompt("\n")

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{Tool: "delete_everything"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if ok {
		t.Fatal("empty answer should deny")
	}
	if !strings.Contains(out.String(), "denied") {
		t.Errorf("decision not echoed: %q", out.String())
	}
}

func TestPrompt_ApproveRetriesOnGarbage(t *testing.T) {
	p, out := newTestPrompt("maybe\nYES\n")

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{Tool: "search"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !ok {
		t.Fatal("Approve() = false, want true after retry")
	}
	if !strings.Contains(out.String(), "Please answer y or n.") {
		t.Errorf("no retry notice: %q", out.String())
	}
}

func TestPrompt_EOFDenies(t *testing.T) {
	p, _ := newTestPrompt("")

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{Tool: "search"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if ok {
		t.Fatal("EOF should deny")
	}
}

func TestPrompt_NonInteractiveDeniesWithoutPrompting(t *testing.T) {
	out := &bytes.Buffer{}
	p := &Prompt{in: bufio.NewReader(strings.NewReader("y\n")), out: out}

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{Tool: "search"})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if ok {
		t.Fatal("non-interactive session must deny tool calls")
	}

	ok, err = p.Review(context.Background(), "1. do the thing")
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if ok {
		t.Fatal("non-interactive session must reject plans")
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed without a terminal, got %q", out.String())
	}
}

func TestPrompt_AutoApprove(t *testing.T) {
	p := &Prompt{autoApprove: true}

	ok, err := p.Approve(context.Background(), tools.ApprovalRequest{Tool: "search"})
	if err != nil || !ok {
		t.Fatalf("Approve() = %v, %v, want approval without input", ok, err)
	}
	ok, err = p.Review(context.Background(), "plan")
	if err != nil || !ok {
		t.Fatalf("Review() = %v, %v, want approval without input", ok, err)
	}
}

func TestPrompt_ReviewShowsPlan(t *testing.T) {
	p, out := newTestPrompt("n\n")

	ok, err := p.Review(context.Background(), "1. research\n2. summarize\n")
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if ok {
		t.Fatal("Review() = true, want false")
	}
	if !strings.Contains(out.String(), "2. summarize") {
		t.Errorf("plan not shown: %q", out.String())
	}
}

func TestPrompt_ContextCancellationAbandonsRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	p := &Prompt{in: bufio.NewReader(pr), out: &bytes.Buffer{}, interactive: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Approve(ctx, tools.ApprovalRequest{Tool: "search"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Approve() error = %v, want context.Canceled", err)
	}
}
