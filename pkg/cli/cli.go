// Package cli implements the terminal prompts behind the runtime's
// human gates. A Prompt is both a tools.Approver and a
// workflow.PlanReviewer: tool calls gated by an approval mode and
// magentic plan review land here when the binary runs a workflow.
// Sessions without a terminal on stdin deny every gate unless
// auto-approve is on, so headless runs never hang on a question
// nobody can answer.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

const (
	colorReset = "\033[0m"
	colorDim   = "\033[2m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
)

// Prompt asks yes/no questions on a terminal. Construct with
// NewPrompt; the zero value has no input to read from.
type Prompt struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	autoApprove bool
}

// NewPrompt builds a prompt over stdin and stderr. Questions go to
// stderr so piped workflow output stays clean. autoApprove
// short-circuits every gate to yes.
func NewPrompt(autoApprove bool) *Prompt {
	return &Prompt{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stderr,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		autoApprove: autoApprove,
	}
}

// Approve implements tools.Approver for gated tool calls.
func (p *Prompt) Approve(ctx context.Context, req tools.ApprovalRequest) (bool, error) {
	if p.autoApprove {
		slog.Info("tool call auto-approved", "tool", req.Tool)
		return true, nil
	}
	if !p.interactive {
		slog.Warn("tool call denied: no interactive terminal", "tool", req.Tool)
		return false, nil
	}

	fmt.Fprintf(p.out, "\nTool call requires approval: %s\n", req.Tool)
	for _, k := range sortedKeys(req.Arguments) {
		fmt.Fprintf(p.out, "%s    %s: %v%s\n", colorDim, k, req.Arguments[k], colorReset)
	}

	ok, err := p.ask(ctx, "Allow this call? [y/N]: ")
	if err != nil {
		return false, err
	}
	slog.Info("tool approval decision", "tool", req.Tool, "approved", ok)
	return ok, nil
}

// Review implements workflow.PlanReviewer for plan gates. Without a
// terminal the plan is rejected unless auto-approve is on.
func (p *Prompt) Review(ctx context.Context, plan string) (bool, error) {
	if p.autoApprove {
		slog.Info("plan auto-approved")
		return true, nil
	}
	if !p.interactive {
		slog.Warn("plan review denied: no interactive terminal")
		return false, nil
	}

	fmt.Fprintf(p.out, "\nPlan awaiting review:\n\n%s\n\n", strings.TrimRight(plan, "\n"))

	ok, err := p.ask(ctx, "Approve this plan? [y/N]: ")
	if err != nil {
		return false, err
	}
	slog.Info("plan review decision", "approved", ok)
	return ok, nil
}

// ask poses a question and waits for an answer or for the context to
// end. Stdin reads cannot be interrupted, so the read runs in its own
// goroutine and a cancelled context abandons it.
func (p *Prompt) ask(ctx context.Context, question string) (bool, error) {
	type answer struct {
		yes bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		yes, err := p.readYesNo(question)
		ch <- answer{yes, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return false, a.err
		}
		p.echoDecision(a.yes)
		return a.yes, nil
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	}
}

// readYesNo keeps asking until it gets a usable answer. Empty input
// and EOF both mean no.
func (p *Prompt) readYesNo(question string) (bool, error) {
	for {
		fmt.Fprint(p.out, question)
		line, err := p.in.ReadString('\n')
		line = strings.TrimSpace(strings.ToLower(line))
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(p.out)
				return false, nil
			}
			return false, fmt.Errorf("failed to read input: %w", err)
		}

		switch line {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			fmt.Fprintln(p.out, "Please answer y or n.")
			if err != nil {
				return false, nil
			}
		}
	}
}

func (p *Prompt) echoDecision(yes bool) {
	if yes {
		fmt.Fprintf(p.out, "%s✓ approved%s\n", colorGreen, colorReset)
		return
	}
	fmt.Fprintf(p.out, "%s✗ denied%s\n", colorRed, colorReset)
}

func sortedKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ tools.Approver        = (*Prompt)(nil)
	_ workflow.PlanReviewer = (*Prompt)(nil)
)
