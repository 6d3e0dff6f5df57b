package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
)

func TestEngine_Run_Parallel(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:  config.WorkflowParallel,
		Steps: steps("analyst", "skeptic", "optimist"),
	}
	h := newHarness(t, wf, "analyst", "skeptic", "optimist")
	h.script("analyst", text("answer-analyst", 1))
	h.script("skeptic", text("answer-skeptic", 1))
	h.script("optimist", text("answer-optimist", 1))

	result, err := h.engine.Run(context.Background(), "evaluate the proposal")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Branch outputs combine in declaration order regardless of
	// completion order.
	if result.Output != `["answer-analyst","answer-skeptic","answer-optimist"]` {
		t.Fatalf("Output = %q", result.Output)
	}
	combined, ok := result.Value.([]string)
	if !ok || len(combined) != 3 {
		t.Fatalf("Value = %#v, want three branch responses", result.Value)
	}

	for _, id := range []string{"analyst", "skeptic", "optimist"} {
		prompt := h.client(id).prompt(0)
		if prompt[len(prompt)-1].Content != "evaluate the proposal" {
			t.Fatalf("%s did not receive the shared input: %+v", id, prompt)
		}
	}

	if got := len(filterEvents(result.Events, EventExecutorInvoked)); got != 3 {
		t.Fatalf("got %d executor_invoked events, want 3", got)
	}
	if got := len(filterEvents(result.Events, EventExecutorCompleted)); got != 3 {
		t.Fatalf("got %d executor_completed events, want 3", got)
	}
	if result.Events[0].Type != EventWorkflowStarted {
		t.Fatalf("stream starts with %s", result.Events[0].Type)
	}
	if last := result.Events[len(result.Events)-1]; last.Type != EventWorkflowOutput {
		t.Fatalf("stream ends with %s", last.Type)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(result.Outcomes))
	}
}

func TestEngine_Run_Parallel_BranchFailureFailsRun(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:  config.WorkflowParallel,
		Steps: steps("analyst", "skeptic"),
	}
	h := newHarness(t, wf, "analyst", "skeptic")
	h.script("analyst", text("answer-analyst", 1))
	h.failClient("skeptic", errors.New("model offline"))

	_, err := h.engine.Run(context.Background(), "evaluate")
	if err == nil {
		t.Fatal("expected the failing branch to fail the run")
	}
	if !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("error = %v", err)
	}
	if got := h.log.count(eventbus.WorkflowError); got != 1 {
		t.Fatalf("bus saw %d workflow_error events, want exactly 1", got)
	}
}

func TestEngine_Run_Parallel_SingleBranch(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:  config.WorkflowParallel,
		Steps: steps("analyst"),
	}
	h := newHarness(t, wf, "analyst")
	h.script("analyst", text("only-answer", 1))

	result, err := h.engine.Run(context.Background(), "evaluate")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != `["only-answer"]` {
		t.Fatalf("Output = %q, want a one-element aggregate", result.Output)
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(result.Outcomes))
	}
}
