package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

func magenticDefinition(mutate func(*config.WorkflowDefinition)) *config.WorkflowDefinition {
	wf := &config.WorkflowDefinition{
		Kind:            config.WorkflowMagentic,
		Steps:           steps("solver"),
		ManagerModelRef: "manager-model",
	}
	if mutate != nil {
		mutate(wf)
	}
	return wf
}

const solverDecision = `{"next_speaker":"solver","instruction":"Do the work","satisfied":false,"progress":true}`

func TestEngine_Run_Magentic(t *testing.T) {
	h := newHarness(t, magenticDefinition(nil), "solver")
	h.scriptManager(
		text("Facts: the task is simple", 1),
		text("1. solver does the work", 1),
		text("Sure thing: "+solverDecision, 1),
		text(`{"satisfied":true}`, 1),
		text("The answer is 42", 1),
	)
	h.script("solver", text("work done", 2))

	result, err := h.engine.Run(context.Background(), "compute the answer")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Output != "The answer is 42" {
		t.Fatalf("Output = %q", result.Output)
	}
	// facts, plan, two round decisions, final answer.
	if got := h.client("manager").callCount(); got != 5 {
		t.Fatalf("manager was called %d times, want 5", got)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].ExecutorID != "solver" {
		t.Fatalf("outcomes = %+v", result.Outcomes)
	}

	// The ledger primes the manager with the task, then the roster.
	factsPrompt := h.client("manager").prompt(0)
	if !strings.Contains(factsPrompt[len(factsPrompt)-1].Content, "compute the answer") {
		t.Fatalf("facts prompt = %+v", factsPrompt)
	}
	planPrompt := h.client("manager").prompt(1)
	if !strings.Contains(planPrompt[len(planPrompt)-1].Content, "- solver:") {
		t.Fatalf("plan prompt is missing the roster: %+v", planPrompt)
	}

	// The speaker sees the installed ledger and the round instruction.
	solverPrompt := h.client("solver").prompt(0)
	if len(solverPrompt) != 4 {
		t.Fatalf("solver prompt has %d messages: %+v", len(solverPrompt), solverPrompt)
	}
	if !strings.Contains(solverPrompt[2].Content, "1. solver does the work") {
		t.Fatalf("solver never saw the plan: %+v", solverPrompt[2])
	}
	if solverPrompt[3].Content != "Do the work" {
		t.Fatalf("solver instruction = %q", solverPrompt[3].Content)
	}
}

func TestEngine_Run_Magentic_FinalAnswerEscapeHatch(t *testing.T) {
	h := newHarness(t, magenticDefinition(nil), "solver")
	h.scriptManager(
		text("Facts: none", 1),
		text("1. answer directly", 1),
		text("FINAL ANSWER: everything works", 1),
	)

	result, err := h.engine.Run(context.Background(), "status?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "everything works" {
		t.Fatalf("Output = %q", result.Output)
	}
	if got := h.client("manager").callCount(); got != 3 {
		t.Fatalf("manager was called %d times, want 3 (no separate final turn)", got)
	}
	if got := h.client("solver").callCount(); got != 0 {
		t.Fatalf("solver was called %d times, want 0", got)
	}
}

func TestEngine_Run_Magentic_PlanReviewApproved(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.EnablePlanReview = true })
	h := newHarness(t, wf, "solver")
	reviewer := &stubReviewer{approve: true}
	h.engine.SetReviewer(reviewer)
	h.scriptManager(
		text("Facts: none", 1),
		text("1. solver does the work", 1),
		text("FINAL ANSWER: done", 1),
	)

	result, err := h.engine.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reviewer.saw) != 1 || reviewer.saw[0] != "1. solver does the work" {
		t.Fatalf("reviewer saw %q", reviewer.saw)
	}

	statuses := filterEvents(result.Events, EventWorkflowStatus)
	if len(statuses) != 2 {
		t.Fatalf("got %d workflow_status events, want awaiting plus approved", len(statuses))
	}
	if !strings.Contains(OutputText(statuses[0].Data), "plan awaiting review") {
		t.Fatalf("first status = %v", statuses[0].Data)
	}
}

func TestEngine_Run_Magentic_PlanReviewRejected(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.EnablePlanReview = true })
	h := newHarness(t, wf, "solver")
	h.engine.SetReviewer(&stubReviewer{approve: false})
	h.scriptManager(
		text("Facts: none", 1),
		text("1. solver does the work", 1),
	)

	_, err := h.engine.Run(context.Background(), "task")
	if errkind.KindOf(err) != errkind.Cancelled {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
	// Nothing past the ledger ran.
	if got := h.client("manager").callCount(); got != 2 {
		t.Fatalf("manager was called %d times, want 2", got)
	}
	if got := h.client("solver").callCount(); got != 0 {
		t.Fatalf("solver was called %d times, want 0", got)
	}
}

func TestEngine_Run_Magentic_PlanReviewNeedsReviewer(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.EnablePlanReview = true })
	h := newHarness(t, wf, "solver")

	_, err := h.engine.Run(context.Background(), "task")
	if errkind.KindOf(err) != errkind.ConfigInvalid {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
}

func TestEngine_Run_Magentic_StallTriggersReplan(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.MaxStall = 1 })
	h := newHarness(t, wf, "solver")
	h.scriptManager(
		text("Facts: none", 1),
		text("plan A", 1),
		text(`{"next_speaker":"solver","instruction":"try","satisfied":false,"progress":false}`, 1),
		text("plan B", 1),
		text("FINAL ANSWER: recovered", 1),
	)
	h.script("solver", text("no luck", 1))

	result, err := h.engine.Run(context.Background(), "tricky task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "recovered" {
		t.Fatalf("Output = %q", result.Output)
	}

	var replanned bool
	for _, ev := range filterEvents(result.Events, EventWorkflowStatus) {
		if strings.Contains(OutputText(ev.Data), "replanning") {
			replanned = true
		}
	}
	if !replanned {
		t.Fatal("no replanning status event")
	}

	// The second decision runs against the reinstalled ledger, not the
	// stalled transcript.
	decisionPrompt := h.client("manager").prompt(4)
	if !strings.Contains(decisionPrompt[2].Content, "plan B") {
		t.Fatalf("post-replan decision prompt = %+v", decisionPrompt)
	}
}

func TestEngine_Run_Magentic_GarbageDecisionCountsAsStall(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.MaxStall = 1 })
	h := newHarness(t, wf, "solver")
	h.scriptManager(
		text("Facts: none", 1),
		text("plan A", 1),
		text("i am not sure what to do", 1),
		text("plan B", 1),
		text("FINAL ANSWER: sorted", 1),
	)

	result, err := h.engine.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "sorted" {
		t.Fatalf("Output = %q", result.Output)
	}
	if got := h.client("solver").callCount(); got != 0 {
		t.Fatalf("solver was called %d times, want 0", got)
	}
}

func TestEngine_Run_Magentic_BoundedReplans(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.MaxStall = 1 })
	h := newHarness(t, wf, "solver")
	stalling := text(`{"next_speaker":"solver","instruction":"try again","satisfied":false,"progress":false}`, 1)
	h.scriptManager(
		text("Facts: none", 1),
		text("plan A", 1),
		stalling,
		text("plan B", 1),
		stalling,
		text("plan C", 1),
		stalling,
	)
	h.script("solver", text("no luck", 1), text("still no luck", 1), text("nope", 1))

	_, err := h.engine.Run(context.Background(), "impossible task")
	if errkind.KindOf(err) != errkind.IterationBudgetExhausted {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "stalled") {
		t.Fatalf("err = %v", err)
	}
	if got := h.client("solver").callCount(); got != 3 {
		t.Fatalf("solver was called %d times, want 3", got)
	}
}

func TestEngine_Run_Magentic_RoundBudget(t *testing.T) {
	wf := magenticDefinition(func(wf *config.WorkflowDefinition) { wf.MaxRounds = 1 })
	h := newHarness(t, wf, "solver")
	h.scriptManager(
		text("Facts: none", 1),
		text("plan A", 1),
		text(solverDecision, 1),
	)
	h.script("solver", text("partial progress", 1))

	_, err := h.engine.Run(context.Background(), "big task")
	if errkind.KindOf(err) != errkind.IterationBudgetExhausted {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "round budget") {
		t.Fatalf("err = %v", err)
	}
}

func TestEngine_Run_Magentic_UnknownSpeaker(t *testing.T) {
	h := newHarness(t, magenticDefinition(nil), "solver")
	h.scriptManager(
		text("Facts: none", 1),
		text("plan A", 1),
		text(`{"next_speaker":"ghost","instruction":"go","satisfied":false,"progress":true}`, 1),
	)

	_, err := h.engine.Run(context.Background(), "task")
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
}
