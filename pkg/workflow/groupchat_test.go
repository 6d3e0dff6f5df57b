package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

func TestEngine_Run_GroupChat(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:                 config.WorkflowGroupChat,
		Steps:                steps("researcher", "critic"),
		ManagerModelRef:      "manager-model",
		ManagerInstructions:  "Pick wisely.",
		TerminationCondition: "TERMINATE",
	}
	h := newHarness(t, wf, "researcher", "critic")
	h.scriptManager(text("researcher", 1), text("critic", 1))
	h.script("researcher", text("facts gathered", 2))
	h.script("critic", text("looks good TERMINATE", 2))

	result, err := h.engine.Run(context.Background(), "investigate the outage")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Output != "looks good TERMINATE" {
		t.Fatalf("Output = %q", result.Output)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(result.Outcomes))
	}

	// The manager chose a speaker twice and ran outside the executor
	// stream: only the two participants show up as invocations.
	if got := h.client("manager").callCount(); got != 2 {
		t.Fatalf("manager was called %d times, want 2", got)
	}
	if got := len(filterEvents(result.Events, EventExecutorInvoked)); got != 2 {
		t.Fatalf("got %d executor_invoked events, want 2", got)
	}

	// Selection prompts carry the roster and the transcript so far.
	managerPrompt := h.client("manager").prompt(0)
	ask := managerPrompt[len(managerPrompt)-1].Content
	if !strings.Contains(ask, "- researcher:") || !strings.Contains(ask, "- critic:") {
		t.Fatalf("selection prompt is missing the roster: %q", ask)
	}

	// The critic sees the researcher's contribution attributed by name.
	criticPrompt := h.client("critic").prompt(0)
	last := criticPrompt[len(criticPrompt)-1]
	if last.Content != "facts gathered" || last.Name != "researcher" {
		t.Fatalf("critic saw %+v, want the researcher's named message", last)
	}
}

func TestEngine_Run_GroupChat_MaxRoundsIsANormalStop(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:            config.WorkflowGroupChat,
		Steps:           steps("researcher", "critic"),
		ManagerModelRef: "manager-model",
		MaxRounds:       2,
	}
	h := newHarness(t, wf, "researcher", "critic")
	h.scriptManager(text("researcher", 1), text("researcher", 1))
	h.script("researcher", text("round one", 1), text("round two", 1))

	result, err := h.engine.Run(context.Background(), "discuss")
	if err != nil {
		t.Fatalf("hitting max_rounds should not fail the run: %v", err)
	}
	if result.Output != "round two" {
		t.Fatalf("Output = %q, want the last speaker's response", result.Output)
	}
	if got := h.client("manager").callCount(); got != 2 {
		t.Fatalf("manager was called %d times, want 2", got)
	}
}

func TestEngine_Run_GroupChat_TerminationKeywordInInputStillRunsARound(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:                 config.WorkflowGroupChat,
		Steps:                steps("researcher"),
		ManagerModelRef:      "manager-model",
		TerminationCondition: "done",
	}
	h := newHarness(t, wf, "researcher")
	h.scriptManager(text("researcher", 1))
	h.script("researcher", text("all done", 1))

	// The input mentions the keyword; only participant messages count,
	// so the chat still runs and ends after the first response.
	result, err := h.engine.Run(context.Background(), "mark this ticket done")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "all done" {
		t.Fatalf("Output = %q, want the speaker's response", result.Output)
	}
	if got := h.client("researcher").callCount(); got != 1 {
		t.Fatalf("researcher was called %d times, want exactly 1", got)
	}
	if got := h.client("manager").callCount(); got != 1 {
		t.Fatalf("manager was called %d times, want exactly 1", got)
	}
}

func TestEngine_Run_GroupChat_UnknownSpeaker(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:            config.WorkflowGroupChat,
		Steps:           steps("researcher"),
		ManagerModelRef: "manager-model",
	}
	h := newHarness(t, wf, "researcher")
	h.scriptManager(text("ghost", 1))

	_, err := h.engine.Run(context.Background(), "discuss")
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Fatalf("kind = %v, err = %v", errkind.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error does not name the bogus participant: %v", err)
	}
}

func TestEngine_Run_GroupChat_ManagerModelDefaultsToFirstParticipant(t *testing.T) {
	wf := &config.WorkflowDefinition{
		Kind:      config.WorkflowGroupChat,
		Steps:     steps("researcher"),
		MaxRounds: 1,
	}
	h := newHarness(t, wf, "researcher")
	// Manager and participant share the researcher's model; each client
	// keeps its own cursor over the same script.
	h.script("researcher", text("researcher", 1))

	result, err := h.engine.Run(context.Background(), "discuss")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "researcher" {
		t.Fatalf("Output = %q", result.Output)
	}
	if h.provider.created != 2 {
		t.Fatalf("created %d clients, want participant plus synthesized manager", h.provider.created)
	}
}
