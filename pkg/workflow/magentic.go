package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

const (
	defaultMaxStall = 3

	// maxReplans bounds how often a stalled run may draft a fresh
	// plan before escalating.
	maxReplans = 2
)

const (
	magenticFactsPrompt = "Task:\n%s\n\n" +
		"Before planning, list the given facts, the facts to look up, the facts to derive and any educated guesses relevant to this task."

	magenticPlanPrompt = "Known facts:\n%s\n\n" +
		"Devise a short step-by-step plan for the team below. Address each participant by id.\nTeam:\n%s"

	magenticReplanPrompt = "The team is stalling. Known facts:\n%s\n\nPrevious plan:\n%s\n\n" +
		"Revise the facts if needed and produce a new plan for the team below that avoids the earlier mistakes.\nTeam:\n%s"

	magenticDecisionPrompt = "Review the conversation and decide what happens next.\nTeam:\n%s\n\n" +
		"Respond with a JSON object:\n" +
		`{"next_speaker": "<participant id>", "instruction": "<what they should do>", ` +
		`"satisfied": <true when the task is fully resolved>, "progress": <true when the last turn moved the task forward>}`

	magenticFinalPrompt = "The task is satisfied. Compose the final answer to the original task:\n%s"
)

// magenticStrategy drives a manager-led orchestration with a task
// ledger. The manager gathers facts, drafts a plan, then each round
// either picks the next speaker with an instruction or declares the
// task satisfied. Stalled rounds trigger a replan; bounded replans
// and the round budget stop runaway runs.
type magenticStrategy struct{}

func (magenticStrategy) Kind() config.WorkflowKind { return config.WorkflowMagentic }

func (magenticStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("magentic workflow: at least one step is required"))
	}
	if def.ManagerModelRef == "" {
		errs = append(errs, fmt.Errorf("magentic workflow: manager_model_ref is required"))
	}
	errs = append(errs, rejectHumanSteps(config.WorkflowMagentic, def)...)
	return errs
}

func (magenticStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	if b.Manager == nil {
		return nil, newError(string(def.Kind), "no manager agent resolved", errkind.ConfigInvalid, nil)
	}
	if def.EnablePlanReview && b.Reviewer == nil {
		return nil, newError(string(def.Kind), "plan review enabled but no reviewer is wired",
			errkind.ConfigInvalid, nil)
	}

	steps := def.Steps
	rounds := def.MaxRounds
	if rounds <= 0 {
		rounds = defaultMaxRounds
	}
	maxStall := def.MaxStall
	if maxStall <= 0 {
		maxStall = defaultMaxStall
	}

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		roster := rosterLines(steps, b.Agents)

		ledger, err := newTaskLedger(ctx, st, b.Manager, roster)
		if err != nil {
			return err
		}
		if def.EnablePlanReview {
			if err := reviewMagenticPlan(ctx, st, ledger.plan); err != nil {
				return err
			}
		}
		ledger.install(st)

		stalls := 0
		for round := 1; round <= rounds; round++ {
			verdict, err := askManager(ctx, b.Manager, st.conversation, fmt.Sprintf(magenticDecisionPrompt, roster))
			if err != nil {
				return err
			}

			decision, ok := parseDecision(verdict.Value)
			if !ok {
				stalls++
			} else {
				if decision.Satisfied || decision.finalAnswer != "" {
					final := decision.finalAnswer
					if final == "" {
						answer, err := askManager(ctx, b.Manager, st.conversation,
							fmt.Sprintf(magenticFinalPrompt, st.input))
						if err != nil {
							return err
						}
						final = answer.Value
					}
					st.event(Event{Type: EventWorkflowOutput, Data: final})
					return nil
				}

				if decision.Progress {
					stalls = 0
				} else {
					stalls++
				}

				speaker, ok := b.Agents[decision.NextSpeaker]
				if !ok {
					return newError(string(def.Kind),
						fmt.Sprintf("manager selected unknown participant %q", decision.NextSpeaker),
						errkind.ReferenceUnresolved, nil)
				}
				instruction := decision.Instruction
				if instruction == "" {
					instruction = "Continue the task."
				}
				st.conversation = append(st.conversation, llms.NewUserMessage(instruction))

				result, err := st.dispatch(ctx, decision.NextSpeaker, speaker, st.conversation)
				if err != nil {
					return err
				}
				for i := range result.Messages {
					if result.Messages[i].Role == llms.RoleAssistant {
						result.Messages[i].Name = speaker.Name
					}
				}
				st.conversation = append(st.conversation, result.Messages...)
			}

			if stalls >= maxStall {
				if ledger.replans >= maxReplans {
					return newError(string(def.Kind),
						fmt.Sprintf("stalled after %d replans", ledger.replans),
						errkind.IterationBudgetExhausted, nil)
				}
				if err := ledger.replan(ctx, st, b.Manager, roster); err != nil {
					return err
				}
				ledger.install(st)
				stalls = 0
			}
		}

		return newError(string(def.Kind),
			fmt.Sprintf("round budget of %d exhausted", rounds),
			errkind.IterationBudgetExhausted, nil)
	}
	return g, nil
}

// taskLedger is the manager's working memory for one run.
type taskLedger struct {
	task    string
	facts   string
	plan    string
	replans int
}

// newTaskLedger asks the manager for the fact sheet and the initial
// plan. Manager turns emit no executor events.
func newTaskLedger(ctx context.Context, st *runState, manager *agent.Agent, roster string) (*taskLedger, error) {
	ledger := &taskLedger{task: st.input}

	facts, err := askManager(ctx, manager, st.conversation, fmt.Sprintf(magenticFactsPrompt, ledger.task))
	if err != nil {
		return nil, err
	}
	ledger.facts = facts.Value

	plan, err := askManager(ctx, manager, st.conversation, fmt.Sprintf(magenticPlanPrompt, ledger.facts, roster))
	if err != nil {
		return nil, err
	}
	ledger.plan = plan.Value
	return ledger, nil
}

// replan drafts a fresh plan after a stall and counts the attempt.
func (l *taskLedger) replan(ctx context.Context, st *runState, manager *agent.Agent, roster string) error {
	st.event(Event{Type: EventWorkflowStatus, Data: "replanning after stalled rounds"})

	plan, err := askManager(ctx, manager, st.conversation,
		fmt.Sprintf(magenticReplanPrompt, l.facts, l.plan, roster))
	if err != nil {
		return err
	}
	l.plan = plan.Value
	l.replans++
	return nil
}

// install resets the conversation to the task and the current plan,
// dropping the turns that led nowhere.
func (l *taskLedger) install(st *runState) {
	st.conversation = []llms.Message{
		llms.NewUserMessage(l.task),
		llms.NewAssistantMessage(fmt.Sprintf("Plan:\n%s", l.plan)),
	}
}

// reviewMagenticPlan surfaces the plan and blocks on the reviewer.
func reviewMagenticPlan(ctx context.Context, st *runState, plan string) error {
	st.event(Event{Type: EventWorkflowStatus, Data: fmt.Sprintf("plan awaiting review:\n%s", plan)})

	approved, err := st.graph.reviewer.Review(ctx, plan)
	if err != nil {
		return newError(string(st.graph.Kind), "plan review failed", errkind.Unknown, err)
	}
	if !approved {
		return newError(string(st.graph.Kind), "plan rejected by reviewer", errkind.Cancelled, nil)
	}

	st.event(Event{Type: EventWorkflowStatus, Data: "plan approved"})
	return nil
}

// managerDecision is the JSON verdict the manager returns each round.
type managerDecision struct {
	NextSpeaker string `json:"next_speaker"`
	Instruction string `json:"instruction"`
	Satisfied   bool   `json:"satisfied"`
	Progress    bool   `json:"progress"`

	// finalAnswer is set when the manager skipped the JSON form and
	// wrote FINAL ANSWER: <text> instead.
	finalAnswer string
}

// parseDecision tolerates prose around the JSON object and a bare
// FINAL ANSWER escape hatch. A false return means the round counts as
// a stall.
func parseDecision(text string) (*managerDecision, bool) {
	if idx := strings.Index(text, "FINAL ANSWER"); idx >= 0 {
		answer := strings.TrimLeft(text[idx+len("FINAL ANSWER"):], ": \t\n")
		return &managerDecision{Satisfied: true, finalAnswer: strings.TrimSpace(answer)}, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	var decision managerDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &decision); err != nil {
		return nil, false
	}
	if !decision.Satisfied && decision.NextSpeaker == "" {
		return nil, false
	}
	return &decision, true
}
