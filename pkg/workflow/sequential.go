package workflow

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

// sequentialStrategy connects steps in declaration order over a
// growing conversation. The terminal step emits the conversation as
// the run's output. Human steps pause the run on the reviewer.
type sequentialStrategy struct{}

func (sequentialStrategy) Kind() config.WorkflowKind { return config.WorkflowSequential }

func (sequentialStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("sequential workflow: at least one step is required"))
	}
	return errs
}

func (sequentialStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	steps := orderedSteps(def)
	for _, step := range steps {
		if step.Kind == config.StepHuman && b.Reviewer == nil {
			return nil, newError(string(def.Kind),
				fmt.Sprintf("step %q: human steps need a reviewer", step.ID),
				errkind.ConfigInvalid, nil)
		}
	}

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		for _, step := range steps {
			if step.Kind == config.StepHuman {
				if err := reviewGate(ctx, st, step.ID); err != nil {
					return err
				}
				continue
			}
			result, err := st.dispatch(ctx, step.ID, b.Agents[step.ID], st.conversation)
			if err != nil {
				return err
			}
			st.conversation = append(st.conversation, result.Messages...)
		}
		st.event(Event{Type: EventWorkflowOutput,
			Data: append([]llms.Message(nil), st.conversation...)})
		return nil
	}
	return g, nil
}

// orderedSteps resolves the execution order: declaration order, or
// the next_id chain when the definition links steps explicitly. The
// chain starts at start_id (or the first step) and stops at the first
// step without a successor or at a repeat.
func orderedSteps(def *config.WorkflowDefinition) []config.WorkflowStep {
	chained := false
	for i := range def.Steps {
		if def.Steps[i].NextID != "" {
			chained = true
			break
		}
	}
	if !chained || len(def.Steps) == 0 {
		return def.Steps
	}

	index := make(map[string]config.WorkflowStep, len(def.Steps))
	for _, s := range def.Steps {
		index[s.ID] = s
	}
	startID := def.StartID
	if startID == "" {
		startID = def.Steps[0].ID
	}

	ordered := make([]config.WorkflowStep, 0, len(def.Steps))
	seen := make(map[string]bool, len(def.Steps))
	for id := startID; id != "" && !seen[id]; {
		step, ok := index[id]
		if !ok {
			break
		}
		seen[id] = true
		ordered = append(ordered, step)
		id = step.NextID
	}
	return ordered
}

// reviewGate blocks a human step on the reviewer's decision over the
// newest message. Gates do not count against the dispatch budget.
func reviewGate(ctx context.Context, st *runState, stepID string) error {
	st.event(Event{Type: EventWorkflowStatus, ExecutorID: stepID,
		Data: fmt.Sprintf("step %q waiting for human review", stepID)})

	approved, err := st.graph.reviewer.Review(ctx, latestText(st.conversation))
	if err != nil {
		return newError(string(st.graph.Kind),
			fmt.Sprintf("step %q: review failed", stepID), errkind.Unknown, err)
	}
	if !approved {
		return newError(string(st.graph.Kind),
			fmt.Sprintf("step %q: rejected by reviewer", stepID), errkind.Cancelled, nil)
	}

	st.event(Event{Type: EventWorkflowStatus, ExecutorID: stepID,
		Data: fmt.Sprintf("step %q approved", stepID)})
	return nil
}
