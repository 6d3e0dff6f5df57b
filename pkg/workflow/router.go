package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

// routerStrategy dispatches the classifier first and treats its text
// output as the id of the target step. The comparison is
// trim(lowercase(output)) == lowercase(target id), in declaration
// order; the last declared target is the default. The target sees the
// original user input, never the classification.
type routerStrategy struct{}

func (routerStrategy) Kind() config.WorkflowKind { return config.WorkflowRouter }

func (routerStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if def.StartID == "" {
		errs = append(errs, fmt.Errorf("router workflow: start_id is required"))
	}
	targets := 0
	for i := range def.Steps {
		if def.Steps[i].ID != def.StartID {
			targets++
		}
	}
	if targets == 0 {
		errs = append(errs, fmt.Errorf("router workflow: at least one target step besides the classifier is required"))
	}
	errs = append(errs, rejectHumanSteps(config.WorkflowRouter, def)...)
	return errs
}

func (routerStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	var targets []config.WorkflowStep
	for i := range def.Steps {
		if def.Steps[i].ID != def.StartID {
			targets = append(targets, def.Steps[i])
		}
	}

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		decision, err := st.dispatch(ctx, def.StartID, b.Agents[def.StartID], st.conversation)
		if err != nil {
			return err
		}

		choice := strings.ToLower(strings.TrimSpace(decision.Value))
		target := targets[len(targets)-1]
		for _, t := range targets {
			if choice == strings.ToLower(t.ID) {
				target = t
				break
			}
		}
		st.event(Event{Type: EventWorkflowStatus, ExecutorID: def.StartID,
			Data: fmt.Sprintf("routing to step %q", target.ID)})

		result, err := st.dispatch(ctx, target.ID, b.Agents[target.ID],
			[]llms.Message{llms.NewUserMessage(st.input)})
		if err != nil {
			return err
		}
		st.event(Event{Type: EventWorkflowOutput, Data: result.Value})
		return nil
	}
	return g, nil
}
