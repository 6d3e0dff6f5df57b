package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

// parallelStrategy fans the same input out to every step and combines
// the branch responses into a list, preserving declaration order. The
// fan nodes are pure plumbing and emit no executor events.
type parallelStrategy struct{}

func (parallelStrategy) Kind() config.WorkflowKind { return config.WorkflowParallel }

func (parallelStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("parallel workflow: at least one step is required"))
	}
	if len(def.Steps) == 1 {
		slog.Warn("parallel workflow has a single step; sequential would behave identically")
	}
	errs = append(errs, rejectHumanSteps(config.WorkflowParallel, def)...)
	return errs
}

func (parallelStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	steps := def.Steps

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		inbound := append([]llms.Message(nil), st.conversation...)
		results := make([]*agent.RunResult, len(steps))

		eg, gctx := errgroup.WithContext(ctx)
		for i := range steps {
			step := steps[i]
			eg.Go(func() error {
				result, err := st.dispatch(gctx, step.ID, b.Agents[step.ID], inbound)
				if err != nil {
					return err
				}
				results[i] = result
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		combined := make([]string, len(results))
		for i, r := range results {
			combined[i] = r.Value
		}
		st.event(Event{Type: EventWorkflowOutput, Data: combined})
		return nil
	}
	return g, nil
}
