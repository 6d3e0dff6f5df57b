package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// handoffStrategy starts at the coordinator and follows transfers.
// Each step's transitions are exposed to its agent as synthetic
// handoff_to_<id> tools; when an invocation ends without a transfer
// the run is done and that response is the output.
type handoffStrategy struct{}

func (handoffStrategy) Kind() config.WorkflowKind { return config.WorkflowHandoff }

func (handoffStrategy) Validate(def *config.WorkflowDefinition) []error {
	var errs []error
	if def.StartID == "" {
		errs = append(errs, fmt.Errorf("handoff workflow: start_id is required"))
	}
	transitions := 0
	for i := range def.Steps {
		transitions += len(def.Steps[i].Transitions)
	}
	if transitions == 0 {
		errs = append(errs, fmt.Errorf("handoff workflow: at least one transition is required"))
	}
	errs = append(errs, rejectHumanSteps(config.WorkflowHandoff, def)...)
	return errs
}

func (handoffStrategy) Build(def *config.WorkflowDefinition, b *Binding) (*Graph, error) {
	recorder := &handoffRecorder{}

	reg := tools.NewRegistry()
	registered := make(map[string]bool)
	executors := make(map[string]*agent.Agent, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]
		a := b.Agents[step.ID]
		if len(step.Transitions) == 0 {
			executors[step.ID] = a
			continue
		}

		clone := *a
		clone.Tools = append([]*tools.BoundTool(nil), a.Tools...)
		for _, target := range step.Transitions {
			name := handoffToolName(target)
			if !registered[name] {
				if err := reg.RegisterTool(&handoffTool{recorder: recorder, target: target}); err != nil {
					return nil, err
				}
				registered[name] = true
			}
			bt, err := reg.Callable(name, b.Bus)
			if err != nil {
				return nil, err
			}
			clone.Tools = append(clone.Tools, bt)
		}
		executors[step.ID] = &clone
	}

	g := newGraph(def, b)
	g.run = func(ctx context.Context, st *runState) error {
		var last *agent.RunResult
		for current := def.StartID; current != ""; {
			a, ok := executors[current]
			if !ok {
				return newError(string(def.Kind),
					fmt.Sprintf("transfer target %q does not name a step", current),
					errkind.ReferenceUnresolved, nil)
			}

			recorder.reset()
			result, err := st.dispatch(ctx, current, a, st.conversation)
			if err != nil {
				return err
			}
			st.conversation = append(st.conversation, result.Messages...)
			last = result
			current = recorder.take()
		}
		st.event(Event{Type: EventWorkflowOutput, Data: last.Value})
		return nil
	}
	return g, nil
}

func handoffToolName(target string) string { return "handoff_to_" + target }

// handoffRecorder captures the transfer target chosen during one
// dispatch. The first call wins; later calls are acknowledged without
// changing the target.
type handoffRecorder struct {
	mu     sync.Mutex
	target string
}

func (r *handoffRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = ""
}

func (r *handoffRecorder) record(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target != "" {
		return false
	}
	r.target = target
	return true
}

func (r *handoffRecorder) take() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.target
	r.target = ""
	return target
}

// handoffTool is the synthetic no-argument tool that records a
// transfer request.
type handoffTool struct {
	recorder *handoffRecorder
	target   string
}

func (t *handoffTool) Info() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        handoffToolName(t.target),
		Description: fmt.Sprintf("Transfer the conversation to %s. Call this when %s should take over.", t.target, t.target),
	}
}

func (t *handoffTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if !t.recorder.record(t.target) {
		return "a transfer was already requested; this call is ignored", nil
	}
	return fmt.Sprintf("control will transfer to %s", t.target), nil
}
