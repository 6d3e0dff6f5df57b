package workflow

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// PlanReviewer decides whether a run may proceed past a gate: the
// generated plan of a magentic run, or the draft a sequential human
// step pauses on. Review blocks until a decision is made or ctx is
// cancelled.
type PlanReviewer interface {
	Review(ctx context.Context, plan string) (bool, error)
}

// AutoReviewer approves every gate. Headless runs use it when review
// is enabled without a terminal.
type AutoReviewer struct{}

func (AutoReviewer) Review(ctx context.Context, plan string) (bool, error) { return true, nil }

// Binding carries the resolved participants a strategy builds over.
// Agents is keyed by step id; Manager is set when the definition
// declares (or the kind implies) a manager model.
type Binding struct {
	Agents   map[string]*agent.Agent
	Manager  *agent.Agent
	Fallback *agent.Agent
	Bus      *eventbus.Bus
	Reviewer PlanReviewer
}

// Strategy turns a validated definition into a runnable graph.
type Strategy interface {
	// Kind returns the workflow kind this strategy serves.
	Kind() config.WorkflowKind

	// Validate reports every structural violation, not just the
	// first. A definition with violations is never built.
	Validate(def *config.WorkflowDefinition) []error

	// Build assembles the executor graph over the resolved binding.
	Build(def *config.WorkflowDefinition, binding *Binding) (*Graph, error)
}

// StrategyRegistry holds strategies keyed by workflow kind.
type StrategyRegistry struct {
	*registry.BaseRegistry[Strategy]
}

// NewStrategyRegistry creates a registry with the built-in strategies
// registered.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{
		BaseRegistry: registry.NewBaseRegistry[Strategy](),
	}
	for _, s := range []Strategy{
		&sequentialStrategy{},
		&parallelStrategy{},
		&groupChatStrategy{},
		&handoffStrategy{},
		&routerStrategy{},
		&magenticStrategy{},
	} {
		_ = r.Register(string(s.Kind()), s)
	}
	return r
}

// RegisterStrategy adds a strategy under its kind, replacing any
// existing registration.
func (r *StrategyRegistry) RegisterStrategy(s Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy cannot be nil")
	}
	if s.Kind() == "" {
		return fmt.Errorf("strategy kind cannot be empty")
	}
	return r.Replace(string(s.Kind()), s)
}

// rejectHumanSteps flags human steps for the strategies that have no
// place to gate them.
func rejectHumanSteps(kind config.WorkflowKind, def *config.WorkflowDefinition) []error {
	var errs []error
	for i := range def.Steps {
		if def.Steps[i].Kind == config.StepHuman {
			errs = append(errs, fmt.Errorf("%s workflow: step %q: human steps are only supported in sequential workflows",
				kind, def.Steps[i].ID))
		}
	}
	return errs
}
