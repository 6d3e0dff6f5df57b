// Package runner executes one configured agent without a declared
// workflow.
//
// The degenerate single-agent case needs no orchestration of its own:
// the runner wraps the agent in a one-step sequential definition and
// hands it to the workflow engine, which keeps the output rules, the
// event stream and the bus traffic identical to a declared workflow.
package runner

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

// Runner runs single agents from the configuration.
type Runner struct {
	cfg     *config.Config
	factory *agent.Factory
	bus     *eventbus.Bus
}

// New creates a runner over the configuration's agents.
func New(cfg *config.Config, factory *agent.Factory, bus *eventbus.Bus) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	return &Runner{cfg: cfg, factory: factory, bus: bus}, nil
}

// Run executes the agent to completion. An empty agentID selects the
// configuration's only agent.
func (r *Runner) Run(ctx context.Context, agentID, input string) (*workflow.Result, error) {
	engine, err := r.engine(agentID)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, input)
}

// RunStreaming executes the agent while exposing the engine's event
// stream. The channel closes after the terminal event.
func (r *Runner) RunStreaming(ctx context.Context, agentID, input string) (<-chan workflow.Event, error) {
	engine, err := r.engine(agentID)
	if err != nil {
		return nil, err
	}
	return engine.RunStreaming(ctx, input)
}

// engine wraps the agent in a one-step sequential definition. The
// derived config shadows only the workflow; resources and agents are
// shared.
func (r *Runner) engine(agentID string) (*workflow.Engine, error) {
	id, err := r.resolve(agentID)
	if err != nil {
		return nil, err
	}

	derived := *r.cfg
	derived.Workflow = &config.WorkflowDefinition{
		Kind: config.WorkflowSequential,
		Steps: []config.WorkflowStep{
			{ID: id, Kind: config.StepAgent, AgentID: id},
		},
	}
	return workflow.NewEngine(&derived, r.factory, nil, r.bus)
}

func (r *Runner) resolve(agentID string) (string, error) {
	if agentID != "" {
		if _, ok := r.cfg.GetAgent(agentID); !ok {
			return "", newError(agentID, "not declared", errkind.ReferenceUnresolved)
		}
		return agentID, nil
	}

	switch len(r.cfg.Agents) {
	case 0:
		return "", newError("", "no agents declared", errkind.ConfigInvalid)
	case 1:
		return r.cfg.Agents[0].ID, nil
	default:
		return "", newError("", fmt.Sprintf("%d agents declared; name one", len(r.cfg.Agents)),
			errkind.ConfigInvalid)
	}
}
