package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

const eventBufferSize = 100

const defaultManagerInstructions = "You coordinate a team of agents. " +
	"Follow the task, weigh each participant's role and answer exactly what you are asked: " +
	"a participant id, a plan, or a decision."

// Engine builds the configured workflow and runs it.
//
// A graph and its agents serve exactly one run: the engine rebuilds
// on the next run and resets the factory in between, so no model
// client or conversation state leaks across runs.
type Engine struct {
	cfg        *config.Config
	factory    *agent.Factory
	strategies *StrategyRegistry
	bus        *eventbus.Bus

	mu       sync.Mutex
	reviewer PlanReviewer
	graph    *Graph
}

// NewEngine creates an engine over the shared runtime services. A nil
// strategies registry gets the built-in strategies; a nil bus
// disables lifecycle mirroring.
func NewEngine(cfg *config.Config, factory *agent.Factory, strategies *StrategyRegistry, bus *eventbus.Bus) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workflow engine requires a config")
	}
	if factory == nil {
		return nil, fmt.Errorf("workflow engine requires an agent factory")
	}
	if strategies == nil {
		strategies = NewStrategyRegistry()
	}
	return &Engine{cfg: cfg, factory: factory, strategies: strategies, bus: bus}, nil
}

// SetReviewer wires the gate consulted by human steps and magentic
// plan review.
func (e *Engine) SetReviewer(r PlanReviewer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reviewer = r
}

// Build resolves agents and assembles the strategy graph. Run and
// RunStreaming build lazily; calling Build up front surfaces
// configuration errors early.
func (e *Engine) Build() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph != nil {
		return nil
	}
	g, err := e.build()
	if err != nil {
		return err
	}
	e.graph = g
	return nil
}

// Run executes the workflow to completion over the user input.
func (e *Engine) Run(ctx context.Context, input string) (*Result, error) {
	g, err := e.takeGraph()
	if err != nil {
		return nil, err
	}
	defer e.finish()

	started := time.Now()
	var events []Event
	outcomes, err := e.execute(ctx, g, input, func(ev Event) { events = append(events, ev) })
	if err != nil {
		return nil, err
	}

	result := &Result{
		Events:   events,
		Outcomes: outcomes,
		Duration: time.Since(started),
	}
	for _, o := range outcomes {
		if o.Result != nil {
			result.TokensUsed += o.Result.TokensUsed
		}
	}
	result.Value, result.Output = extractOutput(events, outcomes)
	return result, nil
}

// RunStreaming executes the workflow while yielding events as they
// are produced. The channel is closed when the run ends; a failed
// run's last event is workflow_error.
func (e *Engine) RunStreaming(ctx context.Context, input string) (<-chan Event, error) {
	g, err := e.takeGraph()
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBufferSize)
	go func() {
		defer close(events)
		defer e.finish()
		_, _ = e.execute(ctx, g, input, func(ev Event) { events <- ev })
	}()
	return events, nil
}

// execute drives one run: the workflow_started event, the graph, the
// single terminal workflow_error on failure, tracing and metrics.
// sink receives every stream event in emission order; bus mirroring
// happens underneath it.
func (e *Engine) execute(ctx context.Context, g *Graph, input string, sink func(Event)) ([]*Outcome, error) {
	var mu sync.Mutex
	emit := func(ev Event) {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		mu.Lock()
		sink(ev)
		mu.Unlock()
		e.mirror(ev)
	}

	tracer := observability.GetTracer("ensemble.workflow")
	ctx, span := tracer.Start(ctx, observability.SpanWorkflowRun,
		trace.WithAttributes(attribute.String(observability.AttrWorkflowKind, string(g.Kind))))
	defer span.End()

	started := time.Now()
	emit(Event{Type: EventWorkflowStarted, Data: string(g.Kind)})

	outcomes, err := g.Execute(ctx, input, emit)
	observability.GetGlobalMetrics().RecordWorkflowRun(ctx, string(g.Kind), time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emit(Event{Type: EventWorkflowError, Data: err.Error(), Err: err})
		return outcomes, err
	}
	return outcomes, nil
}

// mirror forwards stream events to bus subscribers under the
// lifecycle vocabulary.
func (e *Engine) mirror(ev Event) {
	if e.bus == nil {
		return
	}
	switch ev.Type {
	case EventWorkflowStarted:
		e.bus.Emit(eventbus.NewEvent(eventbus.WorkflowStart, map[string]any{
			"workflow_kind": stringify(ev.Data),
		}))
	case EventExecutorInvoked:
		e.bus.Emit(eventbus.NewEvent(eventbus.AgentStart, map[string]any{
			"executor_id": ev.ExecutorID,
			"agent_name":  ev.AgentName,
		}))
	case EventAgentRunUpdate:
		e.bus.Emit(eventbus.NewEvent(eventbus.AgentResponse, map[string]any{
			"executor_id": ev.ExecutorID,
			"agent_name":  ev.AgentName,
			"chunk":       ev.Chunk,
		}))
	case EventExecutorCompleted:
		e.bus.Emit(eventbus.NewEvent(eventbus.WorkflowStep, map[string]any{
			"executor_id": ev.ExecutorID,
			"agent_name":  ev.AgentName,
			"result":      ev.Data,
		}))
	case EventWorkflowOutput:
		e.bus.Emit(eventbus.NewEvent(eventbus.WorkflowComplete, map[string]any{
			"output": ev.Data,
		}))
	case EventWorkflowStatus:
		e.bus.Emit(eventbus.NewEvent(eventbus.WorkflowStep, map[string]any{
			"executor_id": ev.ExecutorID,
			"status":      stringify(ev.Data),
		}))
	case EventWorkflowError:
		if errkind.KindOf(ev.Err) == errkind.Cancelled {
			e.bus.Emit(eventbus.NewCancellationError(stringify(ev.Data)))
			return
		}
		e.bus.Emit(eventbus.NewWorkflowError(stringify(ev.Data)))
	}
}

// takeGraph hands out the built graph, building lazily. The graph is
// removed from the engine so every run gets a fresh build.
func (e *Engine) takeGraph() (*Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph != nil {
		g := e.graph
		e.graph = nil
		return g, nil
	}
	return e.build()
}

// finish discards per-run state so the next run starts clean.
func (e *Engine) finish() {
	e.factory.Reset()
}

// build looks the strategy up, validates the definition and assembles
// the graph over the resolved binding. Validation violations are
// accumulated, never reported one at a time.
func (e *Engine) build() (*Graph, error) {
	def := e.cfg.Workflow
	if def == nil {
		return nil, newError("", "no workflow declared", errkind.ConfigInvalid, nil)
	}

	strategy, ok := e.strategies.Get(string(def.Kind))
	if !ok {
		return nil, newError(string(def.Kind),
			fmt.Sprintf("unrecognised workflow kind %q", def.Kind), errkind.ConfigInvalid, nil)
	}
	if errs := strategy.Validate(def); len(errs) > 0 {
		return nil, newError(string(def.Kind), "definition invalid",
			errkind.ConfigInvalid, errors.Join(errs...))
	}

	binding, err := e.bind(def)
	if err != nil {
		return nil, err
	}
	return strategy.Build(def, binding)
}

// bind resolves every participant the definition names.
func (e *Engine) bind(def *config.WorkflowDefinition) (*Binding, error) {
	binding := &Binding{
		Agents:   make(map[string]*agent.Agent, len(def.Steps)),
		Bus:      e.bus,
		Reviewer: e.reviewer,
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Kind == config.StepHuman {
			continue
		}
		a, err := e.factory.Agent(step.AgentID)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.ID, err)
		}
		binding.Agents[step.ID] = a.WithInputTemplate(step.InputTemplate)
	}

	if ref := e.managerModelRef(def); ref != "" {
		instructions := def.ManagerInstructions
		if instructions == "" {
			instructions = defaultManagerInstructions
		}
		m, err := e.factory.Synthetic("manager", ref, instructions)
		if err != nil {
			return nil, fmt.Errorf("manager: %w", err)
		}
		binding.Manager = m
	}

	if def.FallbackAgentID != "" {
		fb, err := e.factory.Agent(def.FallbackAgentID)
		if err != nil {
			return nil, fmt.Errorf("fallback agent: %w", err)
		}
		binding.Fallback = fb
	}
	return binding, nil
}

// managerModelRef picks the manager's model: the declared ref, or the
// first participant's model for group chats without one.
func (e *Engine) managerModelRef(def *config.WorkflowDefinition) string {
	if def.ManagerModelRef != "" {
		return def.ManagerModelRef
	}
	if def.Kind != config.WorkflowGroupChat {
		return ""
	}
	for i := range def.Steps {
		if def.Steps[i].AgentID == "" {
			continue
		}
		if a, ok := e.cfg.GetAgent(def.Steps[i].AgentID); ok {
			return a.ModelRef
		}
	}
	return ""
}
