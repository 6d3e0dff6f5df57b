package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

const defaultMaxIterations = 50

// Graph is a built, runnable workflow. Graphs are single-use: the
// engine discards them after each run together with their agents.
type Graph struct {
	Kind          config.WorkflowKind
	MaxIterations int

	fallback *agent.Agent
	bus      *eventbus.Bus
	reviewer PlanReviewer

	run func(ctx context.Context, st *runState) error
}

// newGraph seeds the shared fields every strategy needs.
func newGraph(def *config.WorkflowDefinition, b *Binding) *Graph {
	limit := def.MaxIterations
	if limit <= 0 {
		limit = defaultMaxIterations
	}
	return &Graph{
		Kind:          def.Kind,
		MaxIterations: limit,
		fallback:      b.Fallback,
		bus:           b.Bus,
		reviewer:      b.Reviewer,
	}
}

// Execute runs the graph over the user input, forwarding stream
// events to emit. The returned outcomes record every completed
// dispatch in completion order.
func (g *Graph) Execute(ctx context.Context, input string, emit func(Event)) ([]*Outcome, error) {
	st := &runState{
		graph:        g,
		input:        input,
		conversation: []llms.Message{llms.NewUserMessage(input)},
		emit:         emit,
	}
	err := g.run(ctx, st)
	return st.outcomes, err
}

// runState is the mutable state of one run. The dispatch counter and
// outcome list are guarded for the parallel strategy's concurrent
// branches; conversation is owned by the strategy goroutine.
type runState struct {
	graph        *Graph
	input        string
	conversation []llms.Message
	emit         func(Event)

	mu         sync.Mutex
	dispatches int
	outcomes   []*Outcome
}

// event emits a stream event stamped with the current time.
func (st *runState) event(ev Event) {
	ev.Timestamp = time.Now()
	st.emit(ev)
}

// publish mirrors a lifecycle event onto the bus, when one is wired.
func (st *runState) publish(ev eventbus.Event) {
	if st.graph.bus == nil {
		return
	}
	st.graph.bus.Emit(ev)
}

// dispatch runs one executor. On failure the configured fallback
// agent, when present, retries with the same inbound conversation;
// cancellations and exhausted budgets are never caught.
func (st *runState) dispatch(ctx context.Context, executorID string, a *agent.Agent, inbound []llms.Message) (*agent.RunResult, error) {
	result, err := st.invoke(ctx, executorID, a, inbound)
	if err == nil {
		return result, nil
	}
	fb := st.graph.fallback
	if fb == nil || fb.ID == a.ID || !recoverable(err) {
		return nil, err
	}
	st.event(Event{Type: EventWorkflowStatus, ExecutorID: executorID,
		Data: fmt.Sprintf("executor %q failed, falling back to agent %q: %v", executorID, fb.ID, err)})
	return st.invoke(ctx, fb.ID, fb, inbound)
}

// invoke performs one dispatch: cancellation and budget checks, the
// executor_invoked/agent_run_start pair, the streamed agent run, then
// the executor_completed/agent_run_complete pair. Partial text is
// flushed through executor_completed even when the run fails, so
// stream consumers see what had arrived.
func (st *runState) invoke(ctx context.Context, executorID string, a *agent.Agent, inbound []llms.Message) (*agent.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(string(st.graph.Kind), "run cancelled", errkind.Cancelled, err)
	}
	if err := st.countDispatch(); err != nil {
		return nil, err
	}

	st.event(Event{Type: EventExecutorInvoked, ExecutorID: executorID, AgentName: a.Name})
	st.publish(eventbus.NewAgentRunStart(a.Name, a.Description, len(a.Tools), latestText(inbound)))

	started := time.Now()
	updates, err := a.RunStreaming(ctx, inbound)
	if err != nil {
		st.event(Event{Type: EventExecutorCompleted, ExecutorID: executorID, AgentName: a.Name, Data: ""})
		return nil, err
	}

	var partial strings.Builder
	var result *agent.RunResult
	var runErr error
	for u := range updates {
		switch {
		case u.Err != nil:
			runErr = u.Err
		case u.Result != nil:
			result = u.Result
		case u.Chunk != "":
			partial.WriteString(u.Chunk)
			st.event(Event{Type: EventAgentRunUpdate, ExecutorID: executorID, AgentName: a.Name, Chunk: u.Chunk})
		}
	}
	if runErr != nil {
		st.event(Event{Type: EventExecutorCompleted, ExecutorID: executorID, AgentName: a.Name, Data: partial.String()})
		return nil, runErr
	}
	if result == nil {
		return nil, newError(string(st.graph.Kind),
			fmt.Sprintf("executor %q finished without a result", executorID), errkind.Unknown, nil)
	}

	st.event(Event{Type: EventExecutorCompleted, ExecutorID: executorID, AgentName: a.Name, Data: result.Value})
	st.publish(eventbus.NewAgentRunComplete(a.Name, result.Value))

	st.mu.Lock()
	st.outcomes = append(st.outcomes, &Outcome{
		ExecutorID: executorID,
		AgentName:  a.Name,
		Result:     result,
		Duration:   time.Since(started),
	})
	st.mu.Unlock()
	return result, nil
}

// countDispatch enforces the global iteration cap.
func (st *runState) countDispatch() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dispatches++
	if st.dispatches > st.graph.MaxIterations {
		return newError(string(st.graph.Kind),
			fmt.Sprintf("dispatch budget of %d exhausted", st.graph.MaxIterations),
			errkind.IterationBudgetExhausted, nil)
	}
	return nil
}

// recoverable reports whether the fallback agent may catch err.
// Cancellations and budget exhaustion end the run regardless.
func recoverable(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.Cancelled, errkind.IterationBudgetExhausted:
		return false
	}
	return true
}
