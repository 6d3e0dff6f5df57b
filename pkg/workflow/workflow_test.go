package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// scriptedClient replays canned responses and records every prompt it
// was given. Concurrent use is safe for the parallel strategy tests.
type scriptedClient struct {
	mu        sync.Mutex
	model     string
	responses []llms.Response
	calls     int
	prompts   [][]llms.Message
	err       error
}

func (c *scriptedClient) ModelName() string { return c.model }

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) Generate(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (*llms.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prompt := make([]llms.Message, len(messages))
	copy(prompt, messages)
	c.prompts = append(c.prompts, prompt)

	if c.err != nil {
		return nil, c.err
	}
	if c.calls >= len(c.responses) {
		return nil, fmt.Errorf("no scripted response for call %d to %s", c.calls+1, c.model)
	}
	resp := c.responses[c.calls]
	c.calls++
	return &resp, nil
}

func (c *scriptedClient) GenerateStreaming(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	resp, err := c.Generate(ctx, messages, defs)
	if err != nil {
		return nil, err
	}

	ch := make(chan llms.StreamChunk, len(resp.ToolCalls)+4)
	go func() {
		defer close(ch)
		for _, piece := range splitText(resp.Text) {
			ch <- llms.StreamChunk{Type: llms.ChunkText, Text: piece}
		}
		for i := range resp.ToolCalls {
			ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: &resp.ToolCalls[i]}
		}
		ch <- llms.StreamChunk{Type: llms.ChunkDone, Tokens: resp.TokensUsed}
	}()
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) prompt(i int) []llms.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[i]
}

// splitText halves the text so streaming runs exercise multi-chunk
// assembly.
func splitText(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) < 2 {
		return []string{text}
	}
	half := len(text) / 2
	return []string{text[:half], text[half:]}
}

// scriptedProvider hands out scripted clients keyed by deployment and
// keeps them reachable for assertions.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts map[string][]llms.Response
	errs    map[string]error
	clients map[string]*scriptedClient
	created int
}

func (p *scriptedProvider) Kind() string                         { return "vendor-native" }
func (p *scriptedProvider) RequiredEnvVars() []string            { return nil }
func (p *scriptedProvider) SupportedModels() []string            { return nil }
func (p *scriptedProvider) HealthCheck(ctx context.Context) bool { return true }

func (p *scriptedProvider) CreateClient(ref *config.ModelReference) (llms.ChatClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client := &scriptedClient{
		model:     ref.Deployment,
		responses: p.scripts[ref.Deployment],
		err:       p.errs[ref.Deployment],
	}
	if p.clients == nil {
		p.clients = make(map[string]*scriptedClient)
	}
	p.clients[ref.Deployment] = client
	p.created++
	return client, nil
}

func (p *scriptedProvider) client(deployment string) *scriptedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[deployment]
}

// busLog records bus emissions for assertions. Parallel branches emit
// concurrently, so appends are locked.
type busLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *busLog) record(ev eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *busLog) count(t eventbus.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *busLog) last(t eventbus.EventType) (eventbus.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return eventbus.Event{}, false
}

// stubReviewer records what it was asked to review and answers with a
// fixed decision.
type stubReviewer struct {
	mu      sync.Mutex
	approve bool
	err     error
	saw     []string
}

func (r *stubReviewer) Review(ctx context.Context, plan string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saw = append(r.saw, plan)
	return r.approve, r.err
}

// harness bundles the engine fixtures for one test. Each declared
// agent gets its own model so its client can be scripted separately;
// a manager-model deployment is always declared for manager runs.
type harness struct {
	cfg      *config.Config
	provider *scriptedProvider
	bus      *eventbus.Bus
	log      *busLog
	engine   *Engine
}

func newHarness(t *testing.T, wf *config.WorkflowDefinition, agentIDs ...string) *harness {
	t.Helper()

	models := map[string]*config.ModelReference{
		"manager-model": {ProviderKind: config.ProviderVendorNative, Deployment: "manager-model"},
	}
	agents := make([]*config.AgentDefinition, 0, len(agentIDs))
	for _, id := range agentIDs {
		models[id+"-model"] = &config.ModelReference{
			ProviderKind: config.ProviderVendorNative,
			Deployment:   id + "-model",
		}
		agents = append(agents, &config.AgentDefinition{
			ID:           id,
			Role:         "Handles " + id + " work",
			ModelRef:     id + "-model",
			Instructions: "You are " + id + ".",
		})
	}

	cfg := &config.Config{
		Version:   "1.0",
		Name:      "workflow-test",
		Resources: config.ResourcesConfig{Models: models},
		Agents:    agents,
		Workflow:  wf,
	}

	provider := &scriptedProvider{
		scripts: make(map[string][]llms.Response),
		errs:    make(map[string]error),
	}
	providers := llms.NewRegistry()
	if err := providers.RegisterProvider(provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	factory, err := agent.NewFactory(agent.Dependencies{
		Config:    cfg,
		Providers: providers,
		Tools:     tools.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	bus := eventbus.New()
	log := &busLog{}
	bus.Subscribe(log.record)

	engine, err := NewEngine(cfg, factory, NewStrategyRegistry(), bus)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{cfg: cfg, provider: provider, bus: bus, log: log, engine: engine}
}

// script sets the canned responses for an agent's model.
func (h *harness) script(agentID string, responses ...llms.Response) {
	h.provider.scripts[agentID+"-model"] = responses
}

// scriptManager sets the canned responses for the synthesised manager.
func (h *harness) scriptManager(responses ...llms.Response) {
	h.provider.scripts["manager-model"] = responses
}

// failClient makes every model call of the agent fail with err.
func (h *harness) failClient(agentID string, err error) {
	h.provider.errs[agentID+"-model"] = err
}

// client returns the last client created for the agent's model.
func (h *harness) client(agentID string) *scriptedClient {
	return h.provider.client(agentID + "-model")
}

func text(value string, tokens int) llms.Response {
	return llms.Response{Text: value, TokensUsed: tokens}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func filterEvents(events []Event, t EventType) []Event {
	var matched []Event
	for _, ev := range events {
		if ev.Type == t {
			matched = append(matched, ev)
		}
	}
	return matched
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// steps builds agent steps whose ids equal their agent ids.
func steps(ids ...string) []config.WorkflowStep {
	out := make([]config.WorkflowStep, len(ids))
	for i, id := range ids {
		out[i] = config.WorkflowStep{ID: id, Kind: config.StepAgent, AgentID: id}
	}
	return out
}
