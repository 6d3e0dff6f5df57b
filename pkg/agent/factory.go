package agent

import (
	"fmt"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/rag"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// Dependencies carries the shared services agents are assembled from.
// Config, Providers and Tools are required; the rest are optional.
type Dependencies struct {
	Config     *config.Config
	Providers  *llms.Registry
	Tools      *tools.Registry
	Middleware *MiddlewareRegistry
	Knowledge  *rag.Provider
	Bus        *eventbus.Bus
}

// Factory assembles agents from their definitions. Built agents are
// cached by id for the duration of one workflow build and discarded by
// Reset, so instances never survive into the next run.
type Factory struct {
	deps Dependencies

	mu    sync.Mutex
	cache map[string]*Agent
}

// NewFactory creates a factory over the given dependencies.
func NewFactory(deps Dependencies) (*Factory, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("agent factory requires a config")
	}
	if deps.Providers == nil {
		return nil, fmt.Errorf("agent factory requires a provider registry")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("agent factory requires a tool registry")
	}
	return &Factory{deps: deps, cache: make(map[string]*Agent)}, nil
}

// Agent returns the agent declared under id, building it on first use.
func (f *Factory) Agent(id string) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.cache[id]; ok {
		return a, nil
	}

	def, ok := f.deps.Config.GetAgent(id)
	if !ok {
		return nil, newError(id, "not declared in configuration", errkind.ReferenceUnresolved, nil)
	}

	a, err := f.build(def)
	if err != nil {
		return nil, err
	}
	f.cache[id] = a
	return a, nil
}

// Reset discards cached agents. Engines call it when a workflow
// finishes.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[string]*Agent)
}

// Synthetic assembles an agent that exists only inside a workflow,
// such as a group-chat manager. Synthetic agents carry no tools and
// are never cached.
func (f *Factory) Synthetic(id, modelRef, instructions string) (*Agent, error) {
	ref, ok := f.deps.Config.GetModel(modelRef)
	if !ok {
		return nil, newError(id, fmt.Sprintf("model_ref %q not declared", modelRef),
			errkind.ReferenceUnresolved, nil)
	}
	client, err := f.deps.Providers.CreateClient(ref)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", id, err)
	}
	return &Agent{
		ID:           id,
		Name:         id,
		Instructions: instructions,
		Client:       client,
		Middleware:   []Middleware{SanitizeMessages, PassthroughEvents},
	}, nil
}

// build assembles one agent: model client, tool callables, middleware
// chain, then the optional knowledge-scoped context provider.
func (f *Factory) build(def *config.AgentDefinition) (*Agent, error) {
	ref, ok := f.deps.Config.GetModel(def.ModelRef)
	if !ok {
		return nil, newError(def.ID, fmt.Sprintf("model_ref %q not declared", def.ModelRef),
			errkind.ReferenceUnresolved, nil)
	}
	client, err := f.deps.Providers.CreateClient(ref)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", def.ID, err)
	}

	var bound []*tools.BoundTool
	var hosted []*tools.HostedTool
	for _, toolID := range def.ToolIDs {
		bt, err := f.deps.Tools.Callable(toolID, f.deps.Bus)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", def.ID, err)
		}
		if h, ok := bt.Unwrap().(*tools.HostedTool); ok {
			hosted = append(hosted, h)
			continue
		}
		bound = append(bound, bt)
	}

	chain := []Middleware{SanitizeMessages, PassthroughEvents}
	for _, mwID := range def.MiddlewareIDs {
		var mw Middleware
		ok := false
		if f.deps.Middleware != nil {
			mw, ok = f.deps.Middleware.Get(mwID)
		}
		if !ok {
			return nil, newError(def.ID, fmt.Sprintf("middleware %q not registered", mwID),
				errkind.ReferenceUnresolved, nil)
		}
		chain = append(chain, mw)
	}

	var provider rag.ContextProvider
	if def.Knowledge != nil {
		if f.deps.Knowledge == nil {
			return nil, newError(def.ID, "knowledge_config declared but no knowledge store is configured",
				errkind.ConfigInvalid, nil)
		}
		provider = f.deps.Knowledge.ForBinding(def.Knowledge)
	}

	return &Agent{
		ID:                def.ID,
		Name:              def.ID,
		Description:       fmt.Sprintf("Participant ID: %s. Role/Description: %s", def.ID, def.Role),
		Instructions:      def.Instructions,
		Client:            client,
		Tools:             bound,
		Hosted:            hosted,
		Middleware:        chain,
		ContextProvider:   provider,
		MaxToolIterations: def.MaxToolIterations,
	}, nil
}
