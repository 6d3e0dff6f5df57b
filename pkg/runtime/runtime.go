// Package runtime assembles the shared services one process runs on.
//
// A Runtime is the explicit alternative to package-level singletons:
// it owns the event bus, the provider and tool registries, the
// retrieval pipeline and the agent factory, and hands out engines and
// runners wired to them. Two runtimes in one process are fully
// isolated.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/rag"
	"github.com/ensembleworks/ensemble/pkg/runner"
	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/ensembleworks/ensemble/pkg/vector"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

// Runtime holds the services built from one configuration.
type Runtime struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	providers  *llms.Registry
	embedders  *embedders.Registry
	tools      *tools.Registry
	middleware *agent.MiddlewareRegistry
	strategies *workflow.StrategyRegistry
	factory    *agent.Factory

	store     vector.Store
	retrieval *rag.Provider
	knowledge *knowledge.Service
	pool      *config.DBPool
}

// New builds a runtime from a loaded configuration: registries with
// the builtin providers, declared tools registered, the retrieval
// pipeline when rag is enabled, and the knowledge service when one is
// declared.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{
		cfg:        cfg,
		bus:        eventbus.New(),
		providers:  llms.NewRegistry(),
		embedders:  embedders.NewRegistry(),
		tools:      tools.NewRegistry(),
		middleware: agent.NewMiddlewareRegistry(),
		strategies: workflow.NewStrategyRegistry(),
	}

	for _, def := range cfg.Resources.Tools {
		if def == nil {
			continue
		}
		if err := r.tools.Register(def); err != nil {
			r.closeQuiet()
			return nil, err
		}
	}

	if cfg.RAG != nil && cfg.RAG.Enabled {
		if err := r.buildRetrieval(); err != nil {
			r.closeQuiet()
			return nil, err
		}
	} else if cfg.Knowledge != nil {
		r.closeQuiet()
		return nil, fmt.Errorf("knowledge base declared but rag is not enabled")
	}

	factory, err := agent.NewFactory(agent.Dependencies{
		Config:     cfg,
		Providers:  r.providers,
		Tools:      r.tools,
		Middleware: r.middleware,
		Knowledge:  r.retrieval,
		Bus:        r.bus,
	})
	if err != nil {
		r.closeQuiet()
		return nil, err
	}
	r.factory = factory

	return r, nil
}

func (r *Runtime) buildRetrieval() error {
	store, err := vector.NewStore(r.cfg.RAG)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	r.store = store

	embedder, err := r.embedders.CreateClient(&r.cfg.RAG.Embedding)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	r.retrieval = rag.NewProvider(store, embedder, r.cfg.RAG)

	if r.cfg.Knowledge == nil {
		return nil
	}
	r.pool = config.NewDBPool()
	svc, err := knowledge.NewService(r.cfg.Knowledge, r.cfg.RAG, store, embedder, r.pool)
	if err != nil {
		return fmt.Errorf("knowledge service: %w", err)
	}
	r.knowledge = svc
	return nil
}

// Start brings the knowledge base in sync with its sources and, when
// configured, begins watching them. It is a no-op without a knowledge
// base.
func (r *Runtime) Start(ctx context.Context) error {
	if r.knowledge == nil {
		return nil
	}
	if err := r.knowledge.Sync(ctx); err != nil {
		return fmt.Errorf("knowledge sync: %w", err)
	}
	if r.cfg.Knowledge.Watch {
		if err := r.knowledge.Watch(ctx); err != nil {
			return fmt.Errorf("knowledge watch: %w", err)
		}
	}
	return nil
}

// Engine builds a workflow engine over this runtime's services.
func (r *Runtime) Engine() (*workflow.Engine, error) {
	return workflow.NewEngine(r.cfg, r.factory, r.strategies, r.bus)
}

// Runner builds a single-agent runner over this runtime's services.
func (r *Runtime) Runner() (*runner.Runner, error) {
	return runner.New(r.cfg, r.factory, r.bus)
}

// SetApprover routes tool confirmation prompts through a.
func (r *Runtime) SetApprover(a tools.Approver) {
	r.tools.SetApprover(a)
}

func (r *Runtime) Config() *config.Config                 { return r.cfg }
func (r *Runtime) Bus() *eventbus.Bus                     { return r.bus }
func (r *Runtime) Providers() *llms.Registry              { return r.providers }
func (r *Runtime) Embedders() *embedders.Registry         { return r.embedders }
func (r *Runtime) Tools() *tools.Registry                 { return r.tools }
func (r *Runtime) Middleware() *agent.MiddlewareRegistry  { return r.middleware }
func (r *Runtime) Strategies() *workflow.StrategyRegistry { return r.strategies }
func (r *Runtime) Factory() *agent.Factory                { return r.factory }
func (r *Runtime) Knowledge() *knowledge.Service          { return r.knowledge }
func (r *Runtime) VectorStore() vector.Store              { return r.store }

// Close releases everything the runtime owns. Safe to call more than
// once.
func (r *Runtime) Close() error {
	var errs []error
	if r.knowledge != nil {
		if err := r.knowledge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("knowledge service: %w", err))
		}
		r.knowledge = nil
	}
	if r.tools != nil {
		if err := r.tools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool registry: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store: %w", err))
		}
		r.store = nil
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database pool: %w", err))
		}
		r.pool = nil
	}
	return errors.Join(errs...)
}

func (r *Runtime) closeQuiet() { _ = r.Close() }
