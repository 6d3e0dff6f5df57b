package tools

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"log/slog"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/eventbus"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// Entry pairs a registered tool with the definition that produced it.
type Entry struct {
	Definition *config.ToolDefinition
	Tool       Tool
}

// Registry holds every registered tool, keyed by name. It owns the
// shared adapter state: the callable table local tools resolve
// against, the MCP connection pool and the hosted tool cache.
type Registry struct {
	*registry.BaseRegistry[*Entry]

	callables *CallableTable
	mcp       *mcpPool

	mu       sync.Mutex
	approver Approver
	invoked  map[string]bool
	hosted   map[string]*HostedTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[*Entry](),
		callables:    NewCallableTable(),
		mcp:          newMCPPool(),
		invoked:      make(map[string]bool),
		hosted:       make(map[string]*HostedTool),
	}
}

// Callables exposes the table local tool sources resolve against.
// Callables must be registered before the definitions that use them
// are validated, or parameter cross-checks are skipped.
func (r *Registry) Callables() *CallableTable {
	return r.callables
}

// SetApprover wires the approver consulted by gated tools. Without
// one, every gated call is denied.
func (r *Registry) SetApprover(a Approver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approver = a
}

// Register validates the definition, builds the transport adapter and
// stores it under the definition name. Validation collects every
// problem before failing so an operator sees the full list at once.
// Disabled definitions are skipped without error.
func (r *Registry) Register(def *config.ToolDefinition) error {
	if def == nil {
		return newToolError("", "register", errkind.ToolValidationFailed, errors.New("nil definition"))
	}
	def.SetDefaults()
	if !def.IsEnabled() {
		slog.Debug("Skipping disabled tool", "tool", def.Name)
		return nil
	}

	errs := def.Validate()
	tool, buildErrs := r.buildTool(def)
	errs = append(errs, buildErrs...)
	if v, ok := tool.(Validator); ok {
		errs = append(errs, v.ValidateDefinition(def)...)
	}
	if len(errs) > 0 {
		return newToolError(def.Name, "register", errkind.ToolValidationFailed, errors.Join(errs...))
	}

	if err := r.BaseRegistry.Register(def.Name, &Entry{Definition: def, Tool: tool}); err != nil {
		return newToolError(def.Name, "register", errkind.ToolValidationFailed, err)
	}
	slog.Debug("Registered tool", "tool", def.Name, "transport", def.Transport)
	return nil
}

// RegisterTool stores a pre-built in-process tool under its own name.
// Built-in tools and tests use this to bypass definition parsing; the
// synthesized definition has no retry policy and no approval gate.
func (r *Registry) RegisterTool(tool Tool) error {
	info := tool.Info()
	def := &config.ToolDefinition{
		Name:        info.Name,
		Description: info.Description,
		Transport:   config.TransportLocal,
		Source:      "builtin." + info.Name,
	}
	def.SetDefaults()
	if err := r.BaseRegistry.Register(info.Name, &Entry{Definition: def, Tool: tool}); err != nil {
		return newToolError(info.Name, "register", errkind.ToolValidationFailed, err)
	}
	return nil
}

// buildTool dispatches to the adapter for the definition's transport.
func (r *Registry) buildTool(def *config.ToolDefinition) (Tool, []error) {
	switch def.Transport {
	case config.TransportLocal:
		return newLocalTool(def, r.callables), nil
	case config.TransportHTTP:
		return newHTTPTool(def)
	case config.TransportHosted:
		return r.hostedTool(def), nil
	case config.TransportMCP:
		return newMCPTool(def, r.mcp), nil
	case config.TransportCustom:
		return newPluginTool(def), nil
	default:
		return nil, []error{fmt.Errorf("tool %q: unsupported transport %q", def.Name, def.Transport)}
	}
}

// hostedTool returns the cached instance for (name, kind), building it
// on first sight.
func (r *Registry) hostedTool(def *config.ToolDefinition) *HostedTool {
	kind := hostedKind(def.Source)
	key := def.Name + "|" + kind
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.hosted[key]; ok {
		return t
	}
	t := newHostedTool(def, kind)
	r.hosted[key] = t
	return t
}

// Tool returns the registered tool by name.
func (r *Registry) Tool(name string) (Tool, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, newToolError(name, "lookup", errkind.ReferenceUnresolved, errors.New("not registered"))
	}
	return entry.Tool, nil
}

// Definitions lists the model-facing descriptions of every registered
// tool in registration order.
func (r *Registry) Definitions() []ToolInfo {
	entries := r.List()
	infos := make([]ToolInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Tool.Info())
	}
	return infos
}

// Callable binds a registered tool to an event bus, producing the
// wrapper agents actually invoke. Each call gets its own wrapper so
// invocation budgets are scoped to one run.
func (r *Registry) Callable(name string, bus *eventbus.Bus) (*BoundTool, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, newToolError(name, "bind", errkind.ReferenceUnresolved, errors.New("not registered"))
	}
	return &BoundTool{entry: entry, registry: r, bus: bus}, nil
}

// wasInvoked reports whether the tool already passed its first-use
// approval. Denied calls do not consume the first use.
func (r *Registry) wasInvoked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked[name]
}

func (r *Registry) markInvoked(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoked[name] = true
}

func (r *Registry) currentApprover() Approver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approver
}

// Close releases adapter-held resources: MCP connections and plugin
// processes. The registry is unusable afterwards.
func (r *Registry) Close() error {
	var errs []error
	if err := r.mcp.close(); err != nil {
		errs = append(errs, err)
	}
	for _, entry := range r.List() {
		if closer, ok := entry.Tool.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tool %q: %w", entry.Definition.Name, err))
			}
		}
	}
	r.Clear()
	return errors.Join(errs...)
}
