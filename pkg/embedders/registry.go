package embedders

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// Registry holds embedding providers keyed by provider kind.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates a registry with the built-in providers registered.
func NewRegistry() *Registry {
	r := &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
	for _, p := range []Provider{
		NewOpenAIProvider(),
		NewAzureProvider(),
		NewOllamaProvider(),
	} {
		_ = r.Register(p.Kind(), p)
	}
	return r
}

// RegisterProvider adds a provider under its kind, replacing any
// existing registration.
func (r *Registry) RegisterProvider(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	if p.Kind() == "" {
		return fmt.Errorf("provider kind cannot be empty")
	}
	return r.Replace(p.Kind(), p)
}

// CreateClient resolves an embedding config to a connected client.
func (r *Registry) CreateClient(cfg *config.EmbeddingConfig) (EmbeddingClient, error) {
	if cfg == nil {
		return nil, NewMisconfiguredError("registry", "create_client", "embedding config cannot be nil")
	}
	if cfg.Model == "" {
		return nil, NewMisconfiguredError(string(cfg.ProviderKind), "create_client", "embedding model is required")
	}

	provider, ok := r.Get(string(cfg.ProviderKind))
	if !ok {
		return nil, NewMisconfiguredError(string(cfg.ProviderKind), "create_client",
			fmt.Sprintf("unknown provider kind %q (known: %s)", cfg.ProviderKind, strings.Join(r.Names(), ", ")))
	}

	return provider.CreateClient(cfg)
}

// Health probes every registered provider.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	result := make(map[string]bool)
	for _, name := range r.Names() {
		if p, ok := r.Get(name); ok {
			result[name] = p.HealthCheck(ctx)
		}
	}
	return result
}
