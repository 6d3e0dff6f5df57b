package llms

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// Registry holds chat providers keyed by provider kind.
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

// CreateClient resolves a model reference to a connected chat client.
// The provider validates its environment at creation, not at first call.
func (r *Registry) CreateClient(ref *config.ModelReference) (ChatClient, error) {
	if ref == nil {
		return nil, NewMisconfiguredError("registry", "create_client", "model reference cannot be nil")
	}
	if ref.Deployment == "" {
		return nil, NewMisconfiguredError(string(ref.ProviderKind), "create_client", "deployment name is required")
	}

	provider, ok := r.Get(string(ref.ProviderKind))
	if !ok {
		return nil, NewMisconfiguredError(string(ref.ProviderKind), "create_client",
			fmt.Sprintf("unknown provider kind %q (known: %s)", ref.ProviderKind, strings.Join(r.Names(), ", ")))
	}

	if supported := provider.SupportedModels(); len(supported) > 0 {
		found := false
		for _, m := range supported {
			if m == ref.Deployment {
				found = true
				break
			}
		}
		if !found {
			return nil, NewMisconfiguredError(string(ref.ProviderKind), "create_client",
				fmt.Sprintf("deployment %q is not supported (supported: %s)",
					ref.Deployment, strings.Join(supported, ", ")))
		}
	}

	return provider.CreateClient(ref)
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
