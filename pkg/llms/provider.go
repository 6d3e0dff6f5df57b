package llms

import (
	"context"
	"os"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// ChatClient is a ready-to-use connection to one model deployment.
type ChatClient interface {
	// ModelName returns the deployment or model identifier.
	ModelName() string

	// Generate performs a blocking chat completion.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)

	// GenerateStreaming performs a streaming chat completion. The
	// returned channel is closed after a terminal chunk.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// Close releases client resources.
	Close() error
}

// Provider constructs chat clients for one provider kind.
type Provider interface {
	// Kind returns the provider kind this provider serves.
	Kind() string

	// RequiredEnvVars lists environment variables that must be set
	// before CreateClient can succeed.
	RequiredEnvVars() []string

	// SupportedModels lists supported deployments; empty means any.
	SupportedModels() []string

	// CreateClient builds a client for the given model reference.
	CreateClient(ref *config.ModelReference) (ChatClient, error)

	// HealthCheck reports whether the provider's endpoint is reachable.
	HealthCheck(ctx context.Context) bool
}

// missingEnvVars returns which of the named variables are unset.
func missingEnvVars(names []string) []string {
	var missing []string
	for _, name := range names {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// envPrefix returns the env-binding prefix for a reference, falling
// back to the provider's default vendor prefix.
func envPrefix(ref *config.ModelReference, fallback string) string {
	if ref != nil && ref.EnvBinding != "" {
		return ref.EnvBinding
	}
	return fallback
}
