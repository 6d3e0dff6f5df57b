package embedders

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
)

const azureDefaultAPIVersion = "2024-10-21"

// AzureProvider serves vendor-hosted embeddings. The deployment name
// defaults to the configured model and can be overridden with
// AZURE_OPENAI_EMBEDDING_DEPLOYMENT when the hosted deployment is named
// differently from the underlying model.
type AzureProvider struct{}

func NewAzureProvider() *AzureProvider {
	return &AzureProvider{}
}

func (p *AzureProvider) Kind() string {
	return string(config.ProviderVendorHosted)
}

func (p *AzureProvider) RequiredEnvVars() []string {
	return []string{"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT"}
}

func (p *AzureProvider) CreateClient(cfg *config.EmbeddingConfig) (EmbeddingClient, error) {
	if missing := missingEnvVars(p.RequiredEnvVars()); len(missing) > 0 {
		return nil, NewMissingEnvError("azure", missing)
	}

	apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
	if apiVersion == "" {
		apiVersion = azureDefaultAPIVersion
	}

	deployment := os.Getenv("AZURE_OPENAI_EMBEDDING_DEPLOYMENT")
	if deployment == "" {
		deployment = cfg.Model
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(os.Getenv("AZURE_OPENAI_ENDPOINT"), "/"), deployment, apiVersion)

	dims := cfg.Dimensions
	if dims == 0 {
		dims = openAIModelDimensions(cfg.Model)
	}

	return newWireEmbedder(wireEmbedderOptions{
		provider: "azure",
		model:    cfg.Model,
		url:      url,
		headers: map[string]string{
			"api-key": os.Getenv("AZURE_OPENAI_API_KEY"),
		},
		dimensions:  dims,
		requestDims: cfg.Dimensions > 0,
		normalize:   cfg.Normalize == nil || *cfg.Normalize,
	}), nil
}

func (p *AzureProvider) HealthCheck(ctx context.Context) bool {
	endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT")
	if endpoint == "" {
		return false
	}
	return probeEndpoint(ctx, strings.TrimRight(endpoint, "/"),
		map[string]string{"api-key": os.Getenv("AZURE_OPENAI_API_KEY")})
}

var _ Provider = (*AzureProvider)(nil)
