package llms

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

const azureDefaultAPIVersion = "2024-10-21"

// AzureProvider serves the vendor-hosted provider kind. The hosted
// endpoint speaks the chat-completions protocol with the deployment
// name in the URL path instead of the request body, authenticated by
// an api-key header.
type AzureProvider struct{}

// NewAzureProvider creates the vendor-hosted chat provider.
func NewAzureProvider() *AzureProvider {
	return &AzureProvider{}
}

func (p *AzureProvider) Kind() string {
	return string(config.ProviderVendorHosted)
}

func (p *AzureProvider) RequiredEnvVars() []string {
	return []string{"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT"}
}

func (p *AzureProvider) SupportedModels() []string {
	return nil
}

func (p *AzureProvider) CreateClient(ref *config.ModelReference) (ChatClient, error) {
	prefix := envPrefix(ref, "AZURE_OPENAI")
	keyVar := prefix + "_API_KEY"
	endpointVar := prefix + "_ENDPOINT"

	if missing := missingEnvVars([]string{keyVar, endpointVar}); len(missing) > 0 {
		return nil, NewMissingEnvError("azure", missing)
	}

	apiVersion := os.Getenv(prefix + "_API_VERSION")
	if apiVersion == "" {
		apiVersion = azureDefaultAPIVersion
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(os.Getenv(endpointVar), "/"), ref.Deployment, apiVersion)

	return newWireClient(wireClientOptions{
		provider: "azure",
		model:    ref.Deployment,
		url:      url,
		headers: map[string]string{
			"api-key": os.Getenv(keyVar),
		},
		headerParser: httpclient.ParseAzureHeaders,
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
