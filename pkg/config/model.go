package config

import "fmt"

// ProviderKind identifies how a model is reached.
type ProviderKind string

const (
	// ProviderVendorNative is the vendor's public API (api.openai.com style).
	ProviderVendorNative ProviderKind = "vendor-native"

	// ProviderVendorHosted is a vendor model behind an enterprise endpoint
	// (Azure-OpenAI-style deployment URLs).
	ProviderVendorHosted ProviderKind = "vendor-hosted"

	// ProviderLocalEndpoint is a self-hosted server (Ollama style).
	ProviderLocalEndpoint ProviderKind = "local-endpoint"
)

// ValidProviderKinds lists the recognised provider kinds.
var ValidProviderKinds = []ProviderKind{
	ProviderVendorNative,
	ProviderVendorHosted,
	ProviderLocalEndpoint,
}

// ModelReference maps a model id to a provider kind and deployment.
// Immutable after config load.
//
// Example YAML:
//
//	resources:
//	  models:
//	    fast:
//	      provider_kind: vendor-native
//	      deployment: gpt-4o-mini
type ModelReference struct {
	// ProviderKind selects the provider: vendor-native, vendor-hosted, local-endpoint.
	ProviderKind ProviderKind `yaml:"provider_kind" json:"provider_kind" jsonschema:"title=Provider Kind,enum=vendor-native,enum=vendor-hosted,enum=local-endpoint"`

	// Deployment is the model or deployment name passed to the provider.
	Deployment string `yaml:"deployment" json:"deployment" jsonschema:"title=Deployment,description=Model or deployment name"`

	// EnvBinding overrides the environment variable prefix consulted by the
	// provider (e.g. "ACME" reads ACME_API_KEY instead of the default).
	EnvBinding string `yaml:"env_binding,omitempty" json:"env_binding,omitempty" jsonschema:"title=Env Binding,description=Environment variable prefix override"`
}

// SetDefaults applies default values.
func (m *ModelReference) SetDefaults() {
	if m.ProviderKind == "" {
		m.ProviderKind = ProviderVendorNative
	}
}

// Validate checks the model reference.
func (m *ModelReference) Validate() error {
	valid := false
	for _, k := range ValidProviderKinds {
		if m.ProviderKind == k {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid provider_kind %q (valid: vendor-native, vendor-hosted, local-endpoint)", m.ProviderKind)
	}
	if m.Deployment == "" {
		return fmt.Errorf("deployment is required")
	}
	return nil
}
