package config

import "fmt"

// EmbeddingConfig configures the embedding regime. Together with the
// provider kind it forms the embedding signature stored per collection.
type EmbeddingConfig struct {
	// ProviderKind selects the embedding provider (default vendor-native).
	ProviderKind ProviderKind `yaml:"provider_kind,omitempty" json:"provider_kind,omitempty" jsonschema:"enum=vendor-native,enum=vendor-hosted,enum=local-endpoint,default=vendor-native"`

	// Model is the embedding model or deployment name.
	Model string `yaml:"model" json:"model"`

	// Dimensions is the expected vector dimensionality (0 = provider default).
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`

	// Normalize scales vectors to unit length after embedding.
	Normalize *bool `yaml:"normalize,omitempty" json:"normalize,omitempty" jsonschema:"default=true"`
}

// SetDefaults applies default values.
func (e *EmbeddingConfig) SetDefaults() {
	if e.ProviderKind == "" {
		e.ProviderKind = ProviderVendorNative
	}
	if e.Normalize == nil {
		e.Normalize = BoolPtr(true)
	}
}

// Validate checks the embedding config.
func (e *EmbeddingConfig) Validate() error {
	if e.Model == "" {
		return fmt.Errorf("embedding model is required")
	}
	if e.Dimensions < 0 {
		return fmt.Errorf("embedding dimensions must be >= 0")
	}
	return nil
}

// VectorStoreConfig configures the vector store backend.
//
// Example YAML:
//
//	rag:
//	  provider: qdrant
//	  store:
//	    host: qdrant.internal
//	    port: 6334
//	    api_key: ${QDRANT_API_KEY}
type VectorStoreConfig struct {
	// Host for external stores (qdrant).
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port for external stores.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// APIKey for authenticated access (qdrant, pinecone).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// UseTLS enables TLS connections (qdrant).
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`

	// PersistPath enables chromem file persistence.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`

	// Compress enables gzip compression for chromem persistence.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty"`

	// IndexName for pinecone.
	IndexName string `yaml:"index_name,omitempty" json:"index_name,omitempty"`
}

// RAGConfig enables retrieval-augmented context injection.
type RAGConfig struct {
	// Enabled turns the RAG pipeline on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Provider is the vector store backend: chromem, qdrant, pinecone.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=chromem,enum=qdrant,enum=pinecone,default=chromem"`

	// Store carries backend connection settings.
	Store *VectorStoreConfig `yaml:"store,omitempty" json:"store,omitempty"`

	// Embedding configures the embedding regime.
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`

	// TopK is the retrieval fan-out (default 5).
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty"`

	// MinScore drops matches below this similarity (default 0).
	MinScore float32 `yaml:"min_score,omitempty" json:"min_score,omitempty"`

	// Strategy builds the query text: last_message or conversation.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"enum=last_message,enum=conversation,default=last_message"`

	// ContextPrompt overrides the fixed instruction prepended to matches.
	ContextPrompt string `yaml:"context_prompt,omitempty" json:"context_prompt,omitempty"`

	// Namespace is the vector store partition queried (default "default").
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// SetDefaults applies default values.
func (r *RAGConfig) SetDefaults() {
	if r.Provider == "" {
		r.Provider = "chromem"
	}
	if r.TopK == 0 {
		r.TopK = 5
	}
	if r.Strategy == "" {
		r.Strategy = "last_message"
	}
	if r.Namespace == "" {
		r.Namespace = "default"
	}
	r.Embedding.SetDefaults()
}

// Validate checks the RAG config.
func (r *RAGConfig) Validate() []error {
	var errs []error

	switch r.Provider {
	case "", "chromem", "qdrant", "pinecone":
	default:
		errs = append(errs, fmt.Errorf("rag: invalid provider %q (valid: chromem, qdrant, pinecone)", r.Provider))
	}
	switch r.Strategy {
	case "", "last_message", "conversation":
	default:
		errs = append(errs, fmt.Errorf("rag: invalid strategy %q (valid: last_message, conversation)", r.Strategy))
	}
	if r.TopK < 0 {
		errs = append(errs, fmt.Errorf("rag: top_k must be >= 0"))
	}
	if r.Enabled {
		if err := r.Embedding.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rag: %w", err))
		}
		if r.Provider == "qdrant" && (r.Store == nil || r.Store.Host == "") {
			errs = append(errs, fmt.Errorf("rag: qdrant provider requires store.host"))
		}
		if r.Provider == "pinecone" && (r.Store == nil || r.Store.APIKey == "") {
			errs = append(errs, fmt.Errorf("rag: pinecone provider requires store.api_key"))
		}
	}

	return errs
}
