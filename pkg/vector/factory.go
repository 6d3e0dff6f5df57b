package vector

import (
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// NewStore builds the vector store backend named by rag.provider.
// An empty provider selects the embedded chromem store.
func NewStore(cfg *config.RAGConfig) (Store, error) {
	if cfg == nil {
		return NewChromemStore(nil)
	}

	switch cfg.Provider {
	case "", "chromem":
		return NewChromemStore(cfg.Store)
	case "qdrant":
		return NewQdrantStore(cfg.Store)
	case "pinecone":
		return NewPineconeStore(cfg.Store)
	default:
		return nil, fmt.Errorf("unknown vector store provider %q (valid: chromem, qdrant, pinecone)", cfg.Provider)
	}
}
