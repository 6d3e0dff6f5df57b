// Package embedders provides embedding model access behind a provider
// registry mirroring the chat provider structure in pkg/llms.
package embedders

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// EmbeddingClient is a ready-to-use connection to one embedding
// deployment.
type EmbeddingClient interface {
	// ModelName returns the embedding model or deployment identifier.
	ModelName() string

	// Dimensions returns the vector dimensionality this client produces.
	Dimensions() int

	// EmbedQuery embeds a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds texts in batches, preserving input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Close releases client resources.
	Close() error
}

// Provider constructs embedding clients for one provider kind.
type Provider interface {
	Kind() string
	RequiredEnvVars() []string
	CreateClient(cfg *config.EmbeddingConfig) (EmbeddingClient, error)
	HealthCheck(ctx context.Context) bool
}

// Signature identifies the embedding regime of stored vectors. Vectors
// generated under different signatures are not comparable; a signature
// change forces a re-embed of every persisted chunk.
func Signature(cfg *config.EmbeddingConfig, dimensions int) string {
	normalize := cfg.Normalize == nil || *cfg.Normalize
	return fmt.Sprintf("%s||%s||normalize=%t||dims=%d",
		cfg.ProviderKind, cfg.Model, normalize, dimensions)
}

func missingEnvVars(names []string) []string {
	var missing []string
	for _, name := range names {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// normalizeVector scales v to unit length in place. Zero vectors are
// left untouched.
func normalizeVector(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// finishVectors applies the configured post-processing: a dimension
// mismatch against the target is reported, not fatal; normalization
// scales every vector to unit length.
func finishVectors(vectors [][]float32, normalize bool, wantDims int, model string) {
	if len(vectors) == 0 {
		return
	}
	if wantDims > 0 && len(vectors[0]) != wantDims {
		slog.Warn("embedding dimension differs from configured target",
			"model", model, "configured", wantDims, "actual", len(vectors[0]))
	}
	if normalize {
		for i := range vectors {
			normalizeVector(vectors[i])
		}
	}
}

// sleepBackoff waits before the next retry attempt, honoring
// cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
