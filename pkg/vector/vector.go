// Package vector provides pluggable vector stores for similarity search.
//
// A Store holds pre-embedded documents partitioned into namespaces and
// answers nearest-neighbour queries with optional metadata filters. Three
// backends are available: chromem (embedded, the default), qdrant (gRPC)
// and pinecone (managed). NewStore selects one from config.
package vector

import (
	"context"
	"fmt"
	"math"

	"log/slog"
)

// Reserved metadata keys stamped on documents by the knowledge layer.
const (
	MetaCollectionID = "collection_id"
	MetaDocumentID   = "document_id"
	MetaChunkIndex   = "chunk_index"
	MetaSource       = "source"
)

// DefaultNamespace is used when a document or query names no namespace.
const DefaultNamespace = "default"

// Document is a pre-embedded text fragment. Embeddings are computed by
// the caller; stores never embed.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]any
	Namespace string
}

// Match pairs a stored document with its similarity to the query vector.
type Match struct {
	Document Document
	Score    float32
}

// Query describes a similarity search.
type Query struct {
	// Vector is the pre-computed query embedding.
	Vector []float32

	// TopK caps the number of matches returned. Zero or negative
	// means no cap beyond what the backend returns.
	TopK int

	// ScoreThreshold drops matches scoring below it.
	ScoreThreshold float32

	// Namespace selects the partition to search.
	Namespace string

	// Filters restricts matches by metadata. Each entry is either a
	// scalar (equality) or {"$in": [...]} (membership).
	Filters map[string]any
}

// Store is a namespaced vector store over pre-embedded documents.
type Store interface {
	// AddDocuments upserts documents into their namespaces. Documents
	// without an embedding are rejected, as are embeddings whose
	// dimension disagrees with documents already stored in the same
	// namespace.
	AddDocuments(ctx context.Context, docs []Document) error

	// SimilaritySearch returns the closest matches ordered by
	// descending score.
	SimilaritySearch(ctx context.Context, query Query) ([]Match, error)

	// Clear removes every document in the namespace.
	Clear(ctx context.Context, namespace string) error

	// Count reports the number of documents in the namespace, or 0
	// when the backend cannot tell cheaply.
	Count(namespace string) int

	// Close releases backend resources, flushing persistence first
	// where the backend supports it.
	Close() error
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// normalising defensively so non-unit embeddings still score correctly.
// Mismatched or empty dimensions yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		slog.Debug("cosine similarity dimension mismatch", "len_a", len(a), "len_b", len(b))
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// MatchesFilters reports whether metadata satisfies every filter clause.
// A clause is either a scalar, matched by equality (list-valued fields
// match when any element equals it), or {"$in": [...]}, matched by
// membership (list-valued fields match on non-empty intersection).
// A missing key rejects the document.
func MatchesFilters(metadata, filters map[string]any) bool {
	for key, clause := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if wanted, isIn := inClause(clause); isIn {
			if !anyEqual(fieldValues(got), wanted) {
				return false
			}
			continue
		}
		if !anyEqual(fieldValues(got), []any{clause}) {
			return false
		}
	}
	return true
}

// inClause unwraps a {"$in": [...]} filter clause.
func inClause(clause any) ([]any, bool) {
	m, ok := clause.(map[string]any)
	if !ok {
		return nil, false
	}
	in, ok := m["$in"]
	if !ok {
		return nil, false
	}
	return fieldValues(in), true
}

// fieldValues turns a document field into the list of values it
// contributes to a match: list fields yield their elements, scalars
// yield themselves.
func fieldValues(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func anyEqual(got, want []any) bool {
	for _, g := range got {
		for _, w := range want {
			if equalValue(g, w) {
				return true
			}
		}
	}
	return false
}

// equalValue compares scalars across the numeric types that YAML and
// JSON decoding produce, so a config filter of 3 matches a stored
// float64(3).
func equalValue(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

func dimensionError(ns string, want, got int) error {
	return fmt.Errorf("namespace %q holds %d-dimensional embeddings, got %d", ns, want, got)
}
