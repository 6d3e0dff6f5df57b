package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"log/slog"

	"github.com/philippgille/chromem-go"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// metadataJSONKey holds the canonical JSON encoding of a document's
// metadata. Chromem stores metadata as string maps, so rich values are
// flattened on write and restored from this key on read.
const metadataJSONKey = "_metadata_json"

// ChromemStore is the embedded vector store backend. It keeps vectors
// in memory, one chromem collection per namespace, with optional
// single-file persistence.
type ChromemStore struct {
	db            *chromem.DB
	persistPath   string
	compress      bool
	embeddingFunc chromem.EmbeddingFunc

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dims        map[string]int
}

// NewChromemStore creates the embedded store. A nil config or empty
// persist path yields a purely in-memory store.
func NewChromemStore(cfg *config.VectorStoreConfig) (*ChromemStore, error) {
	var persistPath string
	var compress bool
	if cfg != nil {
		persistPath = cfg.PersistPath
		compress = cfg.Compress
	}

	db := chromem.NewDB()
	dims := make(map[string]int)
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := chromemDBPath(persistPath, compress)
		if _, err := os.Stat(dbPath); err == nil {
			if err := db.Import(dbPath, ""); err != nil {
				slog.Warn("Failed to load persisted vector store, starting empty",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector store from file", "path", dbPath)
				dims = loadChromemDims(persistPath)
			}
		}
	}

	// Embeddings arrive pre-computed; this must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	return &ChromemStore{
		db:            db,
		persistPath:   persistPath,
		compress:      compress,
		embeddingFunc: identityEmbed,
		collections:   make(map[string]*chromem.Collection),
		dims:          dims,
	}, nil
}

func chromemDBPath(persistPath string, compress bool) string {
	name := "vectors.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(persistPath, name)
}

func chromemDimsPath(persistPath string) string {
	return filepath.Join(persistPath, "dims.json")
}

// loadChromemDims restores the per-namespace dimension index saved
// next to the exported store. Chromem exposes no way to enumerate
// imported vectors, so without the index the query-dimension guard
// would stay blind until the first add after a restart.
func loadChromemDims(persistPath string) map[string]int {
	dims := make(map[string]int)
	raw, err := os.ReadFile(chromemDimsPath(persistPath))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to load vector store dimension index", "error", err)
		}
		return dims
	}
	if err := json.Unmarshal(raw, &dims); err != nil {
		slog.Warn("Failed to parse vector store dimension index", "error", err)
		return make(map[string]int)
	}
	return dims
}

// getCollection gets or creates the collection backing a namespace.
func (s *ChromemStore) getCollection(namespace string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[namespace]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[namespace]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(namespace, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", namespace, err)
	}

	s.collections[namespace] = col
	return col, nil
}

// AddDocuments upserts documents into their namespaces.
func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %q has no embedding", doc.ID)
		}
	}

	grouped := make(map[string][]Document)
	var order []string
	for _, doc := range docs {
		ns := namespaceOrDefault(doc.Namespace)
		if _, ok := grouped[ns]; !ok {
			order = append(order, ns)
		}
		grouped[ns] = append(grouped[ns], doc)
	}

	for _, ns := range order {
		if err := s.addToNamespace(ctx, ns, grouped[ns]); err != nil {
			return err
		}
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector store after add", "error", err)
	}
	return nil
}

func (s *ChromemStore) addToNamespace(ctx context.Context, namespace string, docs []Document) error {
	col, err := s.getCollection(namespace)
	if err != nil {
		return err
	}

	s.mu.Lock()
	want := s.dims[namespace]
	for _, doc := range docs {
		if want == 0 {
			want = len(doc.Embedding)
			continue
		}
		if len(doc.Embedding) != want {
			s.mu.Unlock()
			return dimensionError(namespace, want, len(doc.Embedding))
		}
	}
	s.dims[namespace] = want
	s.mu.Unlock()

	batch := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		batch = append(batch, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Text,
			Embedding: doc.Embedding,
			Metadata:  flattenMetadata(doc.Metadata),
		})
	}
	if err := col.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents to namespace %q: %w", namespace, err)
	}
	return nil
}

// SimilaritySearch fetches every document in the namespace and scores,
// filters and truncates here, so threshold and top-k semantics stay
// exact even when metadata filters drop high-scoring documents.
func (s *ChromemStore) SimilaritySearch(ctx context.Context, query Query) ([]Match, error) {
	ns := namespaceOrDefault(query.Namespace)

	s.mu.RLock()
	want := s.dims[ns]
	s.mu.RUnlock()
	if want != 0 && len(query.Vector) != want {
		slog.Debug("query embedding dimension mismatch",
			"namespace", ns,
			"want", want,
			"got", len(query.Vector))
		return nil, nil
	}

	col, err := s.getCollection(ns)
	if err != nil {
		return nil, err
	}
	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query.Vector, total, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		metadata := expandMetadata(r.Metadata)
		if len(query.Filters) > 0 && !MatchesFilters(metadata, query.Filters) {
			continue
		}
		if r.Similarity < query.ScoreThreshold {
			continue
		}
		matches = append(matches, Match{
			Document: Document{
				ID:        r.ID,
				Text:      r.Content,
				Embedding: r.Embedding,
				Metadata:  metadata,
				Namespace: ns,
			},
			Score: r.Similarity,
		})
		if query.TopK > 0 && len(matches) == query.TopK {
			break
		}
	}
	return matches, nil
}

// Clear drops the collection backing the namespace.
func (s *ChromemStore) Clear(ctx context.Context, namespace string) error {
	ns := namespaceOrDefault(namespace)

	s.mu.Lock()
	err := s.db.DeleteCollection(ns)
	delete(s.collections, ns)
	delete(s.dims, ns)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to clear namespace %q: %w", ns, err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector store after clear", "error", err)
	}
	return nil
}

// Count reports the number of documents in the namespace.
func (s *ChromemStore) Count(namespace string) int {
	col, err := s.getCollection(namespaceOrDefault(namespace))
	if err != nil {
		return 0
	}
	return col.Count()
}

// Close persists the store if persistence is enabled.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := chromemDBPath(s.persistPath, s.compress)
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist vector store: %w", err)
	}

	s.mu.RLock()
	snapshot := make(map[string]int, len(s.dims))
	for ns, d := range s.dims {
		snapshot[ns] = d
	}
	s.mu.RUnlock()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode dimension index: %w", err)
	}
	if err := os.WriteFile(chromemDimsPath(s.persistPath), raw, 0644); err != nil {
		return fmt.Errorf("failed to persist dimension index: %w", err)
	}
	return nil
}

// flattenMetadata converts rich metadata into chromem's string map,
// keeping a JSON copy for lossless round-tripping.
func flattenMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	flat := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		flat[k] = fmt.Sprint(v)
	}
	if raw, err := json.Marshal(metadata); err == nil {
		flat[metadataJSONKey] = string(raw)
	}
	return flat
}

// expandMetadata restores rich metadata from the JSON copy, falling
// back to the flattened strings for data written without one.
func expandMetadata(flat map[string]string) map[string]any {
	if len(flat) == 0 {
		return nil
	}
	if raw, ok := flat[metadataJSONKey]; ok {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(raw), &metadata); err == nil {
			return metadata
		}
	}
	metadata := make(map[string]any, len(flat))
	for k, v := range flat {
		if k == metadataJSONKey {
			continue
		}
		metadata[k] = v
	}
	return metadata
}

var _ Store = (*ChromemStore)(nil)
