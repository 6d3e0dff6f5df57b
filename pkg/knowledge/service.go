package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/ensembleworks/ensemble/pkg/vector"
)

// embedWorkers bounds the re-embed fan-out per document.
const embedWorkers = 4

// Service keeps the vector store populated from the knowledge base.
// All mutations hold the service lock; readers of the store are only
// affected through the store's own synchronisation.
type Service struct {
	store     vector.Store
	embedder  embedders.EmbeddingClient
	embedCfg  *config.EmbeddingConfig
	namespace string
	catalogue *catalogue
	chunker   Chunker
	sources   []Source

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewService builds the service over an existing store and embedder.
// The store handle is shared with the RAG runtime; the service is its
// only writer.
func NewService(cfg *config.KnowledgeConfig, ragCfg *config.RAGConfig, store vector.Store, embedder embedders.EmbeddingClient, pool *config.DBPool) (*Service, error) {
	if cfg == nil {
		cfg = &config.KnowledgeConfig{}
	}

	root := cfg.Path
	if root == "" {
		root = ".ensemble/knowledge"
	}
	cat, err := newCatalogue(root)
	if err != nil {
		return nil, err
	}

	chunker, err := NewChunker(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	sources, err := buildSources(cfg.Sources, pool)
	if err != nil {
		return nil, err
	}

	namespace := vector.DefaultNamespace
	embedCfg := &config.EmbeddingConfig{}
	if ragCfg != nil {
		if ragCfg.Namespace != "" {
			namespace = ragCfg.Namespace
		}
		embedCfg = &ragCfg.Embedding
	}

	return &Service{
		store:     store,
		embedder:  embedder,
		embedCfg:  embedCfg,
		namespace: namespace,
		catalogue: cat,
		chunker:   chunker,
		sources:   sources,
	}, nil
}

// Signature returns the embedding signature of the active
// configuration. Stored vectors are only valid under the signature
// they were generated with.
func (s *Service) Signature() string {
	return embedders.Signature(s.embedCfg, s.embedder.Dimensions())
}

// Collections returns the known collection ids.
func (s *Service) Collections() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.catalogue.loadState()
	if err != nil {
		return nil, err
	}
	return state.Collections, nil
}

// Sync brings the vector store in line with the catalogue and the
// configured sources: a changed embedding signature forces a full
// re-embed of every persisted chunk, new and modified source documents
// are ingested, and documents a source no longer yields are pruned.
// The service lock is held for the duration, so no query observes a
// partially rebuilt namespace through this service.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.catalogue.loadState()
	if err != nil {
		return err
	}

	signature := s.Signature()
	rebuilt := false
	if state.Signature != "" && state.Signature != signature && len(state.Documents) > 0 {
		slog.Info("Embedding signature changed, re-embedding knowledge base",
			"old", state.Signature,
			"new", signature)
		if err := s.reembed(ctx, state); err != nil {
			return err
		}
		rebuilt = true
	}

	mutated, newChunks, err := s.ingest(ctx, state)
	if err != nil {
		return err
	}

	switch {
	case mutated:
		// Replaced or removed documents leave stale points behind;
		// rebuild the namespace from the persisted chunks.
		if err := s.rebuildStore(ctx, state); err != nil {
			return err
		}
	case !rebuilt && len(state.Documents) > 0 && s.store.Count(s.namespace) == 0:
		// Cold start on an empty backend: repopulate from the
		// persisted chunks without touching the embedding provider.
		if err := s.rebuildStore(ctx, state); err != nil {
			return err
		}
	case len(newChunks) > 0:
		if err := s.store.AddDocuments(ctx, s.vectorDocuments(newChunks)); err != nil {
			return err
		}
	}

	state.Signature = signature
	return s.catalogue.saveState(state)
}

// reembed regenerates every persisted chunk embedding under the
// active signature: clear the namespace, re-embed document by
// document with a bounded worker pool, repopulate.
func (s *Service) reembed(ctx context.Context, state *State) error {
	if err := s.store.Clear(ctx, s.namespace); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)

	var mu sync.Mutex
	var all []Chunk

	for docID := range state.Documents {
		g.Go(func() error {
			chunks, err := s.catalogue.loadChunks(docID)
			if err != nil {
				return err
			}
			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Text
			}

			embeddings, err := s.embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to re-embed document %s: %w", docID, err)
			}
			if len(embeddings) != len(chunks) {
				return fmt.Errorf("re-embed of document %s returned %d embeddings for %d chunks", docID, len(embeddings), len(chunks))
			}
			for i := range chunks {
				chunks[i].Embedding = embeddings[i]
			}

			if err := s.catalogue.saveChunks(docID, chunks); err != nil {
				return err
			}
			mu.Lock()
			all = append(all, chunks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(all) == 0 {
		return nil
	}
	return s.store.AddDocuments(ctx, s.vectorDocuments(all))
}

// ingest reads every source, embedding documents that are new or whose
// content changed, and prunes catalogue entries their source no longer
// yields. It reports whether any existing document was replaced or
// removed, plus the chunks of newly ingested documents.
func (s *Service) ingest(ctx context.Context, state *State) (bool, []Chunk, error) {
	mutated := false
	var newChunks []Chunk

	for _, source := range s.sources {
		collection := source.Collection()
		state.addCollection(collection)

		docs, err := source.Documents(ctx)
		if err != nil {
			return false, nil, err
		}

		seen := make(map[string]bool, len(docs))
		for _, doc := range docs {
			docUUID := documentID(collection, doc.Key)
			docID := docUUID.String()

			checksum := checksumText(doc.Text)
			if record, ok := state.Documents[docID]; ok && record.Checksum == checksum {
				seen[docID] = true
				continue
			}

			texts := s.chunker.Chunk(doc.Text)
			if len(texts) == 0 {
				continue
			}

			chunks, err := s.embedChunks(ctx, docUUID, collection, doc, texts)
			if err != nil {
				return false, nil, err
			}
			if err := s.catalogue.saveChunks(docID, chunks); err != nil {
				return false, nil, err
			}

			if _, replacing := state.Documents[docID]; replacing {
				mutated = true
			}
			state.Documents[docID] = &DocumentRecord{
				ID:         docID,
				Collection: collection,
				Source:     doc.Key,
				Checksum:   checksum,
				ChunkCount: len(chunks),
				IngestedAt: time.Now().UTC(),
			}
			seen[docID] = true
			newChunks = append(newChunks, chunks...)
		}

		for docID, record := range state.Documents {
			if record.Collection != collection || seen[docID] {
				continue
			}
			if err := s.catalogue.deleteChunks(docID); err != nil {
				return false, nil, err
			}
			delete(state.Documents, docID)
			mutated = true
		}
	}

	return mutated, newChunks, nil
}

func (s *Service) embedChunks(ctx context.Context, docUUID uuid.UUID, collection string, doc SourceDocument, texts []string) ([]Chunk, error) {
	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document %q: %w", doc.Key, err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding document %q returned %d embeddings for %d chunks", doc.Key, len(embeddings), len(texts))
	}

	docID := docUUID.String()
	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:         chunkID(docUUID, i),
			DocumentID: docID,
			Collection: collection,
			Index:      i,
			Text:       text,
			Source:     doc.Key,
			Embedding:  embeddings[i],
			Metadata:   doc.Metadata,
		}
	}
	return chunks, nil
}

// rebuildStore clears the namespace and re-adds every persisted chunk.
func (s *Service) rebuildStore(ctx context.Context, state *State) error {
	if err := s.store.Clear(ctx, s.namespace); err != nil {
		return err
	}

	var all []Chunk
	for docID := range state.Documents {
		chunks, err := s.catalogue.loadChunks(docID)
		if err != nil {
			return err
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return nil
	}
	return s.store.AddDocuments(ctx, s.vectorDocuments(all))
}

func (s *Service) vectorDocuments(chunks []Chunk) []vector.Document {
	docs := make([]vector.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vectorDocument(chunk, s.namespace)
	}
	return docs
}

// Watch re-syncs when files under directory sources change. It returns
// immediately; the watcher runs until Close.
func (s *Service) Watch(ctx context.Context) error {
	var roots []string
	for _, source := range s.sources {
		roots = append(roots, source.WatchPaths()...)
	}
	if len(roots) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create knowledge watcher: %w", err)
	}

	watched := 0
	for _, root := range roots {
		walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.IsDir() {
				return nil
			}
			if addErr := watcher.Add(path); addErr != nil {
				slog.Warn("Failed to watch directory", "path", path, "error", addErr)
				return nil
			}
			watched++
			return nil
		})
		if walkErr != nil {
			slog.Warn("Failed to scan watch root", "path", root, "error", walkErr)
		}
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchLoop(ctx, watcher)

	slog.Info("Watching knowledge sources", "directories", watched)
	return nil
}

func (s *Service) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(s.done)

	var debounceTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire bursts of events per save; collapse them.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := s.Sync(ctx); err != nil {
					slog.Error("Knowledge re-sync failed", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Knowledge watcher error", "error", err)
		}
	}
}

// Close stops the watcher. The store is owned by the runtime and not
// closed here.
func (s *Service) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

func checksumText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
