package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// PineconeStore talks to a managed Pinecone index. Namespaces map to
// Pinecone namespaces within the one configured index, which must
// already exist.
type PineconeStore struct {
	client    *pinecone.Client
	indexName string

	mu   sync.RWMutex
	host string
	dims map[string]int
}

// NewPineconeStore creates a client for the configured index.
func NewPineconeStore(cfg *config.VectorStoreConfig) (*PineconeStore, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone store requires an api key")
	}

	clientParams := pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	}
	if cfg.Host != "" {
		clientParams.Host = cfg.Host
	}
	client, err := pinecone.NewClient(clientParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "ensemble-index"
	}

	return &PineconeStore{
		client:    client,
		indexName: indexName,
		dims:      make(map[string]int),
	}, nil
}

// connect opens a connection bound to the given namespace. The index
// host is resolved once and cached.
func (s *PineconeStore) connect(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	s.mu.RLock()
	host := s.host
	s.mu.RUnlock()

	if host == "" {
		index, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %q: %w", s.indexName, err)
		}
		host = index.Host
		s.mu.Lock()
		s.host = host
		s.mu.Unlock()
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %q: %w", s.indexName, err)
	}
	return conn, nil
}

// AddDocuments upserts documents into their namespaces.
func (s *PineconeStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	grouped := make(map[string][]Document)
	var order []string
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %q has no embedding", doc.ID)
		}
		ns := namespaceOrDefault(doc.Namespace)
		if _, ok := grouped[ns]; !ok {
			order = append(order, ns)
		}
		grouped[ns] = append(grouped[ns], doc)
	}

	for _, ns := range order {
		batch := grouped[ns]

		s.mu.Lock()
		want := s.dims[ns]
		for _, doc := range batch {
			if want == 0 {
				want = len(doc.Embedding)
				continue
			}
			if len(doc.Embedding) != want {
				s.mu.Unlock()
				return dimensionError(ns, want, len(doc.Embedding))
			}
		}
		s.dims[ns] = want
		s.mu.Unlock()

		if err := s.upsertBatch(ctx, ns, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PineconeStore) upsertBatch(ctx context.Context, namespace string, docs []Document) error {
	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(docs))
	for _, doc := range docs {
		metadata, err := pineconeMetadata(doc)
		if err != nil {
			return err
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       doc.ID,
			Values:   doc.Embedding,
			Metadata: metadata,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors into namespace %q: %w", namespace, err)
	}
	return nil
}

// pineconeMetadata folds the document text into the metadata struct so
// matches can be rehydrated without a second fetch.
func pineconeMetadata(doc Document) (*pinecone.Metadata, error) {
	fields := make(map[string]any, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		fields[k] = v
	}
	fields[payloadTextKey] = doc.Text

	metadata, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metadata of document %q: %w", doc.ID, err)
	}
	return metadata, nil
}

// SimilaritySearch queries the namespace. Filters translate to
// Pinecone's Mongo-style $eq/$in operators; the score threshold is
// applied here since the API has none.
func (s *PineconeStore) SimilaritySearch(ctx context.Context, query Query) ([]Match, error) {
	ns := namespaceOrDefault(query.Namespace)

	conn, err := s.connect(ctx, ns)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	topK := query.TopK
	if topK <= 0 {
		topK = 100
	}

	var metadataFilter *pinecone.MetadataFilter
	if len(query.Filters) > 0 {
		metadataFilter, err = pineconeFilter(query.Filters)
		if err != nil {
			return nil, err
		}
	}

	response, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query.Vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query namespace %q: %w", ns, err)
	}

	matches := make([]Match, 0, len(response.Matches))
	for _, scored := range response.Matches {
		if scored.Vector == nil {
			continue
		}
		if scored.Score < query.ScoreThreshold {
			continue
		}

		metadata := map[string]any{}
		if scored.Vector.Metadata != nil {
			metadata = scored.Vector.Metadata.AsMap()
		}
		text := ""
		if raw, ok := metadata[payloadTextKey].(string); ok {
			text = raw
			delete(metadata, payloadTextKey)
		}

		matches = append(matches, Match{
			Document: Document{
				ID:        scored.Vector.Id,
				Text:      text,
				Embedding: scored.Vector.Values,
				Metadata:  metadata,
				Namespace: ns,
			},
			Score: scored.Score,
		})
	}
	return matches, nil
}

// pineconeFilter rewrites filter clauses into Pinecone's operator
// form: scalars become {"$eq": v}, membership passes through as $in.
func pineconeFilter(filters map[string]any) (*pinecone.MetadataFilter, error) {
	translated := make(map[string]any, len(filters))
	for key, clause := range filters {
		if wanted, isIn := inClause(clause); isIn {
			translated[key] = map[string]any{"$in": wanted}
			continue
		}
		translated[key] = map[string]any{"$eq": clause}
	}

	filter, err := structpb.NewStruct(translated)
	if err != nil {
		return nil, fmt.Errorf("failed to convert filters: %w", err)
	}
	return filter, nil
}

// Clear deletes every vector in the namespace.
func (s *PineconeStore) Clear(ctx context.Context, namespace string) error {
	ns := namespaceOrDefault(namespace)

	conn, err := s.connect(ctx, ns)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear namespace %q: %w", ns, err)
	}

	s.mu.Lock()
	delete(s.dims, ns)
	s.mu.Unlock()
	return nil
}

// Count always reports 0; Pinecone exposes no cheap per-namespace count.
func (s *PineconeStore) Count(namespace string) int {
	return 0
}

// Close is a no-op; connections are opened and closed per operation.
func (s *PineconeStore) Close() error {
	return nil
}

var _ Store = (*PineconeStore)(nil)
