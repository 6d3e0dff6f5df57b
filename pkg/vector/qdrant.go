package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// payloadTextKey carries the document text inside the qdrant payload.
const payloadTextKey = "text"

// QdrantStore talks to a qdrant server over gRPC, one collection per
// namespace. Point IDs must be UUIDs; the knowledge layer generates
// them that way.
type QdrantStore struct {
	client *qdrant.Client

	mu   sync.RWMutex
	dims map[string]int
}

// NewQdrantStore connects to the configured qdrant server.
func NewQdrantStore(cfg *config.VectorStoreConfig) (*QdrantStore, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, fmt.Errorf("qdrant store requires a host")
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
		dims:   make(map[string]int),
	}, nil
}

// ensureCollection creates the namespace collection if missing, sized
// from the first embedding seen.
func (s *QdrantStore) ensureCollection(ctx context.Context, namespace string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", namespace, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: namespace,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %q: %w", namespace, err)
	}
	return nil
}

// AddDocuments upserts documents into their namespace collections.
func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) error {
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

		if err := s.ensureCollection(ctx, ns, want); err != nil {
			return err
		}

		points := make([]*qdrant.PointStruct, 0, len(batch))
		for _, doc := range batch {
			payload, err := buildQdrantPayload(doc)
			if err != nil {
				return err
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewID(doc.ID),
				Vectors: qdrant.NewVectors(doc.Embedding...),
				Payload: payload,
			})
		}

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: ns,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points into %q: %w", ns, err)
		}
	}
	return nil
}

func buildQdrantPayload(doc Document) (map[string]*qdrant.Value, error) {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+1)
	for key, value := range doc.Metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert metadata %q of document %q: %w", key, doc.ID, err)
		}
		payload[key] = val
	}
	text, err := qdrant.NewValue(doc.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to convert text of document %q: %w", doc.ID, err)
	}
	payload[payloadTextKey] = text
	return payload, nil
}

// SimilaritySearch runs a server-side search. Filters and the score
// threshold translate to native qdrant conditions; results are
// post-checked with MatchesFilters so semantics match the embedded
// backend exactly.
func (s *QdrantStore) SimilaritySearch(ctx context.Context, query Query) ([]Match, error) {
	ns := namespaceOrDefault(query.Namespace)

	exists, err := s.client.CollectionExists(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %q: %w", ns, err)
	}
	if !exists {
		return nil, nil
	}

	limit := query.TopK
	if limit <= 0 {
		// Remote searches need a concrete page size.
		limit = 100
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: ns,
		Vector:         query.Vector,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if query.ScoreThreshold > 0 {
		threshold := query.ScoreThreshold
		searchRequest.ScoreThreshold = &threshold
	}
	if len(query.Filters) > 0 {
		searchRequest.Filter = buildQdrantFilter(query.Filters)
	}

	pointsClient := s.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points in %q: %w", ns, err)
	}

	matches := make([]Match, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		doc := decodeQdrantPoint(point, ns)
		if len(query.Filters) > 0 && !MatchesFilters(doc.Metadata, query.Filters) {
			continue
		}
		if point.Score < query.ScoreThreshold {
			continue
		}
		matches = append(matches, Match{Document: doc, Score: point.Score})
	}
	return matches, nil
}

// buildQdrantFilter translates filter clauses into qdrant match
// conditions. Strings and string membership map to keyword matches,
// integers and booleans to their native match types; anything else is
// matched as a stringified keyword.
func buildQdrantFilter(filters map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filters))

	for key, clause := range filters {
		var match *qdrant.Match
		if wanted, isIn := inClause(clause); isIn {
			keywords := make([]string, len(wanted))
			for i, w := range wanted {
				keywords[i] = fmt.Sprint(w)
			}
			match = &qdrant.Match{
				MatchValue: &qdrant.Match_Keywords{
					Keywords: &qdrant.RepeatedStrings{Strings: keywords},
				},
			}
		} else {
			match = scalarMatch(clause)
		}

		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: match,
				},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}

func scalarMatch(value any) *qdrant.Match {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	case float64:
		if v == float64(int64(v)) {
			return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
		}
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
	default:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
	}
}

func decodeQdrantPoint(point *qdrant.ScoredPoint, namespace string) Document {
	var id string
	if point.Id != nil && point.Id.PointIdOptions != nil {
		switch idType := point.Id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			id = idType.Uuid
		case *qdrant.PointId_Num:
			id = fmt.Sprintf("%d", idType.Num)
		}
	}

	var embedding []float32
	if point.Vectors != nil {
		if vectorData := point.Vectors.GetVector(); vectorData != nil {
			if dense, ok := vectorData.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
				embedding = dense.Dense.Data
			}
		}
	}

	metadata := make(map[string]any, len(point.Payload))
	for key, value := range point.Payload {
		metadata[key] = decodeQdrantValue(value)
	}

	text := ""
	if raw, ok := metadata[payloadTextKey].(string); ok {
		text = raw
		delete(metadata, payloadTextKey)
	}

	return Document{
		ID:        id,
		Text:      text,
		Embedding: embedding,
		Metadata:  metadata,
		Namespace: namespace,
	}
}

func decodeQdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = decodeQdrantValue(item)
		}
		return list
	default:
		return value
	}
}

// Clear drops the namespace collection.
func (s *QdrantStore) Clear(ctx context.Context, namespace string) error {
	ns := namespaceOrDefault(namespace)

	exists, err := s.client.CollectionExists(ctx, ns)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", ns, err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, ns); err != nil {
			return fmt.Errorf("failed to clear namespace %q: %w", ns, err)
		}
	}

	s.mu.Lock()
	delete(s.dims, ns)
	s.mu.Unlock()
	return nil
}

// Count always reports 0; qdrant point counts are not tracked here.
func (s *QdrantStore) Count(namespace string) int {
	return 0
}

// Close tears down the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
