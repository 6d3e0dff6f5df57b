// Package knowledge owns the knowledge-base catalogue and keeps the
// vector store populated from it.
//
// On disk a knowledge base is a root directory holding state.json (the
// collection and document catalogue plus the embedding signature) and
// chunks/<document-id>.json with the embedded chunks of each document.
// The service ingests documents from configured sources, chunks and
// embeds them, and rebuilds the store whenever the effective embedding
// configuration changes.
package knowledge

import (
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/vector"
)

// Chunk is one embeddable piece of an ingested document. Chunks are
// persisted with their embeddings so restarts and store rebuilds do
// not re-call the embedding provider unless the signature changed.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Collection string         `json:"collection"`
	Index      int            `json:"index"`
	Text       string         `json:"text"`
	Source     string         `json:"source,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DocumentRecord catalogues one ingested document.
type DocumentRecord struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Source     string    `json:"source,omitempty"`
	Checksum   string    `json:"checksum"`
	ChunkCount int       `json:"chunk_count"`
	IngestedAt time.Time `json:"ingested_at"`
}

// State is the persisted catalogue, stored as state.json.
type State struct {
	// Signature is the embedding signature the stored chunk
	// embeddings were generated under.
	Signature string `json:"embedding_signature,omitempty"`

	// Collections lists every known collection id.
	Collections []string `json:"collections,omitempty"`

	// Documents maps document id to its record.
	Documents map[string]*DocumentRecord `json:"documents"`
}

func newState() *State {
	return &State{Documents: make(map[string]*DocumentRecord)}
}

func (s *State) addCollection(name string) {
	for _, c := range s.Collections {
		if c == name {
			return
		}
	}
	s.Collections = append(s.Collections, name)
}

// documentID derives the stable document id for a source document.
// Qdrant accepts only UUID point ids, so chunk and document ids are
// name-based UUIDs: same collection and key, same id.
func documentID(collection, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(collection+"\x00"+key))
}

// chunkID derives the stable id of the i-th chunk of a document.
func chunkID(docID uuid.UUID, index int) string {
	return uuid.NewSHA1(docID, []byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)}).String()
}

// vectorDocument renders a chunk as a store document, stamping the
// reserved metadata keys.
func vectorDocument(chunk Chunk, namespace string) vector.Document {
	metadata := make(map[string]any, len(chunk.Metadata)+4)
	for k, v := range chunk.Metadata {
		metadata[k] = v
	}
	metadata[vector.MetaCollectionID] = chunk.Collection
	metadata[vector.MetaDocumentID] = chunk.DocumentID
	metadata[vector.MetaChunkIndex] = chunk.Index
	if chunk.Source != "" {
		metadata[vector.MetaSource] = chunk.Source
	}

	return vector.Document{
		ID:        chunk.ID,
		Text:      chunk.Text,
		Embedding: chunk.Embedding,
		Metadata:  metadata,
		Namespace: namespace,
	}
}
