package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// catalogue reads and writes the on-disk knowledge-base layout.
type catalogue struct {
	root string
}

func newCatalogue(root string) (*catalogue, error) {
	if err := os.MkdirAll(filepath.Join(root, "chunks"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
	}
	return &catalogue{root: root}, nil
}

func (c *catalogue) statePath() string {
	return filepath.Join(c.root, "state.json")
}

func (c *catalogue) chunkPath(docID string) string {
	return filepath.Join(c.root, "chunks", docID+".json")
}

// loadState reads state.json, returning an empty catalogue when the
// file does not exist yet.
func (c *catalogue) loadState() (*State, error) {
	raw, err := os.ReadFile(c.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("failed to read catalogue: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue: %w", err)
	}
	if state.Documents == nil {
		state.Documents = make(map[string]*DocumentRecord)
	}
	return &state, nil
}

func (c *catalogue) saveState(state *State) error {
	return writeJSONAtomic(c.statePath(), state)
}

func (c *catalogue) loadChunks(docID string) ([]Chunk, error) {
	raw, err := os.ReadFile(c.chunkPath(docID))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks of document %s: %w", docID, err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("failed to parse chunks of document %s: %w", docID, err)
	}
	return chunks, nil
}

func (c *catalogue) saveChunks(docID string, chunks []Chunk) error {
	return writeJSONAtomic(c.chunkPath(docID), chunks)
}

func (c *catalogue) deleteChunks(docID string) error {
	if err := os.Remove(c.chunkPath(docID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete chunks of document %s: %w", docID, err)
	}
	return nil
}

// writeJSONAtomic writes via a temp file and rename so a crash never
// leaves a half-written catalogue.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
