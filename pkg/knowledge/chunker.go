package knowledge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// Chunker splits document text into embeddable pieces.
type Chunker interface {
	Chunk(text string) []string
}

// NewChunker builds the configured chunker: simple (line-grouping by
// byte size) or token (tiktoken windows).
func NewChunker(cfg config.ChunkingConfig) (Chunker, error) {
	cfg.SetDefaults()
	switch cfg.Strategy {
	case "", "simple":
		return &simpleChunker{size: cfg.Size, overlap: cfg.Overlap}, nil
	case "token":
		encoding, err := encodingFor(cfg.Model)
		if err != nil {
			return nil, err
		}
		return &tokenChunker{encoding: encoding, size: cfg.Size, overlap: cfg.Overlap}, nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", cfg.Strategy)
	}
}

// simpleChunker groups whole lines into chunks of at most size bytes,
// so chunks never split mid-line. A single line longer than size forms
// its own oversized chunk.
type simpleChunker struct {
	size    int
	overlap int
}

func (c *simpleChunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.size {
		return []string{text}
	}

	lines := strings.Split(text, "\n")
	var groups [][]string
	var current []string
	currentLen := 0
	for _, line := range lines {
		lineLen := len(line) + 1
		if currentLen > 0 && currentLen+lineLen > c.size {
			groups = append(groups, current)
			current = nil
			currentLen = 0
		}
		current = append(current, line)
		currentLen += lineLen
	}
	if currentLen > 0 {
		groups = append(groups, current)
	}

	chunks := make([]string, len(groups))
	for i, group := range groups {
		if i > 0 && c.overlap > 0 {
			group = append(overlapTail(groups[i-1], c.overlap), group...)
		}
		chunks[i] = strings.Join(group, "\n")
	}
	return chunks
}

// overlapTail returns the trailing lines of a group totalling at most
// overlap bytes.
func overlapTail(group []string, overlap int) []string {
	var tail []string
	total := 0
	for i := len(group) - 1; i >= 0; i-- {
		lineLen := len(group[i]) + 1
		if total+lineLen > overlap {
			break
		}
		tail = append([]string{group[i]}, tail...)
		total += lineLen
	}
	return tail
}

// tokenChunker windows the token stream, decoding each window back to
// text. Chunk size and overlap are counted in tokens.
type tokenChunker struct {
	encoding *tiktoken.Tiktoken
	size     int
	overlap  int
}

func (c *tokenChunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := c.encoding.Encode(text, nil, nil)
	if len(tokens) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	if step <= 0 {
		step = c.size
	}

	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, c.encoding.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// encodingFor resolves the tokenizer for a model, falling back to
// cl100k_base for unknown models. Encodings are cached; loading one
// is expensive.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	key := model
	if key == "" {
		key = "cl100k_base"
	}

	encodingMu.Lock()
	defer encodingMu.Unlock()

	if encoding, ok := encodingCache[key]; ok {
		return encoding, nil
	}

	var encoding *tiktoken.Tiktoken
	var err error
	if model != "" {
		encoding, err = tiktoken.EncodingForModel(model)
	}
	if encoding == nil || err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
	}

	encodingCache[key] = encoding
	return encoding, nil
}
