package config

import "fmt"

// ChunkingConfig controls how ingested documents are split.
type ChunkingConfig struct {
	// Strategy is simple (line/size) or token (tiktoken-aware).
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"enum=simple,enum=token,default=simple"`

	// Size is the target chunk size: characters (simple) or tokens (token).
	Size int `yaml:"size,omitempty" json:"size,omitempty"`

	// Overlap carried between consecutive chunks.
	Overlap int `yaml:"overlap,omitempty" json:"overlap,omitempty"`

	// Model picks the tokenizer encoding for the token strategy
	// (falls back to cl100k_base).
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// SetDefaults applies default values.
func (c *ChunkingConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = "simple"
	}
	if c.Size == 0 {
		if c.Strategy == "token" {
			c.Size = 512
		} else {
			c.Size = 2000
		}
	}
	if c.Overlap == 0 {
		c.Overlap = c.Size / 10
	}
}

// Validate checks the chunking config.
func (c *ChunkingConfig) Validate() error {
	switch c.Strategy {
	case "", "simple", "token":
	default:
		return fmt.Errorf("invalid chunking strategy %q (valid: simple, token)", c.Strategy)
	}
	if c.Size < 0 || c.Overlap < 0 {
		return fmt.Errorf("chunking size and overlap must be >= 0")
	}
	if c.Size > 0 && c.Overlap >= c.Size {
		return fmt.Errorf("chunking overlap must be smaller than size")
	}
	return nil
}

// DocumentSourceConfig declares where a collection's documents come from.
//
// Example YAML:
//
//	knowledge:
//	  sources:
//	    - collection: docs
//	      type: directory
//	      path: ./docs
//	      include: ["*.md"]
//	    - collection: tickets
//	      type: sql
//	      database:
//	        driver: postgres
//	        host: db.internal
//	        database: support
//	      query: SELECT id, body FROM tickets
type DocumentSourceConfig struct {
	// Collection is the knowledge collection fed by this source.
	Collection string `yaml:"collection" json:"collection"`

	// Type is directory or sql.
	Type string `yaml:"type" json:"type" jsonschema:"enum=directory,enum=sql"`

	// Path is the directory root (type=directory).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Include globs select files (type=directory; default all).
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`

	// Exclude globs skip files (type=directory).
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`

	// MaxFileSize skips larger files, bytes (type=directory; default 1MiB).
	MaxFileSize int64 `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`

	// Database connects the sql source.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`

	// Query selects rows (type=sql). First column is the document id,
	// second the text, remaining columns become metadata.
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
}

// SetDefaults applies default values.
func (s *DocumentSourceConfig) SetDefaults() {
	if s.MaxFileSize == 0 {
		s.MaxFileSize = 1 << 20
	}
	if s.Database != nil {
		s.Database.SetDefaults()
	}
}

// Validate checks the source.
func (s *DocumentSourceConfig) Validate() []error {
	var errs []error

	if s.Collection == "" {
		errs = append(errs, fmt.Errorf("knowledge source requires a collection"))
	}
	switch s.Type {
	case "directory":
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("knowledge source %q: directory type requires a path", s.Collection))
		}
	case "sql":
		if s.Database == nil {
			errs = append(errs, fmt.Errorf("knowledge source %q: sql type requires a database", s.Collection))
		} else if err := s.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("knowledge source %q: %w", s.Collection, err))
		}
		if s.Query == "" {
			errs = append(errs, fmt.Errorf("knowledge source %q: sql type requires a query", s.Collection))
		}
	default:
		errs = append(errs, fmt.Errorf("knowledge source %q: invalid type %q (valid: directory, sql)", s.Collection, s.Type))
	}

	return errs
}

// KnowledgeConfig configures the knowledge-base service.
type KnowledgeConfig struct {
	// Path is the knowledge-base root directory holding state.json and
	// chunks/ (default .ensemble/knowledge).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Sources to ingest on sync.
	Sources []DocumentSourceConfig `yaml:"sources,omitempty" json:"sources,omitempty"`

	// Chunking controls document splitting.
	Chunking ChunkingConfig `yaml:"chunking,omitempty" json:"chunking,omitempty"`

	// Watch re-indexes directory sources on file changes.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// SetDefaults applies default values.
func (k *KnowledgeConfig) SetDefaults() {
	if k.Path == "" {
		k.Path = ".ensemble/knowledge"
	}
	k.Chunking.SetDefaults()
	for i := range k.Sources {
		k.Sources[i].SetDefaults()
	}
}

// Validate checks the knowledge config.
func (k *KnowledgeConfig) Validate() []error {
	var errs []error

	if err := k.Chunking.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("knowledge: %w", err))
	}
	for i := range k.Sources {
		errs = append(errs, k.Sources[i].Validate()...)
	}

	return errs
}
