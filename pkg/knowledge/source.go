package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"log/slog"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// SourceDocument is one raw document produced by a source.
type SourceDocument struct {
	// Key is the document's stable identity within its collection:
	// the relative path for directories, the first query column for
	// SQL sources.
	Key      string
	Text     string
	Metadata map[string]any
}

// Source yields the current documents of one knowledge collection.
type Source interface {
	Collection() string
	Documents(ctx context.Context) ([]SourceDocument, error)

	// WatchPaths returns filesystem roots to watch for changes,
	// empty for sources that are not file-backed.
	WatchPaths() []string
}

func buildSources(cfgs []config.DocumentSourceConfig, pool *config.DBPool) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for i := range cfgs {
		cfg := &cfgs[i]
		switch cfg.Type {
		case "directory":
			sources = append(sources, &directorySource{cfg: cfg})
		case "sql":
			if pool == nil {
				return nil, fmt.Errorf("knowledge source %q: sql sources need a database pool", cfg.Collection)
			}
			sources = append(sources, &sqlSource{cfg: cfg, pool: pool})
		default:
			return nil, fmt.Errorf("knowledge source %q: unknown type %q", cfg.Collection, cfg.Type)
		}
	}
	return sources, nil
}

// directorySource walks a filesystem tree and yields its text files.
type directorySource struct {
	cfg *config.DocumentSourceConfig
}

func (s *directorySource) Collection() string   { return s.cfg.Collection }
func (s *directorySource) WatchPaths() []string { return []string{s.cfg.Path} }

func (s *directorySource) Documents(ctx context.Context) ([]SourceDocument, error) {
	var docs []SourceDocument

	err := filepath.Walk(s.cfg.Path, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			slog.Warn("Skipping unreadable path", "path", path, "error", err)
			return nil
		}

		relPath, relErr := filepath.Rel(s.cfg.Path, path)
		if relErr != nil {
			relPath = path
		}

		if info.IsDir() {
			if relPath != "." && matchGlobs(s.cfg.Exclude, relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Size() == 0 {
			return nil
		}
		if s.cfg.MaxFileSize > 0 && info.Size() > s.cfg.MaxFileSize {
			return nil
		}
		if matchGlobs(s.cfg.Exclude, relPath) {
			return nil
		}
		if len(s.cfg.Include) > 0 && !matchGlobs(s.cfg.Include, relPath) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable file", "path", path, "error", err)
			return nil
		}
		if !utf8.Valid(content) {
			return nil
		}

		docs = append(docs, SourceDocument{
			Key:  relPath,
			Text: string(content),
			Metadata: map[string]any{
				"name":          info.Name(),
				"last_modified": info.ModTime().Unix(),
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory %q: %w", s.cfg.Path, err)
	}
	return docs, nil
}

// matchGlobs reports whether any pattern matches the relative path or
// its base name, so "*.md" works at any depth.
func matchGlobs(patterns []string, relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// sqlSource reads documents from a database query.
type sqlSource struct {
	cfg  *config.DocumentSourceConfig
	pool *config.DBPool
}

func (s *sqlSource) Collection() string   { return s.cfg.Collection }
func (s *sqlSource) WatchPaths() []string { return nil }

// Documents runs the configured query. The first column is the
// document key, the second its text, remaining columns become
// metadata.
func (s *sqlSource) Documents(ctx context.Context) ([]SourceDocument, error) {
	db, err := s.pool.Get(s.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("knowledge source %q: %w", s.cfg.Collection, err)
	}

	rows, err := db.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("knowledge source %q: query failed: %w", s.cfg.Collection, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("knowledge source %q: %w", s.cfg.Collection, err)
	}
	if len(columns) < 2 {
		return nil, fmt.Errorf("knowledge source %q: query must select at least id and text columns", s.cfg.Collection)
	}

	var docs []SourceDocument
	for rows.Next() {
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("knowledge source %q: scan failed: %w", s.cfg.Collection, err)
		}

		key := sqlString(values[0])
		text := sqlString(values[1])
		if key == "" || text == "" {
			continue
		}

		var metadata map[string]any
		if len(columns) > 2 {
			metadata = make(map[string]any, len(columns)-2)
			for i := 2; i < len(columns); i++ {
				metadata[columns[i]] = sqlValue(values[i])
			}
		}
		docs = append(docs, SourceDocument{Key: key, Text: text, Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge source %q: %w", s.cfg.Collection, err)
	}
	return docs, nil
}

// sqlString renders a scanned value as a string key or text.
func sqlString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// sqlValue normalizes driver values so metadata survives the JSON
// round trip.
func sqlValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
