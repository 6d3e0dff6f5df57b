package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/pkg/config/provider"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// ConfigError represents a configuration loading or validation error.
type ConfigError struct {
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Kind classifies every loader failure as a configuration error.
func (e *ConfigError) Kind() errkind.Kind {
	return errkind.ConfigInvalid
}

// NewConfigError creates a new ConfigError.
func NewConfigError(operation, message string, err error) *ConfigError {
	return &ConfigError{
		Component: "config",
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// ============================================================================
// LOADER
// ============================================================================

// Loader reads configuration from a provider, expands environment
// variables, decodes, applies defaults and validates.
type Loader struct {
	provider provider.Provider
	strict   bool
	logger   *slog.Logger
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithStrict toggles rejection of unknown configuration keys.
// Strict mode is on by default.
func WithStrict(strict bool) LoaderOption {
	return func(l *Loader) { l.strict = strict }
}

// WithLogger sets the logger used for load warnings.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a Loader on top of a config provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{
		provider: p,
		strict:   true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the config source and materializes a validated Config.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, NewConfigError("load", "failed to read config source", err)
	}
	return l.Parse(raw)
}

// Parse decodes raw config bytes into a validated Config.
//
// The document may be YAML or JSON; JSON parses through the same path
// since YAML is a superset. Environment references are expanded before
// decoding, defaults are applied before validation, and validation
// reports every violation rather than stopping at the first.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, NewConfigError("parse", "failed to parse config document", err)
	}
	if tree == nil {
		return nil, NewConfigError("parse", "config document is empty", nil)
	}

	expanded, ok := ExpandEnvVarsInData(tree).(map[string]any)
	if !ok {
		return nil, NewConfigError("parse", "config document must be a mapping", nil)
	}

	cfg := &Config{}
	meta := &mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           cfg,
		WeaklyTypedInput: true,
		Metadata:         meta,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, NewConfigError("parse", "failed to build config decoder", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, NewConfigError("parse", "failed to decode config", err)
	}

	if len(meta.Unused) > 0 {
		sort.Strings(meta.Unused)
		keys := strings.Join(meta.Unused, ", ")
		if l.strict {
			return nil, NewConfigError("parse", fmt.Sprintf("unknown configuration keys: %s", keys), nil)
		}
		l.logger.Warn("Ignoring unknown configuration keys", "keys", keys)
	}

	cfg.SetDefaults()

	result := cfg.Validate()
	for _, w := range result.Warnings {
		l.logger.Warn("Configuration warning", "warning", w)
	}
	if !result.Valid() {
		return nil, NewConfigError("validate", result.Error(), nil)
	}

	return cfg, nil
}

// Watch reloads the config whenever the underlying source changes and
// invokes onChange with each successfully validated config. Reloads
// that fail to parse or validate are logged and skipped so a bad edit
// never tears down a running system.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config) error) error {
	ch, err := l.provider.Watch(ctx)
	if err != nil {
		return NewConfigError("watch", "failed to start watching config source", err)
	}

	go func() {
		for range ch {
			cfg, err := l.Load(ctx)
			if err != nil {
				l.logger.Error("Config reload failed, keeping previous config", "error", err)
				continue
			}
			if err := onChange(cfg); err != nil {
				l.logger.Error("Config change handler failed", "error", err)
			}
		}
	}()

	return nil
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// stringToDurationHookFunc decodes duration strings ("30s", "1m") into
// config.Duration fields. Plain integers pass through as nanoseconds.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	durationType := reflect.TypeOf(Duration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f.Kind() != reflect.String {
			return data, nil
		}
		d, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", data, err)
		}
		return Duration(d), nil
	}
}

// ============================================================================
// CONVENIENCE HELPERS
// ============================================================================

// LoadFile loads and validates a config file in one call.
func LoadFile(path string, opts ...LoaderOption) (*Config, error) {
	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, NewConfigError("load", "failed to open config file", err)
	}
	defer p.Close()

	return NewLoader(p, opts...).Load(context.Background())
}

// LoadBytes parses and validates raw config bytes in one call.
func LoadBytes(data []byte, opts ...LoaderOption) (*Config, error) {
	return NewLoader(nil, opts...).Parse(data)
}

// Serialize renders the config back to YAML.
func (c *Config) Serialize() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, NewConfigError("serialize", "failed to marshal config", err)
	}
	return out, nil
}
