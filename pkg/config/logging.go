package config

import "fmt"

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error (default info).
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format is text or json (default text).
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=text,enum=json,default=text"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// SetDefaults applies default values.
func (l *LoggingConfig) SetDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

// Validate checks the logging config.
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", l.Level)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", l.Format)
	}
	return nil
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Exporter is otlp or stdout (default otlp).
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty" jsonschema:"enum=otlp,enum=stdout,default=otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// SamplingRate in [0,1] (default 1).
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// MetricsConfig controls the OpenTelemetry meter.
type MetricsConfig struct {
	// Enabled turns metric recording on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ObservabilityConfig groups tracing and metrics.
type ObservabilityConfig struct {
	// ServiceName reported on traces and metrics (default "ensemble").
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`

	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// SetDefaults applies default values.
func (o *ObservabilityConfig) SetDefaults() {
	if o.ServiceName == "" {
		o.ServiceName = "ensemble"
	}
	if o.Tracing.Exporter == "" {
		o.Tracing.Exporter = "otlp"
	}
	if o.Tracing.Endpoint == "" {
		o.Tracing.Endpoint = "localhost:4317"
	}
	if o.Tracing.SamplingRate == 0 {
		o.Tracing.SamplingRate = 1.0
	}
}

// Validate checks the observability config.
func (o *ObservabilityConfig) Validate() error {
	switch o.Tracing.Exporter {
	case "", "otlp", "stdout":
	default:
		return fmt.Errorf("invalid tracing exporter %q (valid: otlp, stdout)", o.Tracing.Exporter)
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate must be within [0,1]")
	}
	return nil
}
