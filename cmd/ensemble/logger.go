package main

import (
	"fmt"
	"os"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/logger"
)

const (
	logLevelEnvVar  = "LOG_LEVEL"
	logFileEnvVar   = "LOG_FILE"
	logFormatEnvVar = "LOG_FORMAT"
)

// setupLogger installs the process logger. Priority per knob:
// CLI flag > environment variable > fallback.
func setupLogger(level, file, format string) (func(), error) {
	level = firstNonEmpty(level, os.Getenv(logLevelEnvVar), "info")
	file = firstNonEmpty(file, os.Getenv(logFileEnvVar))
	format = firstNonEmpty(format, os.Getenv(logFormatEnvVar), "text")

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(parsed, output, format)
	return cleanup, nil
}

// applyConfigLogging re-installs the logger once the config file's
// logging section is known. Flags and environment variables still win.
func applyConfigLogging(app *CLI, cfg config.LoggingConfig) (func(), error) {
	return setupLogger(
		firstNonEmpty(app.LogLevel, os.Getenv(logLevelEnvVar), cfg.Level),
		firstNonEmpty(app.LogFile, os.Getenv(logFileEnvVar), cfg.File),
		firstNonEmpty(app.LogFormat, os.Getenv(logFormatEnvVar), cfg.Format),
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
