// Command ensemble runs declarative multi-agent workflows.
//
// Usage:
//
//	ensemble run --config ensemble.yaml "review this incident report"
//	ensemble run --config ensemble.yaml --agent researcher "find prior art"
//	ensemble validate ensemble.yaml
//	ensemble schema > config-schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/ensembleworks/ensemble"
	"github.com/ensembleworks/ensemble/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the configured workflow or a single agent."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config          string   `short:"c" help:"Config location (file path, or key for remote sources)."`
	ConfigFrom      string   `name:"config-from" help:"Config source type." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoint" help:"Remote config source endpoints (repeatable)."`
	LogLevel        string   `help:"Log level (debug, info, warn, error)."`
	LogFile         string   `help:"Log file path (empty = stderr)."`
	LogFormat       string   `help:"Log format (text, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := ensemble.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("ensemble version %s (%s)\n", version, ensemble.GetVersion().Platform)
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	app := CLI{}
	ctx := kong.Parse(&app,
		kong.Name("ensemble"),
		kong.Description("Declarative multi-agent workflow runtime"),
		kong.UsageOnError(),
	)

	cleanup, err := setupLogger(app.LogLevel, app.LogFile, app.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&app)
	ctx.FatalIfErrorf(err)
}
