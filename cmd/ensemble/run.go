package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/term"

	"github.com/ensembleworks/ensemble/pkg/cli"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/config/provider"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/runtime"
	"github.com/ensembleworks/ensemble/pkg/streaming"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

// RunCmd executes the configured workflow, or a single agent, once.
type RunCmd struct {
	Input       string `arg:"" optional:"" help:"Input for the run. Read from stdin when omitted."`
	Agent       string `help:"Run a single agent by id instead of the configured workflow."`
	Stream      *bool  `default:"true" negatable:"" help:"Stream output as it is produced (use --no-stream to disable)."`
	Verbosity   string `help:"Stream verbosity." default:"normal" enum:"minimal,normal,debug"`
	AutoApprove bool   `name:"auto-approve" help:"Approve every tool call and plan review without prompting."`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics and health on this address." placeholder:"HOST:PORT"`
}

func (c *RunCmd) Run(app *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, app)
	if err != nil {
		return err
	}
	defer loader.Close()

	cleanup, err := applyConfigLogging(app, cfg.Logging)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	input, err := c.resolveInput()
	if err != nil {
		return err
	}

	verbosity, err := streaming.ParseVerbosity(c.Verbosity)
	if err != nil {
		return err
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	if c.MetricsAddr != "" {
		stop := serveMetrics(c.MetricsAddr, obs.Metrics())
		defer stop()
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	prompt := cli.NewPrompt(c.AutoApprove)
	rt.SetApprover(prompt)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	stream := c.Stream == nil || *c.Stream
	if c.Agent != "" || cfg.Workflow == nil {
		return c.runAgent(ctx, rt, input, stream, verbosity)
	}
	return c.runWorkflow(ctx, rt, prompt, input, stream, verbosity)
}

func (c *RunCmd) runWorkflow(ctx context.Context, rt *runtime.Runtime, reviewer workflow.PlanReviewer, input string, stream bool, verbosity streaming.Verbosity) error {
	eng, err := rt.Engine()
	if err != nil {
		return err
	}
	eng.SetReviewer(reviewer)

	if stream {
		events, err := eng.RunStreaming(ctx, input)
		if err != nil {
			return err
		}
		return drainStream(events, verbosity)
	}

	result, err := eng.Run(ctx, input)
	if err != nil {
		return err
	}
	fmt.Println(result.Output)
	slog.Info("Workflow complete", "duration", result.Duration, "tokens", result.TokensUsed)
	return nil
}

func (c *RunCmd) runAgent(ctx context.Context, rt *runtime.Runtime, input string, stream bool, verbosity streaming.Verbosity) error {
	rn, err := rt.Runner()
	if err != nil {
		return err
	}

	if stream {
		events, err := rn.RunStreaming(ctx, c.Agent, input)
		if err != nil {
			return err
		}
		return drainStream(events, verbosity)
	}

	result, err := rn.Run(ctx, c.Agent, input)
	if err != nil {
		return err
	}
	fmt.Println(result.Output)
	slog.Info("Run complete", "duration", result.Duration, "tokens", result.TokensUsed)
	return nil
}

// resolveInput takes the input from the positional argument, falling
// back to stdin when the command is fed through a pipe.
func (c *RunCmd) resolveInput() (string, error) {
	if c.Input != "" {
		return c.Input, nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no input: pass it as an argument or pipe it on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", fmt.Errorf("no input: stdin was empty")
	}
	return input, nil
}

// loadConfig builds the configured provider and loads the config
// through it. The returned loader stays open so remote sources keep
// their client connections for the lifetime of the run.
func loadConfig(ctx context.Context, app *CLI) (*config.Config, *config.Loader, error) {
	if app.Config == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}

	typ, err := provider.ParseType(app.ConfigFrom)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.New(provider.Config{
		Type:      typ,
		Path:      app.Config,
		Endpoints: app.ConfigEndpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config source: %w", err)
	}

	loader := config.NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "source", string(typ), "path", app.Config)
	return cfg, loader, nil
}

// drainStream feeds workflow events through the aggregator and prints
// the surviving messages. The run error, if any, arrives as a
// workflow_error event and becomes the command's exit status.
func drainStream(events <-chan workflow.Event, verbosity streaming.Verbosity) error {
	agg := streaming.New(verbosity)
	printer := &streamPrinter{streamed: make(map[string]bool)}

	var runErr error
	for ev := range events {
		if ev.Type == workflow.EventWorkflowError && ev.Err != nil {
			runErr = ev.Err
		}
		for _, msg := range agg.Feed(ev) {
			printer.print(msg)
		}
	}
	return runErr
}

// streamPrinter renders stream messages to stdout. When updates for an
// executor were already printed incrementally, its completion prints
// only the terminating newline instead of repeating the content.
type streamPrinter struct {
	streamed map[string]bool
}

func (p *streamPrinter) print(msg streaming.StreamMessage) {
	switch msg.EventType {
	case streaming.MessageExecutorStart:
		fmt.Printf("▸ %s\n", msg.ExecutorID)
	case streaming.MessageExecutorUpdate:
		p.streamed[msg.ExecutorID] = true
		fmt.Print(msg.Content)
	case streaming.MessageExecutorComplete:
		if p.streamed[msg.ExecutorID] {
			delete(p.streamed, msg.ExecutorID)
			fmt.Println()
			return
		}
		fmt.Println(msg.Content)
	case streaming.MessageWorkflowStatus, streaming.MessageWorkflowOutput:
		fmt.Println(msg.Content)
	}
}

// serveMetrics exposes /metrics and /healthz on a side listener and
// returns a function that shuts it down.
func serveMetrics(addr string, metrics observability.Metrics) func() {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics listener failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
