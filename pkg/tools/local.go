package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

// Callable is an in-process tool implementation.
type Callable func(ctx context.Context, args map[string]any) (any, error)

// localWorkers bounds concurrently executing local callables so a
// slow synchronous function cannot monopolise the engine.
const localWorkers = 8

var localSlots = make(chan struct{}, localWorkers)

type callableEntry struct {
	fn       Callable
	params   []string
	declared bool
}

// CallableTable maps dotted source paths to in-process functions.
// Local tool definitions resolve against it at first use, so
// callables may be registered after the tools that reference them.
type CallableTable struct {
	mu      sync.RWMutex
	entries map[string]callableEntry
}

// NewCallableTable creates an empty table.
func NewCallableTable() *CallableTable {
	return &CallableTable{entries: make(map[string]callableEntry)}
}

// Register binds a dotted path such as "mytools.search" to fn.
func (t *CallableTable) Register(path string, fn Callable) error {
	return t.register(path, fn, nil, false)
}

// RegisterWithParams additionally declares the argument names fn
// accepts, letting tool registration cross-check schemas against the
// implementation.
func (t *CallableTable) RegisterWithParams(path string, fn Callable, params ...string) error {
	return t.register(path, fn, params, true)
}

func (t *CallableTable) register(path string, fn Callable, params []string, declared bool) error {
	if err := validateSourcePath(path); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("callable %q: nil function", path)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[path]; exists {
		return fmt.Errorf("callable %q already registered", path)
	}
	t.entries[path] = callableEntry{fn: fn, params: params, declared: declared}
	return nil
}

func (t *CallableTable) lookup(path string) (callableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[path]
	return e, ok
}

var sourceSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateSourcePath checks the dotted-path shape: identifier
// segments separated by single dots.
func validateSourcePath(path string) error {
	if path == "" {
		return errors.New("empty source path")
	}
	for _, seg := range strings.Split(path, ".") {
		if !sourceSegment.MatchString(seg) {
			return fmt.Errorf("source path %q: invalid segment %q", path, seg)
		}
	}
	return nil
}

// LocalTool runs an in-process callable resolved from the table by
// its dotted source path.
type LocalTool struct {
	def   *config.ToolDefinition
	table *CallableTable

	mu sync.Mutex
	fn Callable
}

func newLocalTool(def *config.ToolDefinition, table *CallableTable) *LocalTool {
	return &LocalTool{def: def, table: table}
}

// Info implements Tool.
func (t *LocalTool) Info() ToolInfo { return infoFromDefinition(t.def) }

// callable resolves the source path, caching the function after the
// first hit.
func (t *LocalTool) callable() (Callable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fn != nil {
		return t.fn, nil
	}
	entry, ok := t.table.lookup(t.def.Source)
	if !ok {
		return nil, newToolError(t.def.Name, "resolve", errkind.ReferenceUnresolved,
			fmt.Errorf("no callable registered at %q", t.def.Source))
	}
	t.fn = entry.fn
	return t.fn, nil
}

type localOutcome struct {
	value any
	err   error
}

// Execute dispatches the callable to the shared worker pool so the
// caller stays responsive to cancellation while a synchronous
// function runs. A panicking callable surfaces as an error instead of
// taking the process down.
func (t *LocalTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	fn, err := t.callable()
	if err != nil {
		return nil, err
	}
	done := make(chan localOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- localOutcome{err: newToolError(t.def.Name, "execute",
					errkind.ToolExecutionFailed, fmt.Errorf("callable panicked: %v", r))}
			}
		}()
		select {
		case localSlots <- struct{}{}:
			defer func() { <-localSlots }()
		case <-ctx.Done():
			done <- localOutcome{err: ctx.Err()}
			return
		}
		value, err := fn(ctx, args)
		done <- localOutcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ValidateDefinition checks the source path and, when the callable is
// already registered with declared parameter names, cross-checks the
// schema against them.
func (t *LocalTool) ValidateDefinition(def *config.ToolDefinition) []error {
	if err := validateSourcePath(def.Source); err != nil {
		return []error{fmt.Errorf("tool %q: %w", def.Name, err)}
	}
	entry, ok := t.table.lookup(def.Source)
	if !ok || !entry.declared {
		return nil
	}
	declared := make(map[string]bool, len(entry.params))
	for _, p := range entry.params {
		declared[p] = true
	}
	var errs []error
	for i := range def.Parameters {
		name := def.Parameters[i].Name
		if !declared[name] {
			errs = append(errs, fmt.Errorf("tool %q: parameter %q not accepted by callable %q (accepts: %s)",
				def.Name, name, def.Source, strings.Join(entry.params, ", ")))
		}
	}
	return errs
}
