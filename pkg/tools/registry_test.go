package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

func (s *stubTool) Info() ToolInfo {
	return ToolInfo{Name: s.name, Description: "stub tool"}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if s.fn == nil {
		return "stub", nil
	}
	return s.fn(ctx, args)
}

func localDef(name, source string) *config.ToolDefinition {
	return &config.ToolDefinition{
		Name:      name,
		Transport: config.TransportLocal,
		Source:    source,
	}
}

func TestRegistry_RegisterLocal(t *testing.T) {
	reg := NewRegistry()
	err := reg.Callables().Register("demo.echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	if err != nil {
		t.Fatalf("Register callable: %v", err)
	}

	def := localDef("echo", "demo.echo")
	def.Description = "Echoes text back"
	def.Parameters = []config.ParameterSpec{
		{Name: "text", Type: "string", Required: true},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	infos := reg.Definitions()
	if len(infos) != 1 {
		t.Fatalf("Definitions len = %d, want 1", len(infos))
	}
	if infos[0].Name != "echo" || infos[0].Description != "Echoes text back" {
		t.Errorf("unexpected info: %+v", infos[0])
	}
	if len(infos[0].Parameters) != 1 || infos[0].Parameters[0].Name != "text" {
		t.Errorf("unexpected parameters: %+v", infos[0].Parameters)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(localDef("dup", "demo.a")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(localDef("dup", "demo.b"))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if errkind.KindOf(err) != errkind.ToolValidationFailed {
		t.Errorf("kind = %q, want tool_validation_failed", errkind.KindOf(err))
	}
}

func TestRegistry_SkipsDisabled(t *testing.T) {
	reg := NewRegistry()
	def := localDef("off", "demo.off")
	def.Enabled = config.BoolPtr(false)
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}

func TestRegistry_AccumulatesValidationErrors(t *testing.T) {
	reg := NewRegistry()
	def := &config.ToolDefinition{
		Name:      "bad",
		Transport: config.TransportHTTP,
		Source:    "not-a-url",
		HTTP: &config.HTTPToolOptions{
			Method: "TRACE",
			Auth:   &config.HTTPAuthOptions{Type: "bearer"},
		},
	}
	err := reg.Register(def)
	if err == nil {
		t.Fatal("expected registration to fail")
	}
	msg := err.Error()
	for _, want := range []string{"http(s) URL", "unsupported method", "requires a token"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
	if errkind.KindOf(err) != errkind.ToolValidationFailed {
		t.Errorf("kind = %q, want tool_validation_failed", errkind.KindOf(err))
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0 after failed registration", reg.Count())
	}
}

func TestRegistry_CallableUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Callable("ghost", nil)
	if err == nil {
		t.Fatal("expected unknown tool to fail")
	}
	if errkind.KindOf(err) != errkind.ReferenceUnresolved {
		t.Errorf("kind = %q, want reference_unresolved", errkind.KindOf(err))
	}
}

func TestRegistry_RegisterTool(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(&stubTool{name: "builtin"}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	bound, err := reg.Callable("builtin", nil)
	if err != nil {
		t.Fatalf("Callable: %v", err)
	}
	result, err := bound.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Result != "stub" {
		t.Errorf("result = %+v", result)
	}
}

func TestRegistry_Hosted(t *testing.T) {
	reg := NewRegistry()
	def := &config.ToolDefinition{
		Name:      "sandbox",
		Transport: config.TransportHosted,
		Source:    "hosted://code_interpreter",
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool, err := reg.Tool("sandbox")
	if err != nil {
		t.Fatalf("Tool: %v", err)
	}
	hosted, ok := tool.(*HostedTool)
	if !ok {
		t.Fatalf("tool is %T, want *HostedTool", tool)
	}
	if hosted.Kind() != "code_interpreter" {
		t.Errorf("Kind = %q", hosted.Kind())
	}
	if hosted.Descriptor()["type"] != "code_interpreter" {
		t.Errorf("Descriptor = %v", hosted.Descriptor())
	}

	if _, err := hosted.Execute(context.Background(), nil); err == nil {
		t.Error("expected hosted execution to fail locally")
	}

	// Same (name, kind) resolves to the cached instance.
	if again := reg.hostedTool(def); again != hosted {
		t.Error("hosted tool not cached per (name, kind)")
	}
}

func TestRegistry_CustomNeedsBinary(t *testing.T) {
	reg := NewRegistry()
	def := &config.ToolDefinition{
		Name:      "external",
		Transport: config.TransportCustom,
		Source:    filepath.Join(t.TempDir(), "missing-plugin"),
	}
	err := reg.Register(def)
	if err == nil {
		t.Fatal("expected registration to fail for a missing binary")
	}
	if !strings.Contains(err.Error(), "plugin binary") {
		t.Errorf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "plugin")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	def2 := &config.ToolDefinition{
		Name:      "external",
		Transport: config.TransportCustom,
		Source:    path,
	}
	if err := reg.Register(def2); err != nil {
		t.Fatalf("Register with existing binary: %v", err)
	}
}

func TestRegistry_MCPStdioNeedsCommand(t *testing.T) {
	reg := NewRegistry()
	def := &config.ToolDefinition{
		Name:      "remote",
		Transport: config.TransportMCP,
		MCP:       &config.MCPToolOptions{Transport: "stdio"},
	}
	err := reg.Register(def)
	if err == nil {
		t.Fatal("expected registration to fail without a command")
	}
	if !strings.Contains(err.Error(), "command") {
		t.Errorf("unexpected error: %v", err)
	}

	def2 := &config.ToolDefinition{
		Name:      "remote",
		Transport: config.TransportMCP,
		MCP:       &config.MCPToolOptions{Transport: "stdio", Command: "mcp-server"},
	}
	// Registration validates only; nothing is dialed until first use.
	if err := reg.Register(def2); err != nil {
		t.Fatalf("Register: %v", err)
	}
}
