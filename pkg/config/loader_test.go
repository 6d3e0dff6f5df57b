package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const validConfigYAML = `
version: "1.0"
name: support-desk
resources:
  models:
    default:
      provider_kind: vendor-native
      deployment: gpt-4o-mini
  tools:
    - name: search
      description: Searches the knowledge base
      transport: local
      source: builtin.search
agents:
  - id: triage
    role: Support triage
    model_ref: default
    tool_ids: [search]
workflow:
  kind: sequential
  steps:
    - id: step-1
      agent_id: triage
`

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "ensemble.yaml")

	if err := os.WriteFile(configFile, []byte(validConfigYAML), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	cfg, err := LoadFile(configFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", cfg.Version)
	}
	if cfg.Name != "support-desk" {
		t.Errorf("expected name 'support-desk', got %s", cfg.Name)
	}
	if len(cfg.Resources.Models) != 1 {
		t.Errorf("expected 1 model, got %d", len(cfg.Resources.Models))
	}
	if len(cfg.Agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(cfg.Agents))
	}
	if cfg.Workflow == nil || cfg.Workflow.Kind != WorkflowSequential {
		t.Errorf("expected sequential workflow, got %+v", cfg.Workflow)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/ensemble.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadBytes_JSON(t *testing.T) {
	configJSON := `{
  "version": "1.0",
  "resources": {
    "models": {
      "default": {"provider_kind": "vendor-native", "deployment": "gpt-4o-mini"}
    }
  },
  "agents": [{"id": "triage", "model_ref": "default"}]
}`

	cfg, err := LoadBytes([]byte(configJSON))
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}
	if _, ok := cfg.GetModel("default"); !ok {
		t.Error("expected model 'default' to exist")
	}
	if _, ok := cfg.GetAgent("triage"); !ok {
		t.Error("expected agent 'triage' to exist")
	}
}

func TestLoadBytes_InvalidYAML(t *testing.T) {
	_, err := LoadBytes([]byte("agents:\n  - id: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadBytes_EmptyDocument(t *testing.T) {
	_, err := LoadBytes([]byte(""))
	if err == nil {
		t.Fatal("expected error for empty document")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("expected empty-document error, got: %v", err)
	}
}

func TestLoadBytes_UnknownKeys_Strict(t *testing.T) {
	configYAML := `
version: "1.0"
resources:
  models:
    default:
      provider_kind: vendor-native
      deployment: gpt-4o-mini
      bogus_field: nope
`
	_, err := LoadBytes([]byte(configYAML))
	if err == nil {
		t.Fatal("expected error for unknown key in strict mode")
	}
	if !strings.Contains(err.Error(), "bogus_field") {
		t.Errorf("expected error to name the unknown key, got: %v", err)
	}
}

func TestLoadBytes_UnknownKeys_NonStrict(t *testing.T) {
	configYAML := `
version: "1.0"
resources:
  models:
    default:
      provider_kind: vendor-native
      deployment: gpt-4o-mini
      bogus_field: nope
`
	cfg, err := LoadBytes([]byte(configYAML), WithStrict(false))
	if err != nil {
		t.Fatalf("expected unknown keys to be tolerated, got: %v", err)
	}
	if _, ok := cfg.GetModel("default"); !ok {
		t.Error("expected model 'default' to exist")
	}
}

func TestLoadBytes_EnvExpansion(t *testing.T) {
	t.Setenv("ENSEMBLE_TEST_DEPLOYMENT", "gpt-4o")

	configYAML := `
resources:
  models:
    default:
      provider_kind: vendor-native
      deployment: ${ENSEMBLE_TEST_DEPLOYMENT}
    fallback:
      provider_kind: vendor-native
      deployment: ${ENSEMBLE_TEST_MISSING:-gpt-4o-mini}
`
	cfg, err := LoadBytes([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	m, _ := cfg.GetModel("default")
	if m.Deployment != "gpt-4o" {
		t.Errorf("expected deployment gpt-4o, got %s", m.Deployment)
	}
	m, _ = cfg.GetModel("fallback")
	if m.Deployment != "gpt-4o-mini" {
		t.Errorf("expected default-expanded deployment gpt-4o-mini, got %s", m.Deployment)
	}
}

func TestLoadBytes_DurationFields(t *testing.T) {
	configYAML := `
resources:
  tools:
    - name: fetch
      transport: http
      source: https://api.example.com/fetch
      timeout: 45s
      retry_policy:
        max_attempts: 5
        initial_delay: 2s
        max_delay: 1m
`
	cfg, err := LoadBytes([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	tool, ok := cfg.GetTool("fetch")
	if !ok {
		t.Fatal("expected tool 'fetch' to exist")
	}
	if tool.Timeout.Duration() != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", tool.Timeout.Duration())
	}
	if tool.Retry.InitialDelay.Duration() != 2*time.Second {
		t.Errorf("expected initial delay 2s, got %v", tool.Retry.InitialDelay.Duration())
	}
	if tool.Retry.MaxDelay.Duration() != time.Minute {
		t.Errorf("expected max delay 1m, got %v", tool.Retry.MaxDelay.Duration())
	}
}

func TestLoadBytes_InvalidDuration(t *testing.T) {
	configYAML := `
resources:
  tools:
    - name: fetch
      transport: http
      source: https://api.example.com/fetch
      timeout: not-a-duration
`
	_, err := LoadBytes([]byte(configYAML))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadBytes_DefaultsApplied(t *testing.T) {
	cfg, err := LoadBytes([]byte(validConfigYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	tool, _ := cfg.GetTool("search")
	if tool.ApprovalMode != ApprovalNever {
		t.Errorf("expected default approval_mode never, got %s", tool.ApprovalMode)
	}
	if tool.Timeout.Duration() != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", tool.Timeout.Duration())
	}
	if !tool.IsEnabled() {
		t.Error("expected tool to be enabled by default")
	}

	agent, _ := cfg.GetAgent("triage")
	if agent.MaxToolIterations != 10 {
		t.Errorf("expected default max_tool_iterations 10, got %d", agent.MaxToolIterations)
	}
	if agent.ConfirmationMode != ConfirmationCLI {
		t.Errorf("expected default confirmation_mode cli, got %s", agent.ConfirmationMode)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Observability.ServiceName != "ensemble" {
		t.Errorf("expected default service name ensemble, got %s", cfg.Observability.ServiceName)
	}
}

func TestLoadBytes_ValidationAccumulatesAllErrors(t *testing.T) {
	configYAML := `
resources:
  models:
    default:
      provider_kind: made-up-kind
      deployment: gpt-4o-mini
agents:
  - id: triage
    model_ref: missing-model
    tool_ids: [missing-tool]
  - id: triage
    model_ref: default
workflow:
  kind: sequential
  steps:
    - id: step-1
      agent_id: nobody
`
	_, err := LoadBytes([]byte(configYAML))
	if err == nil {
		t.Fatal("expected validation errors")
	}

	// Every violation must surface in one pass, not just the first.
	for _, want := range []string{
		"made-up-kind",
		"missing-model",
		"missing-tool",
		`duplicate agent id "triage"`,
		`agent_id "nobody"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got:\n%v", want, err)
		}
	}
}

func TestLoadBytes_WeaklyTypedScalars(t *testing.T) {
	// Numeric version and quoted booleans appear in hand-written YAML.
	configYAML := `
version: 1.0
resources:
  models:
    default:
      provider_kind: vendor-native
      deployment: gpt-4o-mini
rag:
  enabled: "true"
  embedding:
    model: text-embedding-3-small
`
	cfg, err := LoadBytes([]byte(configYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Version != "1" && cfg.Version != "1.0" {
		t.Errorf("expected numeric version to coerce to string, got %q", cfg.Version)
	}
	if cfg.RAG == nil || !cfg.RAG.Enabled {
		t.Error("expected rag.enabled to coerce to true")
	}
}

func TestConfig_SerializeRoundTrip(t *testing.T) {
	cfg, err := LoadBytes([]byte(validConfigYAML))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	out, err := cfg.Serialize()
	if err != nil {
		t.Fatalf("failed to serialize config: %v", err)
	}

	reloaded, err := LoadBytes(out)
	if err != nil {
		t.Fatalf("failed to reload serialized config: %v", err)
	}

	if diff := cmp.Diff(cfg, reloaded); diff != "" {
		t.Errorf("config round-trip mismatch (-original +reloaded):\n%s", diff)
	}
}

func TestConfigError_Kind(t *testing.T) {
	_, err := LoadBytes([]byte(""))
	if err == nil {
		t.Fatal("expected error")
	}
	cfgErr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cfgErr.Kind() != "config_invalid" {
		t.Errorf("expected kind config_invalid, got %s", cfgErr.Kind())
	}
}
