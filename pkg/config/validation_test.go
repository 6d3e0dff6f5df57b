package config

import (
	"strings"
	"testing"
)

func TestToolDefinition_Validate_Transports(t *testing.T) {
	tests := []struct {
		name    string
		tool    ToolDefinition
		wantErr string
	}{
		{
			name: "valid local",
			tool: ToolDefinition{Name: "calc", Transport: TransportLocal, Source: "builtin.calc"},
		},
		{
			name:    "local missing source",
			tool:    ToolDefinition{Name: "calc", Transport: TransportLocal},
			wantErr: "local transport requires",
		},
		{
			name: "valid http",
			tool: ToolDefinition{Name: "fetch", Transport: TransportHTTP, Source: "https://api.example.com"},
		},
		{
			name:    "http source not a URL",
			tool:    ToolDefinition{Name: "fetch", Transport: TransportHTTP, Source: "ftp://api.example.com"},
			wantErr: "http(s) URL",
		},
		{
			name: "valid hosted",
			tool: ToolDefinition{Name: "interp", Transport: TransportHosted, Source: "hosted://code_interpreter"},
		},
		{
			name:    "hosted unknown kind",
			tool:    ToolDefinition{Name: "interp", Transport: TransportHosted, Source: "hosted://quantum"},
			wantErr: "unknown hosted kind",
		},
		{
			name:    "hosted malformed",
			tool:    ToolDefinition{Name: "interp", Transport: TransportHosted, Source: "code_interpreter"},
			wantErr: "hosted://",
		},
		{
			name: "valid mcp via command",
			tool: ToolDefinition{Name: "files", Transport: TransportMCP, MCP: &MCPToolOptions{Command: "mcp-files"}},
		},
		{
			name:    "mcp missing source and command",
			tool:    ToolDefinition{Name: "files", Transport: TransportMCP},
			wantErr: "mcp transport requires",
		},
		{
			name:    "custom missing path",
			tool:    ToolDefinition{Name: "plug", Transport: TransportCustom},
			wantErr: "plugin binary path",
		},
		{
			name:    "unknown transport",
			tool:    ToolDefinition{Name: "x", Transport: "carrier-pigeon"},
			wantErr: "invalid transport",
		},
		{
			name:    "conditional approval without condition",
			tool:    ToolDefinition{Name: "rm", Transport: TransportLocal, Source: "builtin.rm", ApprovalMode: ApprovalConditional},
			wantErr: "approval_condition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.tool.Validate()
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.wantErr) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected an error containing %q, got %v", tt.wantErr, errs)
			}
		})
	}
}

func TestToolDefinition_Validate_AccumulatesErrors(t *testing.T) {
	tool := ToolDefinition{
		Transport:      "bogus",
		ApprovalMode:   "sometimes",
		MaxInvocations: -1,
		Parameters:     []ParameterSpec{{Name: "q", Type: "text"}},
	}
	errs := tool.Validate()
	if len(errs) < 4 {
		t.Errorf("expected at least 4 accumulated errors, got %d: %v", len(errs), errs)
	}
}

func TestRetryPolicyConfig_Defaults(t *testing.T) {
	r := &RetryPolicyConfig{}
	r.SetDefaults()

	if r.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", r.MaxAttempts)
	}
	if r.InitialDelay.String() != "1s" {
		t.Errorf("expected initial delay 1s, got %s", r.InitialDelay)
	}
	if r.MaxDelay.String() != "30s" {
		t.Errorf("expected max delay 30s, got %s", r.MaxDelay)
	}
	if r.ExponentialBase != 2.0 {
		t.Errorf("expected base 2.0, got %f", r.ExponentialBase)
	}
	if len(r.RetryableKinds) != 2 {
		t.Errorf("expected 2 default retryable kinds, got %v", r.RetryableKinds)
	}
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	tests := []struct {
		name     string
		workflow WorkflowDefinition
		wantErr  string
	}{
		{
			name: "valid sequential",
			workflow: WorkflowDefinition{
				Kind: WorkflowSequential,
				Steps: []WorkflowStep{
					{ID: "a", AgentID: "x"},
					{ID: "b", AgentID: "y"},
				},
			},
		},
		{
			name:     "unknown kind",
			workflow: WorkflowDefinition{Kind: "round-robin"},
			wantErr:  "unrecognised kind",
		},
		{
			name: "duplicate step ids",
			workflow: WorkflowDefinition{
				Kind: WorkflowSequential,
				Steps: []WorkflowStep{
					{ID: "a", AgentID: "x"},
					{ID: "a", AgentID: "y"},
				},
			},
			wantErr: "duplicate step id",
		},
		{
			name: "dangling start",
			workflow: WorkflowDefinition{
				Kind:    WorkflowHandoff,
				StartID: "missing",
				Steps:   []WorkflowStep{{ID: "a", AgentID: "x"}},
			},
			wantErr: "start_id",
		},
		{
			name: "dangling next",
			workflow: WorkflowDefinition{
				Kind:  WorkflowSequential,
				Steps: []WorkflowStep{{ID: "a", AgentID: "x", NextID: "missing"}},
			},
			wantErr: "next_id",
		},
		{
			name: "dangling transition",
			workflow: WorkflowDefinition{
				Kind:  WorkflowHandoff,
				Steps: []WorkflowStep{{ID: "a", AgentID: "x", Transitions: []string{"missing"}}},
			},
			wantErr: "transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.workflow.Validate()
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.wantErr) {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected an error containing %q, got %v", tt.wantErr, errs)
			}
		})
	}
}

func TestValidationResult(t *testing.T) {
	r := &ValidationResult{}
	if !r.Valid() {
		t.Error("empty result should be valid")
	}

	r.Addf("first problem: %s", "a")
	r.Addf("second problem: %s", "b")
	r.Warnf("just a warning")

	if r.Valid() {
		t.Error("result with errors should be invalid")
	}
	if len(r.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(r.Warnings))
	}

	msg := r.Error()
	if !strings.Contains(msg, "2 error(s)") {
		t.Errorf("expected error count in message, got %q", msg)
	}
	if !strings.Contains(msg, "first problem: a") || !strings.Contains(msg, "second problem: b") {
		t.Errorf("expected both errors listed, got %q", msg)
	}
}

func TestConfig_KnowledgeWithoutRAGWarns(t *testing.T) {
	cfg := &Config{
		Resources: ResourcesConfig{
			Models: map[string]*ModelReference{
				"default": {ProviderKind: ProviderVendorNative, Deployment: "gpt-4o-mini"},
			},
		},
		Agents: []*AgentDefinition{
			{
				ID:       "librarian",
				ModelRef: "default",
				Knowledge: &KnowledgeBinding{
					Collections: []string{"docs"},
				},
			},
		},
	}
	cfg.SetDefaults()

	result := cfg.Validate()
	if !result.Valid() {
		t.Fatalf("expected valid config, got %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning about knowledge_config without rag")
	}
	if !strings.Contains(result.Warnings[0], "rag is not enabled") {
		t.Errorf("unexpected warning: %q", result.Warnings[0])
	}
}
