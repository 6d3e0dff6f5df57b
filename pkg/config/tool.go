package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ToolTransport identifies how a tool is executed.
type ToolTransport string

const (
	// TransportLocal is an in-process callable resolved from a dotted path.
	TransportLocal ToolTransport = "local"

	// TransportHTTP is a remote HTTP endpoint.
	TransportHTTP ToolTransport = "http"

	// TransportHosted is a vendor-hosted tool (hosted://<kind>).
	TransportHosted ToolTransport = "hosted"

	// TransportMCP is an MCP (Model Context Protocol) server.
	TransportMCP ToolTransport = "mcp"

	// TransportCustom is an out-of-process plugin binary.
	TransportCustom ToolTransport = "custom"
)

// ApprovalMode controls when a tool asks for human approval.
type ApprovalMode string

const (
	ApprovalNever       ApprovalMode = "never"
	ApprovalAlways      ApprovalMode = "always"
	ApprovalOnFirst     ApprovalMode = "on-first"
	ApprovalConditional ApprovalMode = "conditional"
)

// HostedKinds are the recognised hosted:// tool kinds.
var HostedKinds = []string{"code_interpreter", "web_search", "file_search", "mcp"}

// ParameterSpec describes one tool parameter using the JSON-Schema type model.
type ParameterSpec struct {
	// Name of the parameter.
	Name string `yaml:"name" json:"name"`

	// Type is one of: string, number, boolean, object, array.
	Type string `yaml:"type" json:"type" jsonschema:"enum=string,enum=number,enum=boolean,enum=object,enum=array"`

	// Description of the parameter.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Required marks the parameter as mandatory.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default value used when the argument is absent.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Enum restricts the value to a closed set.
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Items describes array elements (type=array only).
	Items *ParameterSpec `yaml:"items,omitempty" json:"items,omitempty"`
}

// Validate checks the parameter spec.
func (p *ParameterSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch p.Type {
	case "string", "number", "boolean", "object", "array":
	default:
		return fmt.Errorf("parameter %q has invalid type %q (valid: string, number, boolean, object, array)", p.Name, p.Type)
	}
	return nil
}

// RetryPolicyConfig bounds retries of a failing tool or provider call.
type RetryPolicyConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"minimum=1,default=3"`

	// InitialDelay before the second attempt.
	InitialDelay Duration `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`

	// MaxDelay caps the backoff.
	MaxDelay Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`

	// ExponentialBase grows the delay per attempt: min(initial*base^(n-1), max).
	ExponentialBase float64 `yaml:"exponential_base,omitempty" json:"exponential_base,omitempty" jsonschema:"default=2"`

	// RetryableKinds lists the error kinds worth retrying.
	RetryableKinds []string `yaml:"retryable_error_kinds,omitempty" json:"retryable_error_kinds,omitempty"`
}

// SetDefaults applies default values.
func (r *RetryPolicyConfig) SetDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = Duration(1e9) // 1s
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(30e9) // 30s
	}
	if r.ExponentialBase == 0 {
		r.ExponentialBase = 2.0
	}
	if len(r.RetryableKinds) == 0 {
		r.RetryableKinds = []string{"tool_execution_failed", "model_call_failed"}
	}
}

// Validate checks the retry policy.
func (r *RetryPolicyConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if r.ExponentialBase < 1 {
		return fmt.Errorf("exponential_base must be >= 1")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	return nil
}

// HTTPToolOptions configures the http transport.
type HTTPToolOptions struct {
	// Method is the HTTP method (default POST; GET sends arguments as query params).
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Headers sent with every request. Values support {token} and {ENV_NAME}
	// placeholder substitution.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// VerifySSL controls TLS certificate verification (default true).
	VerifySSL *bool `yaml:"verify_ssl,omitempty" json:"verify_ssl,omitempty"`

	// Auth configures request authentication.
	Auth *HTTPAuthOptions `yaml:"auth,omitempty" json:"auth,omitempty"`

	// ResponsePath extracts a sub-field from the JSON response (dotted path).
	ResponsePath string `yaml:"response_path,omitempty" json:"response_path,omitempty"`
}

// HTTPAuthOptions configures http tool authentication.
type HTTPAuthOptions struct {
	// Type is one of: bearer, basic, api-key.
	Type string `yaml:"type" json:"type" jsonschema:"enum=bearer,enum=basic,enum=api-key"`

	// Token for bearer and api-key auth. Supports placeholders.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Username and Password for basic auth.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Header carries the api-key (default X-API-Key).
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
}

// MCPToolOptions configures the mcp transport.
type MCPToolOptions struct {
	// Transport is one of: stdio, http, websocket, sse (default stdio).
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=stdio,enum=http,enum=websocket,enum=sse,default=stdio"`

	// Command launches the server for stdio transport.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args for the stdio command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env for the stdio command.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// ToolName overrides the remote tool name (defaults to the definition name).
	ToolName string `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
}

// ToolDefinition declares one tool: its transport, source, and schema.
//
// Example YAML:
//
//	resources:
//	  tools:
//	    - name: lookup_order
//	      transport: http
//	      source: https://api.example.com/orders
//	      http:
//	        method: GET
//	        response_path: data.order
//	      parameters:
//	        - name: order_id
//	          type: string
//	          required: true
type ToolDefinition struct {
	// Name uniquely identifies the tool within the process.
	Name string `yaml:"name" json:"name"`

	// Description tells the model what the tool does.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Transport is one of: local, http, hosted, mcp, custom.
	Transport ToolTransport `yaml:"transport" json:"transport" jsonschema:"enum=local,enum=http,enum=hosted,enum=mcp,enum=custom"`

	// Source locates the tool: dotted path (local), URL (http),
	// hosted://<kind> (hosted), server id or URL (mcp), binary path (custom).
	Source string `yaml:"source" json:"source"`

	// Parameters is the JSON-Schema-equivalent parameter model.
	Parameters []ParameterSpec `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Timeout bounds a single execution attempt.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry bounds re-execution of failed attempts.
	Retry *RetryPolicyConfig `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`

	// ApprovalMode is one of: never, always, on-first, conditional.
	ApprovalMode ApprovalMode `yaml:"approval_mode,omitempty" json:"approval_mode,omitempty" jsonschema:"enum=never,enum=always,enum=on-first,enum=conditional,default=never"`

	// ApprovalCondition is the argument substring that triggers approval
	// when approval_mode is conditional.
	ApprovalCondition string `yaml:"approval_condition,omitempty" json:"approval_condition,omitempty"`

	// MaxInvocations caps calls per run (0 = unlimited).
	MaxInvocations int `yaml:"max_invocations,omitempty" json:"max_invocations,omitempty"`

	// Enabled controls whether the tool is registered (default true).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"default=true"`

	// HTTP options (transport=http only).
	HTTP *HTTPToolOptions `yaml:"http,omitempty" json:"http,omitempty"`

	// MCP options (transport=mcp only).
	MCP *MCPToolOptions `yaml:"mcp,omitempty" json:"mcp,omitempty"`
}

// SetDefaults applies default values.
func (t *ToolDefinition) SetDefaults() {
	if t.Enabled == nil {
		t.Enabled = BoolPtr(true)
	}
	if t.ApprovalMode == "" {
		t.ApprovalMode = ApprovalNever
	}
	if t.Timeout == 0 {
		t.Timeout = Duration(30e9) // 30s
	}
	if t.Retry != nil {
		t.Retry.SetDefaults()
	}
	if t.Transport == TransportMCP {
		if t.MCP == nil {
			t.MCP = &MCPToolOptions{}
		}
		if t.MCP.Transport == "" {
			t.MCP.Transport = "stdio"
		}
	}
	if t.Transport == TransportHTTP {
		if t.HTTP == nil {
			t.HTTP = &HTTPToolOptions{}
		}
		if t.HTTP.Method == "" {
			t.HTTP.Method = "POST"
		}
	}
}

// IsEnabled returns whether the tool is enabled.
func (t *ToolDefinition) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Validate checks the definition. Adapter-specific checks run at
// registration; this covers what the loader can see.
func (t *ToolDefinition) Validate() []error {
	var errs []error

	if t.Name == "" {
		errs = append(errs, fmt.Errorf("tool name is required"))
	}

	switch t.Transport {
	case TransportLocal:
		if t.Source == "" {
			errs = append(errs, fmt.Errorf("tool %q: local transport requires a dotted-path source", t.Name))
		}
	case TransportHTTP:
		if t.Source == "" {
			errs = append(errs, fmt.Errorf("tool %q: http transport requires a URL source", t.Name))
		} else if u, err := url.Parse(t.Source); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("tool %q: http source must be an http(s) URL, got %q", t.Name, t.Source))
		}
	case TransportHosted:
		kind, ok := strings.CutPrefix(t.Source, "hosted://")
		if !ok || kind == "" {
			errs = append(errs, fmt.Errorf("tool %q: hosted source must look like hosted://<kind>, got %q", t.Name, t.Source))
		} else {
			known := false
			for _, k := range HostedKinds {
				if kind == k {
					known = true
					break
				}
			}
			if !known {
				errs = append(errs, fmt.Errorf("tool %q: unknown hosted kind %q (valid: %s)", t.Name, kind, strings.Join(HostedKinds, ", ")))
			}
		}
	case TransportMCP:
		if t.Source == "" && (t.MCP == nil || t.MCP.Command == "") {
			errs = append(errs, fmt.Errorf("tool %q: mcp transport requires a server source or a stdio command", t.Name))
		}
		if t.MCP != nil {
			switch t.MCP.Transport {
			case "", "stdio", "http", "websocket", "sse":
			default:
				errs = append(errs, fmt.Errorf("tool %q: invalid mcp transport %q (valid: stdio, http, websocket, sse)", t.Name, t.MCP.Transport))
			}
		}
	case TransportCustom:
		if t.Source == "" {
			errs = append(errs, fmt.Errorf("tool %q: custom transport requires a plugin binary path", t.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("tool %q: invalid transport %q (valid: local, http, hosted, mcp, custom)", t.Name, t.Transport))
	}

	switch t.ApprovalMode {
	case "", ApprovalNever, ApprovalAlways, ApprovalOnFirst:
	case ApprovalConditional:
		if t.ApprovalCondition == "" {
			errs = append(errs, fmt.Errorf("tool %q: approval_mode conditional requires approval_condition", t.Name))
		}
	default:
		errs = append(errs, fmt.Errorf("tool %q: invalid approval_mode %q (valid: never, always, on-first, conditional)", t.Name, t.ApprovalMode))
	}

	for i := range t.Parameters {
		if err := t.Parameters[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", t.Name, err))
		}
	}

	if t.Retry != nil {
		if err := t.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: retry_policy: %w", t.Name, err))
		}
	}

	if t.MaxInvocations < 0 {
		errs = append(errs, fmt.Errorf("tool %q: max_invocations must be >= 0", t.Name))
	}

	return errs
}
