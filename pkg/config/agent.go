package config

import "fmt"

// ConfirmationMode controls how an agent's approvals are answered.
type ConfirmationMode string

const (
	ConfirmationCLI        ConfirmationMode = "cli"
	ConfirmationStructured ConfirmationMode = "structured"
	ConfirmationAuto       ConfirmationMode = "auto"
)

// KnowledgeBinding scopes an agent's retrieval to named collections.
type KnowledgeBinding struct {
	// Collections restricts retrieval to these collection ids.
	Collections []string `yaml:"collections" json:"collections"`

	// TopK overrides the global retrieval fan-out.
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty"`

	// MinScore overrides the global score threshold.
	MinScore float32 `yaml:"min_score,omitempty" json:"min_score,omitempty"`

	// Strategy overrides the query strategy (last_message or conversation).
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"enum=last_message,enum=conversation"`
}

// Validate checks the binding.
func (k *KnowledgeBinding) Validate() error {
	if len(k.Collections) == 0 {
		return fmt.Errorf("knowledge_config requires at least one collection")
	}
	switch k.Strategy {
	case "", "last_message", "conversation":
	default:
		return fmt.Errorf("invalid knowledge strategy %q (valid: last_message, conversation)", k.Strategy)
	}
	return nil
}

// AgentDefinition declares one agent.
//
// Example YAML:
//
//	agents:
//	  - id: researcher
//	    role: Research assistant
//	    model_ref: fast
//	    instructions: You dig up facts and cite sources.
//	    tool_ids: [web_lookup]
type AgentDefinition struct {
	// ID uniquely identifies the agent within the workflow.
	ID string `yaml:"id" json:"id"`

	// Role is the human-readable description of what this agent does.
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// ModelRef names an entry in resources.models.
	ModelRef string `yaml:"model_ref" json:"model_ref"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// ToolIDs reference entries in resources.tools.
	ToolIDs []string `yaml:"tool_ids,omitempty" json:"tool_ids,omitempty"`

	// MiddlewareIDs reference statically registered middleware.
	MiddlewareIDs []string `yaml:"middleware_ids,omitempty" json:"middleware_ids,omitempty"`

	// Knowledge scopes retrieval-augmented context for this agent.
	Knowledge *KnowledgeBinding `yaml:"knowledge_config,omitempty" json:"knowledge_config,omitempty"`

	// ConfirmationMode is one of: cli, structured, auto (default cli).
	ConfirmationMode ConfirmationMode `yaml:"confirmation_mode,omitempty" json:"confirmation_mode,omitempty" jsonschema:"enum=cli,enum=structured,enum=auto,default=cli"`

	// MaxToolIterations bounds the model/tool loop per run (default 10).
	MaxToolIterations int `yaml:"max_tool_iterations,omitempty" json:"max_tool_iterations,omitempty"`
}

// SetDefaults applies default values.
func (a *AgentDefinition) SetDefaults() {
	if a.ConfirmationMode == "" {
		a.ConfirmationMode = ConfirmationCLI
	}
	if a.MaxToolIterations == 0 {
		a.MaxToolIterations = 10
	}
}

// Validate checks the definition. Reference resolution happens in
// Config.Validate where the full resource set is visible.
func (a *AgentDefinition) Validate() []error {
	var errs []error

	if a.ID == "" {
		errs = append(errs, fmt.Errorf("agent id is required"))
	}
	if a.ModelRef == "" {
		errs = append(errs, fmt.Errorf("agent %q: model_ref is required", a.ID))
	}
	switch a.ConfirmationMode {
	case "", ConfirmationCLI, ConfirmationStructured, ConfirmationAuto:
	default:
		errs = append(errs, fmt.Errorf("agent %q: invalid confirmation_mode %q (valid: cli, structured, auto)", a.ID, a.ConfirmationMode))
	}
	if a.Knowledge != nil {
		if err := a.Knowledge.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", a.ID, err))
		}
	}
	if a.MaxToolIterations < 0 {
		errs = append(errs, fmt.Errorf("agent %q: max_tool_iterations must be >= 0", a.ID))
	}

	return errs
}
