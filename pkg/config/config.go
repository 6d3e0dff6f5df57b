package config

// ResourcesConfig groups the shared model and tool declarations.
type ResourcesConfig struct {
	// Models maps model ids to references.
	Models map[string]*ModelReference `yaml:"models,omitempty" json:"models,omitempty"`

	// Tools declares the tool set.
	Tools []*ToolDefinition `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Config is the root of a declarative workflow document.
//
// Example YAML:
//
//	version: "1"
//	name: support-triage
//	resources:
//	  models:
//	    fast: {provider_kind: vendor-native, deployment: gpt-4o-mini}
//	agents:
//	  - id: triage
//	    model_ref: fast
//	workflow:
//	  kind: sequential
//	  steps:
//	    - id: s1
//	      agent_id: triage
type Config struct {
	// Version of the document format.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Name of the workflow.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Resources shared by agents: models and tools.
	Resources ResourcesConfig `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Agents declared for the workflow.
	Agents []*AgentDefinition `yaml:"agents,omitempty" json:"agents,omitempty"`

	// Workflow composition.
	Workflow *WorkflowDefinition `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// RAG enables retrieval-augmented context injection.
	RAG *RAGConfig `yaml:"rag,omitempty" json:"rag,omitempty"`

	// Knowledge configures the knowledge-base service.
	Knowledge *KnowledgeConfig `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies default values across the document.
func (c *Config) SetDefaults() {
	for _, m := range c.Resources.Models {
		if m != nil {
			m.SetDefaults()
		}
	}
	for _, t := range c.Resources.Tools {
		if t != nil {
			t.SetDefaults()
		}
	}
	for _, a := range c.Agents {
		if a != nil {
			a.SetDefaults()
		}
	}
	if c.Workflow != nil {
		c.Workflow.SetDefaults()
	}
	if c.RAG != nil {
		c.RAG.SetDefaults()
	}
	if c.Knowledge != nil {
		c.Knowledge.SetDefaults()
	}
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the whole document and accumulates every violation.
// Reference resolution (agent -> model/tool, step -> agent) happens here
// because only the root sees all resources.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	for id, m := range c.Resources.Models {
		if m == nil {
			result.Addf("model %q: empty reference", id)
			continue
		}
		if err := m.Validate(); err != nil {
			result.Addf("model %q: %v", id, err)
		}
	}

	toolNames := make(map[string]bool, len(c.Resources.Tools))
	for _, t := range c.Resources.Tools {
		if t == nil {
			continue
		}
		for _, err := range t.Validate() {
			result.AddError(err)
		}
		if t.Name != "" {
			if toolNames[t.Name] {
				result.Addf("duplicate tool name %q", t.Name)
			}
			toolNames[t.Name] = true
		}
	}

	agentIDs := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a == nil {
			continue
		}
		for _, err := range a.Validate() {
			result.AddError(err)
		}
		if a.ID != "" {
			if agentIDs[a.ID] {
				result.Addf("duplicate agent id %q", a.ID)
			}
			agentIDs[a.ID] = true
		}
		if a.ModelRef != "" {
			if _, ok := c.Resources.Models[a.ModelRef]; !ok {
				result.Addf("agent %q: model_ref %q does not resolve to a model", a.ID, a.ModelRef)
			}
		}
		for _, toolID := range a.ToolIDs {
			if !toolNames[toolID] {
				result.Addf("agent %q: tool id %q does not resolve to a tool", a.ID, toolID)
			}
		}
	}

	if c.Workflow != nil {
		for _, err := range c.Workflow.Validate() {
			result.AddError(err)
		}
		for i := range c.Workflow.Steps {
			step := &c.Workflow.Steps[i]
			if step.AgentID != "" && !agentIDs[step.AgentID] {
				result.Addf("step %q: agent_id %q does not resolve to an agent", step.ID, step.AgentID)
			}
		}
		if c.Workflow.ManagerModelRef != "" {
			if _, ok := c.Resources.Models[c.Workflow.ManagerModelRef]; !ok {
				result.Addf("workflow: manager_model_ref %q does not resolve to a model", c.Workflow.ManagerModelRef)
			}
		}
		if c.Workflow.FallbackAgentID != "" && !agentIDs[c.Workflow.FallbackAgentID] {
			result.Addf("workflow: fallback_agent_id %q does not resolve to an agent", c.Workflow.FallbackAgentID)
		}
	}

	if c.RAG != nil {
		for _, err := range c.RAG.Validate() {
			result.AddError(err)
		}
	}
	if c.Knowledge != nil {
		for _, err := range c.Knowledge.Validate() {
			result.AddError(err)
		}
	}
	if err := c.Logging.Validate(); err != nil {
		result.AddError(err)
	}
	if err := c.Observability.Validate(); err != nil {
		result.AddError(err)
	}

	// Agents declaring knowledge collections need the RAG pipeline.
	for _, a := range c.Agents {
		if a != nil && a.Knowledge != nil && (c.RAG == nil || !c.RAG.Enabled) {
			result.Warnf("agent %q declares knowledge_config but rag is not enabled", a.ID)
		}
	}

	return result
}

// GetModel returns the model reference by id.
func (c *Config) GetModel(id string) (*ModelReference, bool) {
	m, ok := c.Resources.Models[id]
	return m, ok
}

// GetAgent returns the agent definition by id.
func (c *Config) GetAgent(id string) (*AgentDefinition, bool) {
	for _, a := range c.Agents {
		if a != nil && a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// GetTool returns the tool definition by name.
func (c *Config) GetTool(name string) (*ToolDefinition, bool) {
	for _, t := range c.Resources.Tools {
		if t != nil && t.Name == name {
			return t, true
		}
	}
	return nil, false
}
