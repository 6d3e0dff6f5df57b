package config

import "fmt"

// WorkflowKind selects the orchestration strategy.
type WorkflowKind string

const (
	WorkflowSequential WorkflowKind = "sequential"
	WorkflowParallel   WorkflowKind = "parallel"
	WorkflowGroupChat  WorkflowKind = "group_chat"
	WorkflowHandoff    WorkflowKind = "handoff"
	WorkflowRouter     WorkflowKind = "router"
	WorkflowMagentic   WorkflowKind = "magentic"
)

// ValidWorkflowKinds lists the recognised strategy names.
var ValidWorkflowKinds = []WorkflowKind{
	WorkflowSequential,
	WorkflowParallel,
	WorkflowGroupChat,
	WorkflowHandoff,
	WorkflowRouter,
	WorkflowMagentic,
}

// StepKind identifies the executor behind a step.
type StepKind string

const (
	StepAgent StepKind = "agent"
	StepHuman StepKind = "human"
)

// WorkflowStep declares one node of the workflow.
type WorkflowStep struct {
	// ID uniquely identifies the step within the workflow.
	ID string `yaml:"id" json:"id"`

	// Kind is agent or human (default agent).
	Kind StepKind `yaml:"kind,omitempty" json:"kind,omitempty" jsonschema:"enum=agent,enum=human,default=agent"`

	// AgentID names the agent executing this step.
	AgentID string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`

	// InputTemplate rewrites the inbound message. Recognised placeholders:
	// {{user_input}} and {{previous_output}}.
	InputTemplate string `yaml:"input_template,omitempty" json:"input_template,omitempty"`

	// NextID names the step that follows (sequential refinement).
	NextID string `yaml:"next_id,omitempty" json:"next_id,omitempty"`

	// Transitions lists the steps this one may hand control to (handoff).
	Transitions []string `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// SetDefaults applies default values.
func (s *WorkflowStep) SetDefaults() {
	if s.Kind == "" {
		s.Kind = StepAgent
	}
}

// Validate checks the step.
func (s *WorkflowStep) Validate() []error {
	var errs []error

	if s.ID == "" {
		errs = append(errs, fmt.Errorf("step id is required"))
	}
	switch s.Kind {
	case "", StepAgent, StepHuman:
	default:
		errs = append(errs, fmt.Errorf("step %q: invalid kind %q (valid: agent, human)", s.ID, s.Kind))
	}
	if s.Kind == StepAgent && s.AgentID == "" {
		errs = append(errs, fmt.Errorf("step %q: agent_id is required for agent steps", s.ID))
	}

	return errs
}

// WorkflowDefinition declares the composition of agents.
//
// Example YAML:
//
//	workflow:
//	  kind: sequential
//	  steps:
//	    - id: draft
//	      agent_id: writer
//	    - id: review
//	      agent_id: editor
type WorkflowDefinition struct {
	// Kind selects the strategy: sequential, parallel, group_chat,
	// handoff, router, magentic.
	Kind WorkflowKind `yaml:"kind" json:"kind" jsonschema:"enum=sequential,enum=parallel,enum=group_chat,enum=handoff,enum=router,enum=magentic"`

	// Steps are the declared nodes, in declaration order.
	Steps []WorkflowStep `yaml:"steps" json:"steps"`

	// StartID names the coordinator (handoff) or classifier (router) step.
	StartID string `yaml:"start_id,omitempty" json:"start_id,omitempty"`

	// ManagerModelRef names the model driving group_chat/magentic managers.
	ManagerModelRef string `yaml:"manager_model_ref,omitempty" json:"manager_model_ref,omitempty"`

	// ManagerInstructions is the manager's system prompt.
	ManagerInstructions string `yaml:"manager_instructions,omitempty" json:"manager_instructions,omitempty"`

	// MaxRounds bounds group_chat/magentic rounds (default 10).
	MaxRounds int `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`

	// MaxStall bounds consecutive unproductive magentic rounds (default 3).
	MaxStall int `yaml:"max_stall,omitempty" json:"max_stall,omitempty"`

	// TerminationCondition stops group chat when this substring appears
	// (case-insensitive) in the most recent message.
	TerminationCondition string `yaml:"termination_condition,omitempty" json:"termination_condition,omitempty"`

	// EnablePlanReview pauses a magentic run for plan approval.
	EnablePlanReview bool `yaml:"enable_plan_review,omitempty" json:"enable_plan_review,omitempty"`

	// MaxIterations is the global executor dispatch cap (default 50).
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	// FallbackAgentID optionally catches executor failures instead of
	// failing the run.
	FallbackAgentID string `yaml:"fallback_agent_id,omitempty" json:"fallback_agent_id,omitempty"`
}

// SetDefaults applies default values.
func (w *WorkflowDefinition) SetDefaults() {
	if w.MaxRounds == 0 {
		w.MaxRounds = 10
	}
	if w.MaxStall == 0 {
		w.MaxStall = 3
	}
	if w.MaxIterations == 0 {
		w.MaxIterations = 50
	}
	for i := range w.Steps {
		w.Steps[i].SetDefaults()
	}
}

// KindIsValid reports whether the workflow kind is a recognised strategy.
func (w *WorkflowDefinition) KindIsValid() bool {
	for _, k := range ValidWorkflowKinds {
		if w.Kind == k {
			return true
		}
	}
	return false
}

// Validate checks structural rules owned by the loader. Strategy-specific
// rules run when the strategy builds the graph.
func (w *WorkflowDefinition) Validate() []error {
	var errs []error

	if !w.KindIsValid() {
		errs = append(errs, fmt.Errorf("workflow: unrecognised kind %q (valid: sequential, parallel, group_chat, handoff, router, magentic)", w.Kind))
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		errs = append(errs, step.Validate()...)
		if step.ID != "" {
			if seen[step.ID] {
				errs = append(errs, fmt.Errorf("workflow: duplicate step id %q", step.ID))
			}
			seen[step.ID] = true
		}
	}

	if w.StartID != "" && !seen[w.StartID] {
		errs = append(errs, fmt.Errorf("workflow: start_id %q does not name a step", w.StartID))
	}
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.NextID != "" && !seen[step.NextID] {
			errs = append(errs, fmt.Errorf("step %q: next_id %q does not name a step", step.ID, step.NextID))
		}
		for _, t := range step.Transitions {
			if !seen[t] {
				errs = append(errs, fmt.Errorf("step %q: transition %q does not name a step", step.ID, t))
			}
		}
	}

	if w.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("workflow: max_rounds must be >= 0"))
	}
	if w.MaxStall < 0 {
		errs = append(errs, fmt.Errorf("workflow: max_stall must be >= 0"))
	}
	if w.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("workflow: max_iterations must be >= 0"))
	}

	return errs
}
