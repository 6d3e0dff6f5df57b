package eventbus

// Constructors for the fixed per-type payload schemas. Keeping the key
// sets here means emitters cannot drift from the documented contract.

// NewToolCallStart carries {tool, arguments}.
func NewToolCallStart(tool string, arguments map[string]any) Event {
	return NewEvent(ToolCallStart, map[string]any{
		"tool":      tool,
		"arguments": arguments,
	})
}

// NewToolCallComplete carries {tool, result}.
func NewToolCallComplete(tool string, result any) Event {
	return NewEvent(ToolCallComplete, map[string]any{
		"tool":   tool,
		"result": result,
	})
}

// NewToolCallError carries {tool, error}.
func NewToolCallError(tool string, errMsg string) Event {
	return NewEvent(ToolCallError, map[string]any{
		"tool":  tool,
		"error": errMsg,
	})
}

// NewAgentRunStart carries {agent_name, agent_role, tools_count, input}.
func NewAgentRunStart(agentName, agentRole string, toolsCount int, input string) Event {
	return NewEvent(AgentRunStart, map[string]any{
		"agent_name":  agentName,
		"agent_role":  agentRole,
		"tools_count": toolsCount,
		"input":       input,
	})
}

// NewAgentRunComplete carries {agent_name, result}.
func NewAgentRunComplete(agentName string, result any) Event {
	return NewEvent(AgentRunComplete, map[string]any{
		"agent_name": agentName,
		"result":     result,
	})
}

// NewWorkflowError carries {error}, optionally with the failing agent.
func NewWorkflowError(errMsg string) Event {
	return NewEvent(WorkflowError, map[string]any{
		"error": errMsg,
	})
}

// NewAgentWorkflowError carries {agent_name, error}.
func NewAgentWorkflowError(agentName, errMsg string) Event {
	return NewEvent(WorkflowError, map[string]any{
		"agent_name": agentName,
		"error":      errMsg,
	})
}

// NewCancellationError carries {error, cancelled: true}; emitted when a
// run terminates because the caller cancelled it.
func NewCancellationError(errMsg string) Event {
	return NewEvent(WorkflowError, map[string]any{
		"error":     errMsg,
		"cancelled": true,
	})
}
