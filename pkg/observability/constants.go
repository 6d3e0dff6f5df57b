package observability

const (
	AttrServiceName     = "service.name"
	AttrServiceVersion  = "service.version"
	AttrAgentID         = "agent.id"
	AttrAgentModel      = "agent.model"
	AttrToolName        = "tool.name"
	AttrToolTransport   = "tool.transport"
	AttrToolAttempt     = "tool.attempt"
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrWorkflowKind    = "workflow.kind"
	AttrErrorKind       = "error.kind"

	SpanAgentRun      = "agent.run"
	SpanLLMRequest    = "llm.request"
	SpanToolExecution = "tool.execution"
	SpanEmbedding     = "embedding.request"
	SpanVectorSearch  = "vector.search"
	SpanWorkflowRun   = "workflow.run"
)
