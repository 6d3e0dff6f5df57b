package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

const ollamaDefaultEndpoint = "http://localhost:11434"

// OllamaProvider serves the local-endpoint provider kind. A local
// runtime needs no credentials, only a reachable endpoint.
type OllamaProvider struct{}

// NewOllamaProvider creates the local-endpoint chat provider.
func NewOllamaProvider() *OllamaProvider {
	return &OllamaProvider{}
}

func (p *OllamaProvider) Kind() string {
	return string(config.ProviderLocalEndpoint)
}

// RequiredEnvVars returns nil: local endpoints are unauthenticated.
func (p *OllamaProvider) RequiredEnvVars() []string {
	return nil
}

func (p *OllamaProvider) SupportedModels() []string {
	return nil
}

func (p *OllamaProvider) CreateClient(ref *config.ModelReference) (ChatClient, error) {
	prefix := envPrefix(ref, "OLLAMA")

	endpoint := os.Getenv(prefix + "_ENDPOINT")
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}

	return newOllamaClient(ref.Deployment, strings.TrimRight(endpoint, "/")), nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	endpoint := os.Getenv("OLLAMA_ENDPOINT")
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}
	return probeEndpoint(ctx, strings.TrimRight(endpoint, "/")+"/api/tags", nil)
}

// ollamaClient speaks the native chat protocol: one JSON document per
// line while streaming, arguments as objects rather than JSON strings,
// and no server-assigned tool call ids.
type ollamaClient struct {
	model   string
	baseURL string
	http    *httpclient.Client
}

func newOllamaClient(model, baseURL string) *ollamaClient {
	return &ollamaClient{
		model:   model,
		baseURL: baseURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []wireTool      `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ollamaResponse covers both the non-streaming response and the
// per-line streaming chunks, which share a shape.
type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (c *ollamaClient) ModelName() string {
	return c.model
}

func (c *ollamaClient) Close() error {
	return nil
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("ensemble.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	request := c.buildRequest(messages, false, tools)

	response, err := c.makeRequest(ctx, request)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration, 0, 0, err)
		return nil, err
	}

	if response.Error != "" {
		apiErr := NewLLMError("ollama", "generate",
			fmt.Sprintf("API error: %s", response.Error), nil)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	toolCalls := parseOllamaToolCalls(response.Message.ToolCalls)

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, response.EvalCount),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "success")

	observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration,
		response.PromptEvalCount, response.EvalCount, nil)

	return &Response{
		Text:       response.Message.Content,
		ToolCalls:  toolCalls,
		TokensUsed: response.PromptEvalCount + response.EvalCount,
	}, nil
}

func (c *ollamaClient) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := c.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := c.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()

	return outputCh, nil
}

func (c *ollamaClient) buildRequest(messages []Message, stream bool, tools []ToolDefinition) ollamaRequest {
	ollamaMessages := make([]ollamaMessage, 0, len(messages))

	// Tool results carry a name on this wire, not a call id.
	toolCallNames := make(map[string]string)

	for _, msg := range messages {
		if msg.Role == RoleTool {
			name := toolCallNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			ollamaMessages = append(ollamaMessages, ollamaMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: name,
			})
			continue
		}

		om := ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			om.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				toolCallNames[tc.ID] = tc.Name
				om.ToolCalls[i] = ollamaToolCall{
					Type: "function",
					Function: ollamaToolFunction{
						Index:     i,
						Name:      tc.Name,
						Arguments: args,
					},
				}
			}
		}
		ollamaMessages = append(ollamaMessages, om)
	}

	request := ollamaRequest{
		Model:    c.model,
		Messages: ollamaMessages,
		Stream:   stream,
	}

	if len(tools) > 0 {
		request.Tools = make([]wireTool, 0, len(tools))
		for _, tool := range tools {
			// The local runtime has no provider-side tools.
			if len(tool.Hosted) > 0 {
				continue
			}
			request.Tools = append(request.Tools, wireTool{
				Type: "function",
				Function: wireToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
	}

	return request
}

// parseOllamaToolCalls synthesizes call ids, which this wire omits.
func parseOllamaToolCalls(wireCalls []ollamaToolCall) []ToolCall {
	if len(wireCalls) == 0 {
		return nil
	}

	result := make([]ToolCall, 0, len(wireCalls))
	for i, tc := range wireCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result = append(result, ToolCall{
			ID:   fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return result
}

func (c *ollamaClient) newRequest(ctx context.Context, request ollamaRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, NewLLMError("ollama", "request", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(requestBody))
	if err != nil {
		return nil, NewLLMError("ollama", "request", "failed to create HTTP request", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (c *ollamaClient) checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		var errorResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
			return NewLLMError("ollama", "request",
				fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, errorResp.Error), nil)
		}
		return NewLLMError("ollama", "request",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}

	if err != nil {
		return NewLLMError("ollama", "request", "HTTP request failed", err)
	}
	if resp == nil {
		return NewLLMError("ollama", "request", "no response received", nil)
	}
	return nil
}

func (c *ollamaClient) makeRequest(ctx context.Context, request ollamaRequest) (*ollamaResponse, error) {
	req, err := c.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if checkErr := c.checkResponse(resp, err); checkErr != nil {
		return nil, checkErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewLLMError("ollama", "request", "failed to read response", err)
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewLLMError("ollama", "request", "failed to unmarshal response", err)
	}

	return &response, nil
}

func (c *ollamaClient) makeStreamingRequest(ctx context.Context, request ollamaRequest, outputCh chan<- StreamChunk) error {
	req, err := c.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if checkErr := c.checkResponse(resp, err); checkErr != nil {
		return checkErr
	}

	reader := bufio.NewReader(resp.Body)

	// Argument objects may arrive across chunks; merge by index.
	toolCallsMap := make(map[int]*ollamaToolCall)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return NewLLMError("ollama", "stream", "failed to read stream", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return NewLLMError("ollama", "stream",
				fmt.Sprintf("API error: %s", chunk.Error), nil)
		}

		if chunk.Message.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}
		}

		for _, tc := range chunk.Message.ToolCalls {
			idx := tc.Function.Index
			if idx < 0 {
				idx = len(toolCallsMap)
			}
			if existing, exists := toolCallsMap[idx]; exists {
				for k, v := range tc.Function.Arguments {
					existing.Function.Arguments[k] = v
				}
			} else {
				call := tc
				if call.Function.Arguments == nil {
					call.Function.Arguments = map[string]any{}
				}
				toolCallsMap[idx] = &call
			}
		}

		if chunk.Done {
			totalTokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}

	if len(toolCallsMap) > 0 {
		accumulated := make([]ollamaToolCall, 0, len(toolCallsMap))
		for i := 0; i < len(toolCallsMap); i++ {
			if tc, exists := toolCallsMap[i]; exists {
				accumulated = append(accumulated, *tc)
			}
		}
		toolCalls := parseOllamaToolCalls(accumulated)
		for i := range toolCalls {
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &toolCalls[i]}
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

var _ ChatClient = (*ollamaClient)(nil)
var _ Provider = (*OllamaProvider)(nil)
