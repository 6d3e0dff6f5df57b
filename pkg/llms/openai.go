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

const openAIDefaultEndpoint = "https://api.openai.com/v1"

// OpenAIProvider serves the vendor-native provider kind over the
// OpenAI chat-completions wire protocol.
type OpenAIProvider struct{}

// NewOpenAIProvider creates the vendor-native chat provider.
func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{}
}

func (p *OpenAIProvider) Kind() string {
	return string(config.ProviderVendorNative)
}

func (p *OpenAIProvider) RequiredEnvVars() []string {
	return []string{"OPENAI_API_KEY"}
}

// SupportedModels returns nil: any deployment name is accepted.
func (p *OpenAIProvider) SupportedModels() []string {
	return nil
}

func (p *OpenAIProvider) CreateClient(ref *config.ModelReference) (ChatClient, error) {
	prefix := envPrefix(ref, "OPENAI")
	keyVar := prefix + "_API_KEY"

	if missing := missingEnvVars([]string{keyVar}); len(missing) > 0 {
		return nil, NewMissingEnvError("openai", missing)
	}

	endpoint := os.Getenv(prefix + "_ENDPOINT")
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}

	return newWireClient(wireClientOptions{
		provider:  "openai",
		model:     ref.Deployment,
		bodyModel: ref.Deployment,
		url:       strings.TrimRight(endpoint, "/") + "/chat/completions",
		headers: map[string]string{
			"Authorization": "Bearer " + os.Getenv(keyVar),
		},
		headerParser: httpclient.ParseOpenAIHeaders,
	}), nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	endpoint := os.Getenv("OPENAI_ENDPOINT")
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}
	return probeEndpoint(ctx, strings.TrimRight(endpoint, "/")+"/models",
		map[string]string{"Authorization": "Bearer " + os.Getenv("OPENAI_API_KEY")})
}

// probeEndpoint issues a short GET and reports basic reachability.
func probeEndpoint(ctx context.Context, url string, headers map[string]string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// ============================================================================
// OPENAI WIRE CLIENT
//
// Shared by the vendor-native and vendor-hosted providers: the hosted
// endpoint speaks the same chat-completions protocol behind a
// deployment-scoped URL and api-key header.
// ============================================================================

type wireClientOptions struct {
	provider     string
	model        string
	bodyModel    string // empty omits the model field (deployment in URL)
	url          string
	headers      map[string]string
	headerParser httpclient.RateLimitHeaderParser
}

type wireClient struct {
	provider  string
	model     string
	bodyModel string
	url       string
	headers   map[string]string
	http      *httpclient.Client
}

func newWireClient(opts wireClientOptions) *wireClient {
	parser := opts.headerParser
	if parser == nil {
		parser = httpclient.ParseRetryAfterHeader
	}
	return &wireClient{
		provider:  opts.provider,
		model:     opts.model,
		bodyModel: opts.bodyModel,
		url:       opts.url,
		headers:   opts.headers,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(parser),
		),
	}
}

// Wire structs for the chat-completions protocol.

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// Tools holds wireTool entries and raw hosted descriptors.
	Tools      []any  `json:"tools,omitempty"`
	ToolChoice string `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *wireUsage     `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        wireDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type wireDelta struct {
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (c *wireClient) ModelName() string {
	return c.model
}

func (c *wireClient) Close() error {
	return nil
}

func (c *wireClient) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("ensemble.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, c.provider),
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

	if response.Error != nil {
		apiErr := NewLLMError(c.provider, "generate",
			fmt.Sprintf("API error: %s", response.Error.Message), nil)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := NewLLMError(c.provider, "generate", "no response choices returned", nil)
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration, 0, 0, noChoiceErr)
		return nil, noChoiceErr
	}

	choice := response.Choices[0]

	toolCalls, err := parseWireToolCalls(choice.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		return nil, NewLLMError(c.provider, "generate", "failed to parse tool calls", err)
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "success")

	observability.GetGlobalMetrics().RecordLLMCall(ctx, c.model, duration,
		response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)

	return &Response{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		TokensUsed: response.Usage.TotalTokens,
	}, nil
}

func (c *wireClient) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
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

func (c *wireClient) buildRequest(messages []Message, stream bool, tools []ToolDefinition) chatRequest {
	wireMessages := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wm := wireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if len(msg.ToolCalls) > 0 {
			wm.ToolCalls = make([]wireToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				wm.ToolCalls[j] = wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}
		wireMessages = append(wireMessages, wm)
	}

	request := chatRequest{
		Model:    c.bodyModel,
		Messages: wireMessages,
		Stream:   stream,
	}

	if len(tools) > 0 {
		request.Tools = make([]any, 0, len(tools))
		for _, tool := range tools {
			if len(tool.Hosted) > 0 {
				request.Tools = append(request.Tools, tool.Hosted)
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
		request.ToolChoice = "auto"
	}

	return request
}

func parseWireToolCalls(wireCalls []wireToolCall) ([]ToolCall, error) {
	if len(wireCalls) == 0 {
		return nil, nil
	}

	result := make([]ToolCall, len(wireCalls))
	for i, tc := range wireCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("failed to parse arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result, nil
}

// parseAPIError extracts structured error details from a response body.
func parseAPIError(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (c *wireClient) newRequest(ctx context.Context, request chatRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, NewLLMError(c.provider, "request", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, NewLLMError(c.provider, "request", "failed to create HTTP request", err)
	}

	// Retries re-read the body.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// checkResponse converts non-200 statuses into typed errors. Auth
// failures are misconfiguration, everything else is a model-call error.
func (c *wireClient) checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			msg := fmt.Sprintf("authentication failed with status %d", resp.StatusCode)
			if apiErr := parseAPIError(body); apiErr != nil {
				msg = fmt.Sprintf("authentication failed with status %d: %s", resp.StatusCode, apiErr.Message)
			}
			return NewMisconfiguredError(c.provider, "request", msg)
		}

		if apiErr := parseAPIError(body); apiErr != nil {
			return NewLLMError(c.provider, "request",
				fmt.Sprintf("API request failed with status %d: %s (type: %s, code: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code), nil)
		}
		return NewLLMError(c.provider, "request",
			fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}

	if err != nil {
		return NewLLMError(c.provider, "request", "HTTP request failed", err)
	}
	if resp == nil {
		return NewLLMError(c.provider, "request", "no response received", nil)
	}
	return nil
}

func (c *wireClient) makeRequest(ctx context.Context, request chatRequest) (*chatResponse, error) {
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
		return nil, NewLLMError(c.provider, "request", "failed to read response", err)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewLLMError(c.provider, "request", "failed to unmarshal response", err)
	}

	return &response, nil
}

func (c *wireClient) makeStreamingRequest(ctx context.Context, request chatRequest, outputCh chan<- StreamChunk) error {
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

	// Tool calls stream as an id-bearing head delta followed by
	// argument fragments; accumulate by arrival order.
	toolCallsMap := make(map[int]*wireToolCall)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return NewLLMError(c.provider, "stream", "failed to read stream", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp streamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return NewLLMError(c.provider, "stream",
				fmt.Sprintf("API error: %s", streamResp.Error.Message), nil)
		}

		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsMap[len(toolCallsMap)] = &wireToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			} else if len(toolCallsMap) > 0 {
				lastIdx := len(toolCallsMap) - 1
				if toolCall, exists := toolCallsMap[lastIdx]; exists {
					toolCall.Function.Arguments += deltaCall.Function.Arguments
				}
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			break
		}
	}

	if len(toolCallsMap) > 0 {
		accumulated := make([]wireToolCall, 0, len(toolCallsMap))
		for i := 0; i < len(toolCallsMap); i++ {
			if toolCall, exists := toolCallsMap[i]; exists {
				accumulated = append(accumulated, *toolCall)
			}
		}
		toolCalls, err := parseWireToolCalls(accumulated)
		if err != nil {
			return NewLLMError(c.provider, "stream", "failed to parse tool calls", err)
		}
		for i := range toolCalls {
			outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &toolCalls[i]}
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

var _ ChatClient = (*wireClient)(nil)
var _ Provider = (*OpenAIProvider)(nil)
