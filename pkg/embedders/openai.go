package embedders

import (
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
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

const (
	openAIDefaultEndpoint = "https://api.openai.com/v1"
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
)

// Dimensionality by model, used when the config declares none.
var openAIEmbeddingDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

func openAIModelDimensions(model string) int {
	if d, ok := openAIEmbeddingDims[model]; ok {
		return d
	}
	return 1536
}

// OpenAIProvider serves vendor-native embeddings.
type OpenAIProvider struct{}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{}
}

func (p *OpenAIProvider) Kind() string {
	return string(config.ProviderVendorNative)
}

func (p *OpenAIProvider) RequiredEnvVars() []string {
	return []string{"OPENAI_API_KEY"}
}

func (p *OpenAIProvider) CreateClient(cfg *config.EmbeddingConfig) (EmbeddingClient, error) {
	if missing := missingEnvVars([]string{"OPENAI_API_KEY"}); len(missing) > 0 {
		return nil, NewMissingEnvError("openai", missing)
	}

	endpoint := os.Getenv("OPENAI_ENDPOINT")
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}

	dims := cfg.Dimensions
	if dims == 0 {
		dims = openAIModelDimensions(cfg.Model)
	}

	return newWireEmbedder(wireEmbedderOptions{
		provider:  "openai",
		model:     cfg.Model,
		bodyModel: cfg.Model,
		url:       strings.TrimRight(endpoint, "/") + "/embeddings",
		headers: map[string]string{
			"Authorization": "Bearer " + os.Getenv("OPENAI_API_KEY"),
		},
		dimensions: dims,
		// The vendor API can shorten text-embedding-3 vectors server-side.
		requestDims: cfg.Dimensions > 0,
		normalize:   cfg.Normalize == nil || *cfg.Normalize,
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
// OPENAI EMBEDDING WIRE CLIENT
//
// Shared by the vendor-native and vendor-hosted providers.
// ============================================================================

type wireEmbedderOptions struct {
	provider    string
	model       string
	bodyModel   string
	url         string
	headers     map[string]string
	dimensions  int
	requestDims bool
	normalize   bool
}

type wireEmbedder struct {
	provider    string
	model       string
	bodyModel   string
	url         string
	headers     map[string]string
	dimensions  int
	requestDims bool
	normalize   bool
	batchSize   int
	maxAttempts int
	http        *httpclient.Client
}

func newWireEmbedder(opts wireEmbedderOptions) *wireEmbedder {
	return &wireEmbedder{
		provider:    opts.provider,
		model:       opts.model,
		bodyModel:   opts.bodyModel,
		url:         opts.url,
		headers:     opts.headers,
		dimensions:  opts.dimensions,
		requestDims: opts.requestDims,
		normalize:   opts.normalize,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

type embedRequest struct {
	Model      string   `json:"model,omitempty"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *wireEmbedder) ModelName() string {
	return c.model
}

func (c *wireEmbedder) Dimensions() int {
	return c.dimensions
}

func (c *wireEmbedder) Close() error {
	return nil
}

func (c *wireEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, "embed_query")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *wireEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, "embed_documents")
}

func (c *wireEmbedder) embed(ctx context.Context, texts []string, operation string) ([][]float32, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("ensemble.embedding")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedding,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, c.provider),
			attribute.Int("embedding.texts", len(texts)),
		),
	)
	defer span.End()

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.embedBatch(ctx, texts[i:end], operation)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.GetGlobalMetrics().RecordEmbedding(ctx, c.model, time.Since(startTime), len(texts), err)
			return nil, err
		}
		results = append(results, vectors...)
	}

	finishVectors(results, c.normalize, c.dimensions, c.model)

	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordEmbedding(ctx, c.model, time.Since(startTime), len(texts), nil)

	return results, nil
}

func (c *wireEmbedder) embedBatch(ctx context.Context, texts []string, operation string) ([][]float32, error) {
	request := embedRequest{
		Model: c.bodyModel,
		Input: texts,
	}
	if c.requestDims {
		request.Dimensions = c.dimensions
	}

	response, err := c.post(ctx, request, operation)
	if err != nil {
		return nil, err
	}

	if len(response.Data) != len(texts) {
		return nil, NewEmbeddingError(c.provider, operation,
			fmt.Sprintf("expected %d embeddings, received %d", len(texts), len(response.Data)), nil)
	}

	// Responses index into the input; order by it.
	vectors := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, NewEmbeddingError(c.provider, operation,
				fmt.Sprintf("embedding index %d out of range", item.Index), nil)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, NewEmbeddingError(c.provider, operation,
				fmt.Sprintf("received empty embedding at index %d", i), nil)
		}
	}

	return vectors, nil
}

func (c *wireEmbedder) post(ctx context.Context, request embedRequest, operation string) (*embedResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, NewEmbeddingError(c.provider, operation, "failed to marshal request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(requestBody))
		if err != nil {
			return nil, NewEmbeddingError(c.provider, operation, "failed to create HTTP request", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(requestBody)), nil
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if resp == nil {
			if err == nil {
				err = fmt.Errorf("no response received")
			}
			lastErr = NewEmbeddingError(c.provider, operation, "HTTP request failed", err)
			// Status-based retries happen inside the HTTP client; this
			// loop only covers transport-level failures.
			if errkind.TransientNetwork(err) && attempt < c.maxAttempts {
				if serr := sleepBackoff(ctx, attempt); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, NewEmbeddingError(c.provider, operation, "failed to read response", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			var errorResp struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
					Code    string `json:"code"`
				} `json:"error"`
			}
			message := strings.TrimSpace(string(body))
			if json.Unmarshal(body, &errorResp) == nil && errorResp.Error.Message != "" {
				message = errorResp.Error.Message
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, NewMisconfiguredError(c.provider, operation,
					fmt.Sprintf("authentication failed with status %d: %s", resp.StatusCode, message))
			}
			return nil, NewEmbeddingError(c.provider, operation,
				fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, message), nil)
		}

		var response embedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, NewEmbeddingError(c.provider, operation, "failed to unmarshal response", err)
		}
		return &response, nil
	}

	return nil, lastErr
}

var _ EmbeddingClient = (*wireEmbedder)(nil)
var _ Provider = (*OpenAIProvider)(nil)
