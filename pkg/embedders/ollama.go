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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/errkind"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

const ollamaDefaultEndpoint = "http://localhost:11434"

// The local llama runner crashes on concurrent embedding requests;
// serialize them process-wide.
var ollamaEmbedMu sync.Mutex

// Dimensionality of common local embedding models.
var ollamaEmbeddingDims = map[string]int{
	"nomic-embed-text":  768,
	"all-minilm":        384,
	"mxbai-embed-large": 1024,
}

// OllamaProvider serves local-endpoint embeddings.
type OllamaProvider struct{}

func NewOllamaProvider() *OllamaProvider {
	return &OllamaProvider{}
}

func (p *OllamaProvider) Kind() string {
	return string(config.ProviderLocalEndpoint)
}

func (p *OllamaProvider) RequiredEnvVars() []string {
	return nil
}

func (p *OllamaProvider) CreateClient(cfg *config.EmbeddingConfig) (EmbeddingClient, error) {
	endpoint := os.Getenv("OLLAMA_ENDPOINT")
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}

	dims := cfg.Dimensions
	if dims == 0 {
		if d, ok := ollamaEmbeddingDims[cfg.Model]; ok {
			dims = d
		} else {
			dims = 768
		}
	}

	return &ollamaEmbedder{
		model:       cfg.Model,
		baseURL:     strings.TrimRight(endpoint, "/"),
		dimensions:  dims,
		normalize:   cfg.Normalize == nil || *cfg.Normalize,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	endpoint := os.Getenv("OLLAMA_ENDPOINT")
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}
	return probeEndpoint(ctx, strings.TrimRight(endpoint, "/")+"/api/tags", nil)
}

type ollamaEmbedder struct {
	model       string
	baseURL     string
	dimensions  int
	normalize   bool
	batchSize   int
	maxAttempts int
	http        *httpclient.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (c *ollamaEmbedder) ModelName() string {
	return c.model
}

func (c *ollamaEmbedder) Dimensions() int {
	return c.dimensions
}

func (c *ollamaEmbedder) Close() error {
	return nil
}

func (c *ollamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *ollamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts)
}

func (c *ollamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("ensemble.embedding")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedding,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
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

		vectors, err := c.embedBatch(ctx, texts[i:end])
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

func (c *ollamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	requestBody, err := json.Marshal(ollamaEmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, NewEmbeddingError("ollama", "embed", "failed to marshal request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(requestBody))
		if err != nil {
			return nil, NewEmbeddingError("ollama", "embed", "failed to create HTTP request", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(requestBody)), nil
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if resp == nil {
			if err == nil {
				err = fmt.Errorf("no response received")
			}
			lastErr = NewEmbeddingError("ollama", "embed", "HTTP request failed", err)
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
			return nil, NewEmbeddingError("ollama", "embed", "failed to read response", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			var errorResp struct {
				Error string `json:"error"`
			}
			message := strings.TrimSpace(string(body))
			if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
				message = errorResp.Error
			}
			return nil, NewEmbeddingError("ollama", "embed",
				fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, message), nil)
		}

		var response ollamaEmbedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, NewEmbeddingError("ollama", "embed", "failed to unmarshal response", err)
		}
		if response.Error != "" {
			return nil, NewEmbeddingError("ollama", "embed",
				fmt.Sprintf("API error: %s", response.Error), nil)
		}
		if len(response.Embeddings) != len(texts) {
			return nil, NewEmbeddingError("ollama", "embed",
				fmt.Sprintf("expected %d embeddings, received %d", len(texts), len(response.Embeddings)), nil)
		}
		return response.Embeddings, nil
	}

	return nil, lastErr
}

var _ EmbeddingClient = (*ollamaEmbedder)(nil)
var _ Provider = (*OllamaProvider)(nil)
