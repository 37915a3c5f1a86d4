package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quietpath/haven/internal/config"
)

const (
	embeddingProviderAPI    = "api"
	embeddingProviderOllama = "ollama"
)

// Embedder maps text onto the vector space the corpora were indexed in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type embedderClient struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	batchSize   int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// NewEmbedder builds the OpenAI-compatible embeddings client. The default
// provider is a local ollama endpoint, which is how the shipped corpora were
// embedded; "api" talks to any hosted /v1/embeddings service.
func NewEmbedder(cfg config.EmbeddingConfig) Embedder {
	client := &embedderClient{
		provider:    embeddingProviderOllama,
		baseURL:     strings.TrimSpace(cfg.BaseURL),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		batchSize:   cfg.BatchSize,
		httpClient:  &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond},
	}

	if provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider != "" {
		client.provider = provider
	}
	if client.model == "" {
		client.model = config.DefaultEmbeddingOllamaModel
	}
	if client.batchSize <= 0 {
		client.batchSize = config.DefaultEmbeddingBatchSize
	}
	if cfg.TimeoutMs > 0 {
		client.httpClient.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if client.provider == embeddingProviderOllama && client.baseURL == "" {
		client.baseURL = config.DefaultEmbeddingOllamaURL
	}

	return client
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	vectors, err := c.requestEmbeddings(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (c *embedderClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += c.batchSize {
		end := start + c.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk, err := c.requestEmbeddings(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (c *embedderClient) requestEmbeddings(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	baseURL, err := c.resolveBaseURL()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return c.orderedVectors(decoded.Data, expectedCount)
}

func (c *embedderClient) resolveBaseURL() (string, error) {
	baseURL := strings.TrimRight(c.baseURL, "/")
	switch c.provider {
	case embeddingProviderOllama:
		if baseURL == "" {
			baseURL = config.DefaultEmbeddingOllamaURL
		}
		return baseURL, nil
	case embeddingProviderAPI:
		if baseURL == "" {
			return "", fmt.Errorf("missing embedding base url")
		}
		if c.apiKey == "" {
			return "", fmt.Errorf("missing embedding api key")
		}
		return baseURL, nil
	default:
		return "", fmt.Errorf("unsupported embedding provider: %s", c.provider)
	}
}

// orderedVectors reassembles response items by index and validates dimension.
func (c *embedderClient) orderedVectors(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) != expectedCount {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", item.Index)
		}
		if c.expectedDim > 0 && len(item.Embedding) != c.expectedDim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), c.expectedDim)
		}
		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
	}

	for idx, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding index %d", idx)
		}
	}
	return vectors, nil
}
