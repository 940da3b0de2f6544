package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hubenschmidt/go-vectordata/core"
	"github.com/hubenschmidt/go-vectordata/vector"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type OllamaTagsResponse struct {
	Models []OllamaModelInfo `json:"models"`
}

type OllamaModelInfo struct {
	Name string `json:"name"`
}

type DiscoveredModel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// DiscoverOllamaModels queries an Ollama instance for available models.
func DiscoverOllamaModels(ctx context.Context, ollamaHost string) ([]DiscoveredModel, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	host := strings.TrimSuffix(ollamaHost, "/")
	// Handle both /v1 suffix and bare host
	host = strings.TrimSuffix(host, "/v1")
	url := fmt.Sprintf("%s/api/tags", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var tags OllamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse ollama response: %w", err)
	}

	models := make([]DiscoveredModel, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = DiscoveredModel{
			ID:    fmt.Sprintf("ollama-%s", slugify(m.Name)),
			Name:  formatDisplayName(m.Name),
			Model: m.Name,
		}
	}

	return models, nil
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func slugify(name string) string {
	return strings.ToLower(slugRe.ReplaceAllString(name, "-"))
}

func formatDisplayName(name string) string {
	// "bge-m3:latest" -> "Bge-m3 (Ollama)"
	base, _, _ := strings.Cut(name, ":")
	if len(base) > 0 {
		base = strings.ToUpper(base[:1]) + base[1:]
	}
	return fmt.Sprintf("%s (Ollama)", base)
}

// EmbedConfig configures an OllamaEmbedClient.
type EmbedConfig struct {
	// Endpoint is the full embeddings URL, e.g. http://localhost:11434/api/embeddings.
	Endpoint string
	Model    string
	Timeout  time.Duration
	// MaxConcurrency bounds in-flight requests. Zero means unbounded.
	MaxConcurrency int
	// RequestsPerSecond limits the request rate. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	// Dimension, when set, is the required embedding length.
	Dimension int
}

// OllamaEmbedClient calls Ollama's /api/embeddings endpoint, one text per
// request.
type OllamaEmbedClient struct {
	endpoint  string
	model     string
	dimension int
	client    *http.Client
	sem       *semaphore.Weighted // nil if unbounded
	limiter   *rate.Limiter       // nil if unlimited
}

var _ vector.Embedder = (*OllamaEmbedClient)(nil)

// NewOllamaEmbedClient creates a client for Ollama's native embedding API.
func NewOllamaEmbedClient(cfg EmbedConfig) *OllamaEmbedClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &OllamaEmbedClient{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: timeout},
	}
	if cfg.MaxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *OllamaEmbedClient) Model() string {
	return c.model
}

func (c *OllamaEmbedClient) Endpoint() string {
	return c.endpoint
}

// Host returns the scheme and host of the endpoint.
func (c *OllamaEmbedClient) Host() string {
	u, err := url.Parse(c.endpoint)
	if err != nil || u.Host == "" {
		return c.endpoint
	}
	return u.Scheme + "://" + u.Host
}

type ollamaEmbeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text. Transport failures and non-2xx
// responses wrap core.ErrEmbeddingUnavailable; unusable bodies wrap
// core.ErrEmbeddingFormat. There are no retries.
func (c *OllamaEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingUnavailable, err)
		}
		defer c.sem.Release(1)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrEmbeddingUnavailable, err)
		}
	}

	body, err := json.Marshal(ollamaEmbeddingsRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", core.ErrEmbeddingUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", core.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: ollama API error (status %d): %s",
			core.ErrEmbeddingUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result ollamaEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", core.ErrEmbeddingFormat, err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: no embedding in response", core.ErrEmbeddingFormat)
	}
	if c.dimension > 0 && len(result.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: %w: expected %d, got %d",
			core.ErrEmbeddingFormat, core.ErrDimensionMismatch, c.dimension, len(result.Embedding))
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Reachable reports whether the Ollama host answers and serves the
// configured model.
func (c *OllamaEmbedClient) Reachable(ctx context.Context) (bool, error) {
	models, err := DiscoverOllamaModels(ctx, c.Host())
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Model == c.model || strings.TrimSuffix(m.Model, ":latest") == c.model {
			return true, nil
		}
	}
	return false, fmt.Errorf("model %s not available", c.model)
}
