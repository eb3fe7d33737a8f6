package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	sqerrors "github.com/sagequery/sagequery/internal/errors"
)

// ServiceConfig configures the embedding service client.
type ServiceConfig struct {
	// Host is the service base URL (e.g. http://localhost:11434).
	Host string
	// Model is the canonical embedding model.
	Model string
	// Dimensions is the fixed vector dimension D. Zero auto-detects from
	// the first embedding.
	Dimensions int
	// Timeout bounds a single call (default 60s).
	Timeout time.Duration
	// Retries is the retry budget per call (default 3).
	Retries int
	// PoolSize is the HTTP connection pool size (default 10).
	PoolSize int
	// SkipHealthCheck skips the startup probe (for tests).
	SkipHealthCheck bool
}

// ServiceEmbedder talks to the embedding service over HTTP.
// Wire format: request {model, prompt}, response {embedding: [...]}.
type ServiceEmbedder struct {
	client *http.Client
	config ServiceConfig
	retry  sqerrors.RetryPolicy

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*ServiceEmbedder)(nil)

// embedRequest is the service request body.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the service response body.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewServiceEmbedder creates the embedding client and, unless skipped,
// probes the service with a one-token embedding to verify reachability and
// detect dimensions.
func NewServiceEmbedder(ctx context.Context, cfg ServiceConfig) (*ServiceEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Model == "" {
		return nil, sqerrors.Newf(sqerrors.CodeConfigInvalid, "embedding model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConcurrency
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	// Timeouts are applied per-request via context so a single slow call
	// cannot consume the whole retry budget's wall clock.
	e := &ServiceEmbedder{
		client: &http.Client{Transport: transport},
		config: cfg,
		dims:   cfg.Dimensions,
	}
	e.retry = sqerrors.DefaultRetryPolicy()
	e.retry.MaxRetries = cfg.Retries

	if !cfg.SkipHealthCheck {
		probe, err := e.Embed(ctx, "ping")
		if err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
		if e.dims == 0 {
			e.dims = len(probe)
		}
	}
	return e, nil
}

// Embed generates the embedding for a single text. The call is retried
// with exponential backoff; after the budget is exhausted the error
// surfaces as EmbeddingUnavailable.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, sqerrors.Newf(sqerrors.CodeInternal, "embedder is closed")
	}
	e.mu.RUnlock()

	var vec []float32
	err := e.retry.Retry(ctx, func() error {
		v, err := e.doEmbed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		if sqerrors.IsCancelled(err) {
			return nil, err
		}
		return nil, sqerrors.EmbeddingUnavailable(err)
	}

	if !Finite(vec) {
		return nil, sqerrors.BadVector("embedding contains non-finite component").
			WithDetail("model", e.config.Model)
	}
	if e.dims > 0 {
		vec = ConformDimension(vec, e.dims)
	}
	return vec, nil
}

// EmbedBatch embeds texts sequentially against the service. Concurrency
// and cache partitioning live in BatchEmbedder; this is the leaf client.
func (e *ServiceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// doEmbed performs one HTTP round trip.
func (e *ServiceEmbedder) doEmbed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		e.config.Host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, string(msg))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned empty vector")
	}
	return parsed.Embedding, nil
}

// Dimensions returns the embedding dimension.
func (e *ServiceEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *ServiceEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the service with a tiny request.
func (e *ServiceEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.doEmbed(probeCtx, "ping")
	return err == nil
}

// Close releases pooled connections.
func (e *ServiceEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if t, ok := e.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
