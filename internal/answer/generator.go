package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sagequery/sagequery/internal/cache"
	"github.com/sagequery/sagequery/internal/config"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/query"
)

// GeneratorConfig wires the chat-model endpoint.
type GeneratorConfig struct {
	Host  string
	Model string
	// Timeout applies to standard requests, ComprehensiveTimeout to the
	// comprehensive profile.
	Timeout              time.Duration
	ComprehensiveTimeout time.Duration
	// ResponseTTL / ComprehensiveTTL bound the response cache entries.
	ResponseTTL      time.Duration
	ComprehensiveTTL time.Duration
}

// Generator calls the chat model over HTTP. A circuit breaker sheds
// requests while the service is failing; transport failures surface as
// GenerationUnavailable, never as fabricated text.
type Generator struct {
	cfg     GeneratorConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   cache.Cache // nil disables response caching
}

// NewGenerator builds the client. c may be nil.
func NewGenerator(cfg GeneratorConfig, c cache.Cache) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ComprehensiveTimeout <= 0 {
		cfg.ComprehensiveTimeout = 300 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Generator{
		cfg:     cfg,
		client:  &http.Client{}, // per-request timeout via context
		breaker: breaker,
		cache:   c,
	}
}

type chatRequest struct {
	Model    string                `json:"model"`
	Messages []Message             `json:"messages"`
	Stream   bool                  `json:"stream"`
	Options  config.SamplingParams `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Generate produces the answer text for the built prompt. comprehensive
// selects the longer timeout and cache scope.
func (g *Generator) Generate(ctx context.Context, messages []Message, sampling config.SamplingParams, qtype query.Type, comprehensive bool) (string, error) {
	key, ttl := g.cacheKeyFor(messages, qtype, comprehensive)
	if key != "" {
		if data, err := g.cache.Get(ctx, key); err == nil {
			return string(data), nil
		}
	}

	timeout := g.cfg.Timeout
	if comprehensive {
		timeout = g.cfg.ComprehensiveTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    g.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options:  sampling,
	})
	if err != nil {
		return "", sqerrors.New(sqerrors.CodeInternal, "marshal chat request", err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.call(callCtx, body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if sqerrors.IsCancelled(err) {
			return "", err
		}
		if sqerrors.HasCode(err, sqerrors.CodeGenerationUnavailable) {
			return "", err
		}
		return "", sqerrors.GenerationUnavailable(err)
	}
	text := result.(string)

	if key != "" && ctx.Err() == nil {
		if err := g.cache.Set(ctx, key, []byte(text), ttl); err != nil {
			slog.Debug("response cache write failed", slog.Any("error", err))
		}
	}
	return text, nil
}

func (g *Generator) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(g.cfg.Host, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", sqerrors.Newf(sqerrors.CodeGenerationUnavailable,
			"chat service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Message.Content, nil
}

// cacheKeyFor keys the response by model, query type, and prompt hash.
func (g *Generator) cacheKeyFor(messages []Message, qtype query.Type, comprehensive bool) (string, time.Duration) {
	if g.cache == nil {
		return "", 0
	}
	prompt, err := json.Marshal(messages)
	if err != nil {
		return "", 0
	}
	scope, ttl := cache.ScopeResponse, g.cfg.ResponseTTL
	if comprehensive {
		scope, ttl = cache.ScopeComprehensive, g.cfg.ComprehensiveTTL
	}
	return cache.Key(scope, g.cfg.Model, string(qtype), string(prompt)), ttl
}
