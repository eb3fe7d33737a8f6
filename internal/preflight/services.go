package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const serviceProbeTimeout = 5 * time.Second

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// CheckEmbeddingService verifies the embedding host answers and has the
// configured model available.
func (c *Checker) CheckEmbeddingService(ctx context.Context) CheckResult {
	return c.checkModelService(ctx, "embedding_service",
		c.cfg.Embedding.Host, c.cfg.Embedding.Model, true)
}

// CheckGenerationService verifies the generator host answers and has the
// configured chat model available. Non-critical: retrieval works without
// it, queries just return sources with no synthesized answer.
func (c *Checker) CheckGenerationService(ctx context.Context) CheckResult {
	return c.checkModelService(ctx, "generation_service",
		c.cfg.Generator.Host, c.cfg.Generator.Model, false)
}

func (c *Checker) checkModelService(ctx context.Context, name, host, model string, required bool) CheckResult {
	result := CheckResult{
		Name:     name,
		Required: required,
	}

	failStatus := StatusFail
	if !required {
		failStatus = StatusWarn
	}

	ctx, cancel := context.WithTimeout(ctx, serviceProbeTimeout)
	defer cancel()

	url := strings.TrimSuffix(host, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Status = failStatus
		result.Message = fmt.Sprintf("invalid host %q: %v", host, err)
		return result
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Status = failStatus
		result.Message = fmt.Sprintf("unreachable at %s: %v", host, err)
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Status = failStatus
		result.Message = fmt.Sprintf("%s returned HTTP %d", host, resp.StatusCode)
		return result
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		result.Status = failStatus
		result.Message = fmt.Sprintf("bad response from %s: %v", host, err)
		return result
	}

	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			result.Status = StatusPass
			result.Message = fmt.Sprintf("%s available at %s", model, host)
			return result
		}
	}

	result.Status = StatusWarn
	result.Message = fmt.Sprintf("model %s not found at %s", model, host)
	result.Details = fmt.Sprintf("pull it with: ollama pull %s", model)
	return result
}

// CheckRedis pings the configured Redis instance. Non-critical: the
// engine falls back to the in-memory cache when Redis is unavailable.
func (c *Checker) CheckRedis(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "redis",
		Required: false,
	}

	ctx, cancel := context.WithTimeout(ctx, serviceProbeTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr: c.cfg.Cache.RedisAddr,
		DB:   c.cfg.Cache.RedisDB,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("unreachable at %s: %v", c.cfg.Cache.RedisAddr, err)
		return result
	}

	result.Status = StatusPass
	result.Message = "reachable at " + c.cfg.Cache.RedisAddr
	return result
}
