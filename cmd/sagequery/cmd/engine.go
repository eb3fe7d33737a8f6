package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sagequery/sagequery/internal/answer"
	"github.com/sagequery/sagequery/internal/cache"
	"github.com/sagequery/sagequery/internal/config"
	"github.com/sagequery/sagequery/internal/embed"
	"github.com/sagequery/sagequery/internal/engine"
	"github.com/sagequery/sagequery/internal/search"
	"github.com/sagequery/sagequery/internal/store"
)

// buildEngine assembles the engine from configuration: store, embedder
// stack (service client, LRU + shared cache, batch fan-out), cache
// backend, optional cross-encoder, and generator.
func buildEngine(ctx context.Context, cfg config.Config) (*engine.Engine, error) {
	st, err := store.Open(filepath.Join(cfg.DataDir, "store"), cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var c cache.Cache
	if cfg.Cache.RedisAddr != "" {
		c = cache.NewRedis(cache.RedisOptions{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
	} else {
		c = cache.NewMemory()
	}

	service, err := embed.NewServiceEmbedder(ctx, embed.ServiceConfig{
		Host:       cfg.Embedding.Host,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		Retries:    cfg.Embedding.Retries,
		PoolSize:   cfg.Embedding.Concurrency,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	cached := embed.NewCachedEmbedder(service, cfg.Embedding.CacheSize, c, cfg.Cache.EmbeddingTTL)
	embedder := embed.NewBatchEmbedder(cached, cfg.Embedding.BatchSize, cfg.Embedding.Concurrency)

	var encoder search.CrossEncoder
	if cfg.Rerank.Endpoint != "" {
		encoder = search.NewHTTPCrossEncoder(cfg.Rerank.Endpoint, cfg.Rerank.Model, cfg.Rerank.Timeout)
	}

	generator := answer.NewGenerator(answer.GeneratorConfig{
		Host:                 cfg.Generator.Host,
		Model:                cfg.Generator.Model,
		Timeout:              cfg.Generator.Timeout,
		ComprehensiveTimeout: cfg.Generator.TimeoutComprehensive,
		ResponseTTL:          cfg.Cache.ResponseTTL,
		ComprehensiveTTL:     cfg.Cache.ComprehensiveTTL,
	}, c)

	eng, err := engine.New(cfg, engine.Deps{
		Store:     st,
		Embedder:  embedder,
		Cache:     c,
		Encoder:   encoder,
		Generator: generator,
	})
	if err != nil {
		_ = embedder.Close()
		_ = st.Close()
		return nil, err
	}
	return eng, nil
}
