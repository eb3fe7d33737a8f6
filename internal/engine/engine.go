// Package engine assembles the full document-grounded QA system behind
// one facade: ingest on one side, query on the other. Everything the
// callers touch goes through here.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sagequery/sagequery/internal/answer"
	"github.com/sagequery/sagequery/internal/cache"
	"github.com/sagequery/sagequery/internal/config"
	"github.com/sagequery/sagequery/internal/corpus"
	"github.com/sagequery/sagequery/internal/embed"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/ingest"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/search"
	"github.com/sagequery/sagequery/internal/store"
	"github.com/sagequery/sagequery/internal/telemetry"
)

// Deps are the externally constructed dependencies. Store and Embedder
// are required; everything else has a working default.
type Deps struct {
	Store    store.ChunkStore
	Embedder embed.Embedder
	// Cache defaults to the in-memory TTL cache.
	Cache cache.Cache
	// Encoder is the optional cross-encoder; nil selects the rule path.
	Encoder search.CrossEncoder
	// Generator defaults to an HTTP client built from the configuration.
	Generator *answer.Generator
	// Telemetry defaults to a fresh collector.
	Telemetry *telemetry.Collector
}

// Engine is the public entry point.
type Engine struct {
	cfg       config.Config
	processor *query.Processor
	pipeline  *search.Pipeline
	stats     *corpus.Provider
	ingestor  *ingest.Ingestor
	generator *answer.Generator
	prompts   *answer.PromptBuilder
	collector *telemetry.Collector
	st        store.ChunkStore
	cache     cache.Cache
}

// New wires the engine from configuration and dependencies.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Embedder == nil {
		return nil, sqerrors.BadInput("engine needs a store and an embedder")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewCollector()
	}
	if deps.Generator == nil {
		deps.Generator = answer.NewGenerator(answer.GeneratorConfig{
			Host:                 cfg.Generator.Host,
			Model:                cfg.Generator.Model,
			Timeout:              cfg.Generator.Timeout,
			ComprehensiveTimeout: cfg.Generator.TimeoutComprehensive,
			ResponseTTL:          cfg.Cache.ResponseTTL,
			ComprehensiveTTL:     cfg.Cache.ComprehensiveTTL,
		}, deps.Cache)
	}

	if err := verifyIndexMeta(context.Background(), deps.Store, deps.Embedder); err != nil {
		return nil, err
	}

	stats := corpus.NewProvider(deps.Store, cfg.Retrieval.StatsTTL, cfg.Retrieval.StatsInvalidateDelta)

	scorer := search.NewBM25Scorer()
	scorer.K1 = cfg.Retrieval.BM25K1
	scorer.B = cfg.Retrieval.BM25B

	fuser := search.NewFuser()
	fuser.K = cfg.Fusion.RRFK
	fuser.DenseWeight = cfg.Fusion.DenseWeight
	fuser.LexicalWeight = cfg.Fusion.LexicalWeight
	fuser.ForceWeighted = cfg.Fusion.WeightedFallback

	deduper := search.NewDeduper()
	deduper.PerSourceCap = cfg.Fusion.PerSourceCap
	deduper.OverlapThreshold = cfg.Fusion.OverlapThreshold

	weights := search.CompositeWeights{
		Fused:     cfg.Rerank.FusedWeight,
		Rerank:    cfg.Rerank.RerankWeight,
		Freshness: cfg.Rerank.FreshnessWeight,
		Quality:   cfg.Rerank.QualityWeight,
		Feedback:  cfg.Rerank.FeedbackWeight,
	}
	ranker := search.NewRanker(deps.Encoder, weights, nil, nil)

	mmr := search.NewMMRSelector()
	mmr.Lambda = cfg.Rerank.MMRLambda

	pipeline := search.NewPipeline(
		search.NewDenseRetriever(deps.Embedder, deps.Store),
		scorer, fuser, deduper, ranker, mmr,
		stats, deps.Cache, cfg.Cache.SearchTTL,
	)

	// One ingest writer per data directory; concurrent engine processes
	// contend on the lock file, not on the store.
	var lockPath string
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, sqerrors.New(sqerrors.CodeStoreUnavailable, "create data directory", err)
		}
		lockPath = filepath.Join(cfg.DataDir, "ingest.lock")
	}
	ingestor := ingest.NewIngestor(deps.Store, deps.Embedder, stats, ingest.Options{
		Chunker: &ingest.ChunkerOptions{
			ChunkSize:   cfg.Chunking.ChunkSize,
			Overlap:     cfg.Chunking.ChunkOverlap,
			MaxChunks:   cfg.Chunking.MaxChunksPerSource,
			MicroChunks: cfg.Chunking.MicroChunks,
		},
		BatchSize: cfg.Embedding.BatchSize,
		LockPath:  lockPath,
	})

	return &Engine{
		cfg:       cfg,
		processor: query.NewProcessor(),
		pipeline:  pipeline,
		stats:     stats,
		ingestor:  ingestor,
		generator: deps.Generator,
		prompts:   answer.NewPromptBuilder(),
		collector: deps.Telemetry,
		st:        deps.Store,
		cache:     deps.Cache,
	}, nil
}

// verifyIndexMeta records the embedder identity alongside the index on
// first use and fails fast when an existing index was built with a
// different model or dimension. Mixing embedding spaces would silently
// corrupt every similarity score.
func verifyIndexMeta(ctx context.Context, st store.ChunkStore, e embed.Embedder) error {
	dims := strconv.Itoa(e.Dimensions())

	stored, err := st.GetMeta(ctx, store.MetaKeyDimensions)
	if err != nil {
		return err
	}
	switch {
	case stored == "":
		if err := st.SetMeta(ctx, store.MetaKeyDimensions, dims); err != nil {
			return err
		}
	case stored != dims:
		return sqerrors.Newf(sqerrors.CodeDimensionMismatch,
			"index was built with %s-dimensional embeddings, embedder produces %s", stored, dims)
	}

	stored, err = st.GetMeta(ctx, store.MetaKeyModel)
	if err != nil {
		return err
	}
	switch {
	case stored == "":
		if err := st.SetMeta(ctx, store.MetaKeyModel, e.ModelName()); err != nil {
			return err
		}
	case stored != e.ModelName():
		return sqerrors.Newf(sqerrors.CodeDimensionMismatch,
			"index was built with embedding model %q, embedder is %q", stored, e.ModelName())
	}
	return nil
}

// Telemetry exposes the metrics collector (for the /metrics surface).
func (e *Engine) Telemetry() *telemetry.Collector { return e.collector }

// Progress exposes per-source ingest progress.
func (e *Engine) Progress() *ingest.ProgressTracker { return e.ingestor.Progress() }

// Ingest runs a new source through the ingest state machine.
func (e *Engine) Ingest(ctx context.Context, desc ingest.Descriptor, pages []ingest.Page) (*store.Source, error) {
	src, err := e.ingestor.Ingest(ctx, desc, pages)
	if err != nil {
		e.collector.RecordIngest("failed", 0)
		return nil, err
	}
	e.collector.RecordIngest("ready", src.ChunkCount)
	return src, nil
}

// Refresh re-ingests an existing source in place.
func (e *Engine) Refresh(ctx context.Context, sourceID string, pages []ingest.Page) (*store.Source, error) {
	src, err := e.ingestor.Refresh(ctx, sourceID, pages)
	if err != nil {
		e.collector.RecordIngest("failed", 0)
		return nil, err
	}
	e.collector.RecordIngest("refreshed", src.ChunkCount)
	return src, nil
}

// DeleteSource removes a source and its chunks.
func (e *Engine) DeleteSource(ctx context.Context, sourceID string) error {
	return e.ingestor.Delete(ctx, sourceID)
}

// Sources lists all known sources.
func (e *Engine) Sources(ctx context.Context) ([]*store.Source, error) {
	return e.st.ListSources(ctx)
}

// Stats aggregates store, corpus, and telemetry state.
type Stats struct {
	Store     store.Stats        `json:"store"`
	Corpus    CorpusStats        `json:"corpus"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
}

// CorpusStats is the corpus snapshot summary.
type CorpusStats struct {
	Version     uint64    `json:"version"`
	TotalChunks int       `json:"total_chunks"`
	AvgTokens   float64   `json:"avg_tokens"`
	BuiltAt     time.Time `json:"built_at"`
}

// Stats returns the current engine statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st, err := e.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := e.stats.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Store: *st,
		Corpus: CorpusStats{
			Version:     snap.Version,
			TotalChunks: snap.TotalChunks,
			AvgTokens:   snap.AvgTokens,
			BuiltAt:     snap.BuiltAt,
		},
		Telemetry: e.collector.Snapshot(),
	}, nil
}

// Close releases the engine's shared resources.
func (e *Engine) Close() error {
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			slog.Warn("cache close failed", slog.Any("error", err))
		}
	}
	return e.st.Close()
}
