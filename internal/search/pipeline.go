package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sagequery/sagequery/internal/cache"
	"github.com/sagequery/sagequery/internal/corpus"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/store"
)

// Request parameterizes one pipeline run. Depth fields come from the
// retrieval profile.
type Request struct {
	QC         *query.Context
	TopK       int
	Candidates int
	// Threshold drops the dense-recall tail below this similarity.
	Threshold float64
	// RerankPool bounds cross-encoder scoring; 0 disables the model path.
	RerankPool int
}

// Response is the ranked output plus run statistics.
type Response struct {
	Results []*RankedResult `json:"results"`
	Stats   Stats           `json:"stats"`
}

// Pipeline runs the full retrieval and ranking sequence. Stages execute
// in order for one request; construction is cheap, so callers assemble a
// pipeline per engine, not per request.
type Pipeline struct {
	retriever *DenseRetriever
	scorer    *BM25Scorer
	fuser     *Fuser
	deduper   *Deduper
	ranker    *Ranker
	mmr       *MMRSelector
	stats     *corpus.Provider

	// cache holds serialized responses under the search scope; nil
	// disables caching.
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewPipeline wires the stages. c may be nil.
func NewPipeline(retriever *DenseRetriever, scorer *BM25Scorer, fuser *Fuser, deduper *Deduper, ranker *Ranker, mmr *MMRSelector, stats *corpus.Provider, c cache.Cache, cacheTTL time.Duration) *Pipeline {
	return &Pipeline{
		retriever: retriever,
		scorer:    scorer,
		fuser:     fuser,
		deduper:   deduper,
		ranker:    ranker,
		mmr:       mmr,
		stats:     stats,
		cache:     c,
		cacheTTL:  cacheTTL,
	}
}

// Run executes the pipeline. An empty result set is a valid outcome; the
// abstain gate downstream decides what to do with it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	cacheKey := p.cacheKey(req)
	if resp := p.cachedResponse(ctx, cacheKey); resp != nil {
		resp.Stats.CacheHit = true
		return resp, nil
	}

	filter := storeFilter(req.QC.Filters)
	candidates, err := p.retriever.Retrieve(ctx, req.QC, req.Candidates, req.Threshold, filter)
	if err != nil {
		return nil, err
	}
	candidates = applyVersionFilter(candidates, req.QC.Filters.Version)

	resp := &Response{Stats: Stats{
		CandidateCount: len(candidates),
		UsedExpansion:  req.QC.DidExpand,
	}}
	if len(candidates) == 0 {
		resp.Stats.ElapsedMillis = time.Since(started).Milliseconds()
		return resp, nil
	}

	snap, err := p.stats.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p.scorer.ScoreAll(snap, req.QC.Expanded, candidates)

	fused, usedWeighted := p.fuser.Fuse(candidates)
	resp.Stats.FusedCount = len(fused)
	resp.Stats.UsedWeighted = usedWeighted

	deduped := p.deduper.Apply(fused)
	resp.Stats.DedupedCount = len(deduped)

	ranked, usedModel := p.ranker.Rank(ctx, req.QC, deduped, req.RerankPool)
	resp.Stats.UsedReranker = usedModel

	selected := p.mmr.Select(ranked, req.TopK)
	resp.Results = selected
	resp.Stats.SelectedCount = len(selected)
	resp.Stats.MeanFinal = meanFinal(selected)
	resp.Stats.MaxFinal = maxFinal(selected)
	resp.Stats.MeanFused = meanFused(selected)
	resp.Stats.ElapsedMillis = time.Since(started).Milliseconds()

	p.storeResponse(ctx, cacheKey, resp)
	return resp, nil
}

// applyVersionFilter keeps only chunks mentioning the canonical version
// string (also matching the bare number, e.g. "3.6" for "v3.6").
func applyVersionFilter(candidates []*RankedResult, version string) []*RankedResult {
	if version == "" {
		return candidates
	}
	bare := strings.TrimPrefix(version, "v")
	kept := candidates[:0]
	for _, r := range candidates {
		if strings.Contains(r.Content, version) || strings.Contains(r.Content, bare) {
			kept = append(kept, r)
		}
	}
	return kept
}

func storeFilter(f query.Filters) store.Filter {
	var sf store.Filter
	for _, k := range f.Kinds {
		sf.Kinds = append(sf.Kinds, store.SourceKind(k))
	}
	sf.SourceIDs = f.SourceIDs
	return sf
}

func (p *Pipeline) cacheKey(req Request) string {
	if p.cache == nil {
		return ""
	}
	return cache.Key(cache.ScopeSearch,
		req.QC.Normalized,
		req.QC.Filters.Version,
		strings.Join(req.QC.Filters.Kinds, ","),
		strings.Join(req.QC.Filters.SourceIDs, ","),
		strconv.Itoa(req.TopK), strconv.Itoa(req.Candidates), strconv.Itoa(req.RerankPool))
}

func (p *Pipeline) cachedResponse(ctx context.Context, key string) *Response {
	if p.cache == nil || key == "" {
		return nil
	}
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("dropping undecodable cached search response", slog.Any("error", err))
		_ = p.cache.Delete(ctx, key)
		return nil
	}
	return &resp
}

// storeResponse writes through to the cache. Cancellation skips the
// write; cache failures are logged and swallowed.
func (p *Pipeline) storeResponse(ctx context.Context, key string, resp *Response) {
	if p.cache == nil || key == "" || ctx.Err() != nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, data, p.cacheTTL); err != nil {
		slog.Debug("search cache write failed", slog.Any("error", err))
	}
}
