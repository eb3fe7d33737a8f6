package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sagequery/sagequery/internal/answer"
	"github.com/sagequery/sagequery/internal/config"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/search"
	"github.com/sagequery/sagequery/internal/telemetry"
)

const (
	snippetChars     = 200
	cacheScopeSearch = "search"
)

// QueryRequest is one question against the ingested corpus.
type QueryRequest struct {
	Text string
	// Profile selects the pipeline parameter bundle; empty means enhanced.
	Profile config.Profile
	// TopK overrides the profile's result count when > 0.
	TopK int
	// Filters restrict retrieval; merged over filters extracted from the
	// question itself.
	Filters query.Filters
}

// SourceRef is one cited passage, numbered as in the answer text.
type SourceRef struct {
	Index      int     `json:"index"`
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	SourceName string  `json:"source_name"`
	Page       int     `json:"page"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// Answer is the query outcome. On abstention Text is empty and
// Clarification explains what to try instead; the supporting sources are
// returned either way.
type Answer struct {
	Text          string         `json:"text"`
	Abstained     bool           `json:"abstained"`
	Reason        string         `json:"reason,omitempty"`
	Clarification string         `json:"clarification,omitempty"`
	Sources       []SourceRef    `json:"sources"`
	Stats         search.Stats   `json:"stats"`
	QueryType     query.Type     `json:"query_type"`
	Profile       config.Profile `json:"profile"`
}

// Query answers a question from the ingested corpus. When retrieval
// succeeds but generation fails, the returned Answer still carries the
// supporting sources alongside the non-nil error.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*Answer, error) {
	started := time.Now()

	profile, err := config.ParseProfile(string(req.Profile))
	if err != nil {
		return nil, sqerrors.BadInput(err.Error())
	}
	params := e.cfg.Params(profile)
	if req.TopK > 0 {
		params.TopK = req.TopK
	}

	qc, err := e.processor.Process(req.Text, req.Filters)
	if err != nil {
		return nil, err
	}
	if !params.UseExpansion {
		qc.Expanded = qc.Normalized
		qc.DidExpand = false
	}

	retrieveStart := time.Now()
	resp, err := e.pipeline.Run(ctx, search.Request{
		QC:         qc,
		TopK:       params.TopK,
		Candidates: params.Candidates,
		Threshold:  e.cfg.Retrieval.SimilarityThreshold,
		RerankPool: params.RerankPool,
	})
	if err != nil {
		return nil, err
	}
	e.collector.RecordStage(telemetry.StageRetrieve, time.Since(retrieveStart))
	e.collector.RecordCache(cacheScopeSearch, resp.Stats.CacheHit)

	ans := &Answer{
		Sources:   sourceRefs(resp.Results),
		Stats:     resp.Stats,
		QueryType: qc.Type,
		Profile:   profile,
	}

	gate := &answer.Gate{
		MinSimilarity: params.MinSimilarity,
		MinResults:    e.cfg.Abstain.MinResults,
		MinHybrid:     e.cfg.Abstain.MinHybrid,
	}
	if decision := gate.Check(resp.Results); decision.Abstain {
		ans.Abstained = true
		ans.Reason = string(decision.Reason)
		ans.Clarification = decision.Clarification
		e.collector.RecordAbstain(ans.Reason)
		e.recordQuery(qc, profile, ans, started)
		return ans, nil
	}

	optimizer := answer.NewOptimizer(params.ContextChars)
	optimizer.MinKeepRatio = e.cfg.Context.MinKeepRatio
	contextText := optimizer.Build(resp.Results)
	messages := e.prompts.Build(qc, contextText)
	sampling := config.SamplingFor(string(qc.Type), profile)

	genStart := time.Now()
	text, err := e.generator.Generate(ctx, messages, sampling, qc.Type,
		profile == config.ProfileComprehensive)
	e.collector.RecordStage(telemetry.StageGenerate, time.Since(genStart))
	if err != nil {
		// Retrieval stands on its own; the caller keeps the sources.
		e.recordQuery(qc, profile, ans, started)
		return ans, err
	}

	ans.Text = answer.Clean(text)
	e.recordQuery(qc, profile, ans, started)
	return ans, nil
}

func (e *Engine) recordQuery(qc *query.Context, profile config.Profile, ans *Answer, started time.Time) {
	e.collector.RecordQuery(telemetry.QueryEvent{
		Query:       qc.Normalized,
		Type:        string(qc.Type),
		Profile:     string(profile),
		ResultCount: len(ans.Sources),
		Abstained:   ans.Abstained,
		CacheHit:    ans.Stats.CacheHit,
		Latency:     time.Since(started),
	})
}

func sourceRefs(results []*search.RankedResult) []SourceRef {
	refs := make([]SourceRef, len(results))
	for i, r := range results {
		refs[i] = SourceRef{
			Index:      i + 1,
			ChunkID:    r.ChunkID,
			SourceID:   r.SourceID,
			SourceName: r.SourceName,
			Page:       r.Page,
			Score:      r.FinalScore,
			Snippet:    snippet(r.Content),
		}
	}
	return refs
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetChars {
		return content
	}
	cut := content[:snippetChars]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
