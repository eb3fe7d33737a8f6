package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sagequery/sagequery/internal/corpus"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/query"
)

// MaxRerankChunkChars bounds the text handed to the cross-encoder.
const MaxRerankChunkChars = 512

// CrossEncoder scores (query, document) pairs jointly. Implementations
// return one raw score per document in input order.
type CrossEncoder interface {
	Score(ctx context.Context, queryText string, documents []string) ([]float64, error)
	Available(ctx context.Context) bool
	Close() error
}

// HTTPCrossEncoder calls a rerank service endpoint.
type HTTPCrossEncoder struct {
	host   string
	model  string
	client *http.Client
}

// NewHTTPCrossEncoder builds a client for {host}/api/rerank.
func NewHTTPCrossEncoder(host, model string, timeout time.Duration) *HTTPCrossEncoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCrossEncoder{
		host:   strings.TrimSuffix(host, "/"),
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score posts the pairs and returns the raw model scores.
func (h *HTTPCrossEncoder) Score(ctx context.Context, queryText string, documents []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: h.model, Query: queryText, Documents: documents})
	if err != nil {
		return nil, sqerrors.New(sqerrors.CodeInternal, "marshal rerank request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.host+"/api/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, sqerrors.New(sqerrors.CodeInternal, "build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if sqerrors.IsCancelled(err) {
			return nil, err
		}
		return nil, sqerrors.New(sqerrors.CodeRerankerUnavailable, "rerank request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sqerrors.Newf(sqerrors.CodeRerankerUnavailable,
			"rerank service returned status %d", resp.StatusCode)
	}
	var parsed rerankResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, sqerrors.New(sqerrors.CodeRerankerUnavailable, "decode rerank response", err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, sqerrors.Newf(sqerrors.CodeRerankerUnavailable,
			"rerank service returned %d scores for %d documents", len(parsed.Scores), len(documents))
	}
	return parsed.Scores, nil
}

// Available probes the service root.
func (h *HTTPCrossEncoder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.host+"/", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// Close is a no-op; the HTTP client owns no long-lived resources.
func (h *HTTPCrossEncoder) Close() error { return nil }

var _ CrossEncoder = (*HTTPCrossEncoder)(nil)

// FreshnessSignal and FeedbackSignal supply the optional composite
// inputs. A nil signal means unknown, which scores a neutral 0.5.
type FreshnessSignal interface {
	Freshness(sourceID string) float64
}

type FeedbackSignal interface {
	Feedback(chunkID string) float64
}

// CompositeWeights combine the stage scores into the final score. They
// must sum to 1.
type CompositeWeights struct {
	Fused     float64
	Rerank    float64
	Freshness float64
	Quality   float64
	Feedback  float64
}

// DefaultCompositeWeights is the standard blend.
var DefaultCompositeWeights = CompositeWeights{
	Fused: 0.4, Rerank: 0.3, Freshness: 0.1, Quality: 0.1, Feedback: 0.1,
}

const neutralSignal = 0.5

// Ranker produces the final ordering: cross-encoder (or rule fallback)
// rerank scores, then the composite blend.
type Ranker struct {
	encoder   CrossEncoder // nil means rule-based only
	weights   CompositeWeights
	freshness FreshnessSignal
	feedback  FeedbackSignal
}

// NewRanker builds a ranker. encoder, freshness, and feedback may be nil.
func NewRanker(encoder CrossEncoder, weights CompositeWeights, freshness FreshnessSignal, feedback FeedbackSignal) *Ranker {
	if weights == (CompositeWeights{}) {
		weights = DefaultCompositeWeights
	}
	return &Ranker{encoder: encoder, weights: weights, freshness: freshness, feedback: feedback}
}

// Rank fills RerankScore and FinalScore on every result and returns them
// ordered by final score descending, ties broken by dense score
// descending then lower chunk id. pool bounds how many of the leading
// results the cross-encoder scores; the remainder and any encoder
// failure fall back to rules. usedModel reports whether any score came
// from the cross-encoder.
func (rk *Ranker) Rank(ctx context.Context, qc *query.Context, results []*RankedResult, pool int) (ranked []*RankedResult, usedModel bool) {
	if len(results) == 0 {
		return results, false
	}

	if rk.encoder != nil && pool > 0 {
		n := pool
		if n > len(results) {
			n = len(results)
		}
		docs := make([]string, n)
		for i, r := range results[:n] {
			docs[i] = truncateChars(r.Content, MaxRerankChunkChars)
		}
		scores, err := rk.encoder.Score(ctx, qc.Normalized, docs)
		if err == nil {
			for i, raw := range scores {
				results[i].RerankScore = clamp01((raw + 1) / 2)
				results[i].RerankByModel = true
			}
			usedModel = true
		}
	}

	terms := corpus.Tokenize(qc.Normalized)
	for _, r := range results {
		if !r.RerankByModel {
			r.RerankScore = ruleScore(qc.Normalized, terms, r)
		}
	}

	for _, r := range results {
		r.FinalScore = rk.weights.Fused*r.FusedScore +
			rk.weights.Rerank*r.RerankScore +
			rk.weights.Freshness*rk.freshnessOf(r.SourceID) +
			rk.weights.Quality*qualityScore(r.Content) +
			rk.weights.Feedback*rk.feedbackOf(r.ChunkID)
	}

	out := make([]*RankedResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		if out[i].DenseScore != out[j].DenseScore {
			return out[i].DenseScore > out[j].DenseScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, usedModel
}

func (rk *Ranker) freshnessOf(sourceID string) float64 {
	if rk.freshness == nil {
		return neutralSignal
	}
	return clamp01(rk.freshness.Freshness(sourceID))
}

func (rk *Ranker) feedbackOf(chunkID string) float64 {
	if rk.feedback == nil {
		return neutralSignal
	}
	return clamp01(rk.feedback.Feedback(chunkID))
}

// ruleScore is the deterministic fallback relevance. The raw bonus sum
// is normalized by its attainable maximum for this query so the result
// lands in [0, 1] like the model path.
func ruleScore(queryText string, terms []string, r *RankedResult) float64 {
	if len(terms) == 0 {
		return 0
	}
	contentLower := strings.ToLower(r.Content)
	nameLower := strings.ToLower(r.SourceName)

	var score float64
	if strings.Contains(contentLower, strings.ToLower(queryText)) {
		score += 2.0
	}

	chunkTokens := make(map[string]bool)
	for _, tok := range corpus.Tokenize(r.Content) {
		chunkTokens[tok] = true
	}

	for _, term := range terms {
		if chunkTokens[term] {
			score += 0.5
		}
		if strings.Contains(nameLower, term) {
			score += 0.3
		}
		if idx := strings.Index(contentLower, term); idx >= 0 {
			score += 0.2 * (1 - float64(idx)/float64(len(contentLower)))
		}
	}

	if len(r.Content) < 50 {
		score *= 0.8
	} else if len(r.Content) > 2000 {
		score *= 0.9
	}

	max := 2.0 + float64(len(terms))*(0.5+0.3+0.2)
	return clamp01(score / max)
}

// qualityScore is a cheap structural heuristic: reward substantial,
// sentence-shaped chunks with some structure markers.
func qualityScore(content string) float64 {
	if content == "" {
		return 0
	}
	var score float64

	switch n := len(content); {
	case n >= 200 && n <= 1200:
		score += 0.5
	case n >= 80:
		score += 0.3
	default:
		score += 0.1
	}

	sentences := strings.Count(content, ". ") + strings.Count(content, ".\n")
	switch {
	case sentences >= 3:
		score += 0.3
	case sentences >= 1:
		score += 0.2
	}

	for _, marker := range []string{": ", "- ", "1.", "•"} {
		if strings.Contains(content, marker) {
			score += 0.2
			break
		}
	}
	return clamp01(score)
}

func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
