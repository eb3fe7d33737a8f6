// Package search implements the retrieval and ranking pipeline: dense
// candidate recall, BM25 lexical scoring, reciprocal rank fusion,
// deduplication, reranking, and MMR diversity selection.
package search

import (
	"github.com/sagequery/sagequery/internal/query"
)

// RankedResult carries one chunk through the pipeline. Each stage fills
// only its own score fields; earlier scores are never rewritten.
type RankedResult struct {
	ChunkID    string `json:"chunk_id"`
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	Page       int    `json:"page"`
	Content    string `json:"content"`

	// DenseScore is the cosine similarity from vector recall, in [-1, 1].
	DenseScore float64 `json:"dense_score"`
	// HasDense distinguishes a true zero similarity from "not recalled
	// densely".
	HasDense bool `json:"has_dense"`

	// LexicalScore is the BM25 score, >= 0.
	LexicalScore float64 `json:"lexical_score"`

	// RawRRF is the unnormalized sum of per-ranking 1/(k+rank)
	// contributions.
	RawRRF float64 `json:"raw_rrf"`
	// FusedScore is RawRRF normalized to [0, 1] across the result set
	// (weighted-sum fallback writes it directly).
	FusedScore float64 `json:"fused_score"`

	// RerankScore is the cross-encoder or rule-based relevance in [0, 1].
	RerankScore float64 `json:"rerank_score"`
	// RerankByModel records whether the cross-encoder produced the score.
	RerankByModel bool `json:"rerank_by_model"`

	// FinalScore is the composite used for ordering and abstain checks.
	FinalScore float64 `json:"final_score"`

	QueryType query.Type `json:"query_type"`
}

// Stats summarizes one pipeline run for the caller.
type Stats struct {
	CandidateCount int     `json:"candidate_count"`
	FusedCount     int     `json:"fused_count"`
	DedupedCount   int     `json:"deduped_count"`
	SelectedCount  int     `json:"selected_count"`
	MeanFinal      float64 `json:"mean_final"`
	MaxFinal       float64 `json:"max_final"`
	MeanFused      float64 `json:"mean_fused"`
	UsedExpansion  bool    `json:"used_expansion"`
	UsedReranker   bool    `json:"used_reranker"`
	UsedWeighted   bool    `json:"used_weighted_fusion"`
	CacheHit       bool    `json:"cache_hit"`
	ElapsedMillis  int64   `json:"elapsed_ms"`
}

func meanFinal(results []*RankedResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.FinalScore
	}
	return sum / float64(len(results))
}

func maxFinal(results []*RankedResult) float64 {
	var m float64
	for _, r := range results {
		if r.FinalScore > m {
			m = r.FinalScore
		}
	}
	return m
}

func meanFused(results []*RankedResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.FusedScore
	}
	return sum / float64(len(results))
}
