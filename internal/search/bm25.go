package search

import (
	"github.com/sagequery/sagequery/internal/corpus"
)

// BM25 parameters. k1 controls term-frequency saturation, b the length
// normalization strength.
const (
	DefaultBM25K1 = 1.5
	DefaultBM25B  = 0.75
)

// BM25Scorer scores candidate chunks lexically against the query terms
// using corpus-level document frequencies.
type BM25Scorer struct {
	K1 float64
	B  float64
}

// NewBM25Scorer returns a scorer with the standard parameters.
func NewBM25Scorer() *BM25Scorer {
	return &BM25Scorer{K1: DefaultBM25K1, B: DefaultBM25B}
}

// Score computes the BM25 score of one chunk text for the query terms.
// Terms absent from the chunk contribute zero.
func (s *BM25Scorer) Score(snap *corpus.Snapshot, queryTerms []string, chunkText string) float64 {
	if snap.TotalChunks == 0 || len(queryTerms) == 0 {
		return 0
	}

	tokens := corpus.Tokenize(chunkText)
	if len(tokens) == 0 {
		return 0
	}
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	docLen := float64(len(tokens))
	avgLen := snap.AvgTokens
	if avgLen <= 0 {
		avgLen = docLen
	}

	var score float64
	for _, term := range queryTerms {
		freq := float64(tf[term])
		if freq == 0 {
			continue
		}
		idf := snap.IDF(term)
		norm := s.K1 * (1 - s.B + s.B*docLen/avgLen)
		score += idf * (freq * (s.K1 + 1)) / (freq + norm)
	}
	return score
}

// ScoreAll fills LexicalScore on every candidate. Query terms come from
// the expanded query so appended synonyms participate in scoring.
func (s *BM25Scorer) ScoreAll(snap *corpus.Snapshot, queryText string, results []*RankedResult) {
	terms := corpus.Tokenize(queryText)
	for _, r := range results {
		r.LexicalScore = s.Score(snap, terms, r.Content)
	}
}
