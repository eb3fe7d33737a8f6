package search

import (
	"github.com/sagequery/sagequery/internal/corpus"
)

// Dedup defaults.
const (
	DefaultPerSourceCap     = 3
	DefaultOverlapThreshold = 0.85
	overlapPrefixChars      = 500
)

// Deduper applies the per-source cap and the content-overlap filter to a
// fused-ordered result list.
type Deduper struct {
	PerSourceCap     int
	OverlapThreshold float64
}

// NewDeduper returns a deduper with the default cap and threshold.
func NewDeduper() *Deduper {
	return &Deduper{PerSourceCap: DefaultPerSourceCap, OverlapThreshold: DefaultOverlapThreshold}
}

// Apply filters results in place of their fused order: first at most cap
// chunks per source, then drops any chunk whose token-set Jaccard overlap
// with an already-kept chunk exceeds the threshold. Input must already be
// sorted by fused score descending.
func (d *Deduper) Apply(results []*RankedResult) []*RankedResult {
	perSource := make(map[string]int)
	var kept []*RankedResult
	var keptTokens []map[string]bool

	for _, r := range results {
		if d.PerSourceCap > 0 && perSource[r.SourceID] >= d.PerSourceCap {
			continue
		}
		tokens := prefixTokenSet(r.Content)
		overlapping := false
		for _, prev := range keptTokens {
			if jaccard(tokens, prev) > d.OverlapThreshold {
				overlapping = true
				break
			}
		}
		if overlapping {
			continue
		}
		perSource[r.SourceID]++
		kept = append(kept, r)
		keptTokens = append(keptTokens, tokens)
	}
	return kept
}

// prefixTokenSet tokenizes the first 500 characters of content.
func prefixTokenSet(content string) map[string]bool {
	if len(content) > overlapPrefixChars {
		content = content[:overlapPrefixChars]
	}
	set := make(map[string]bool)
	for _, tok := range corpus.Tokenize(content) {
		set[tok] = true
	}
	return set
}

// jaccard computes |a ∩ b| / |a ∪ b|; two empty sets count as identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
