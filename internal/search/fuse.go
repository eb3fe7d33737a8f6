package search

import (
	"sort"
)

// DefaultRRFK is the standard RRF smoothing constant; k=60 is the value
// validated across retrieval benchmarks.
const DefaultRRFK = 60

// Default weighted-fallback weights.
const (
	DefaultDenseWeight   = 0.7
	DefaultLexicalWeight = 0.3
)

// Fuser combines the dense and lexical rankings of one candidate set.
type Fuser struct {
	K             int
	DenseWeight   float64
	LexicalWeight float64
	// ForceWeighted makes the weighted sum primary for callers that
	// depend on the legacy behavior.
	ForceWeighted bool
}

// NewFuser returns a fuser with RRF primary and default weights.
func NewFuser() *Fuser {
	return &Fuser{K: DefaultRRFK, DenseWeight: DefaultDenseWeight, LexicalWeight: DefaultLexicalWeight}
}

// Fuse fills RawRRF and FusedScore and returns the candidates ordered by
// fused score descending. usedWeighted reports whether the weighted-sum
// fallback ran instead of RRF. The input slice is not reordered.
func (f *Fuser) Fuse(candidates []*RankedResult) (fused []*RankedResult, usedWeighted bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	denseRank := rankBy(candidates, func(r *RankedResult) (float64, bool) {
		return r.DenseScore, r.HasDense
	})
	lexicalRank := rankBy(candidates, func(r *RankedResult) (float64, bool) {
		return r.LexicalScore, r.LexicalScore > 0
	})

	// RRF needs two usable rankings to be meaningful; degrade to the
	// weighted sum when one side is empty or the caller insists.
	if f.ForceWeighted || len(denseRank) == 0 || len(lexicalRank) == 0 {
		f.weightedFuse(candidates)
		return sortByFused(candidates), true
	}

	k := f.K
	if k <= 0 {
		k = DefaultRRFK
	}
	for rank, r := range denseRank {
		r.RawRRF += 1.0 / float64(k+rank+1)
	}
	for rank, r := range lexicalRank {
		r.RawRRF += 1.0 / float64(k+rank+1)
	}

	// Normalize by the attainable ceiling, 1/(k+1) per ranking, so the
	// scale stays absolute: 1.0 means top of both rankings, and a chunk
	// found by only one ranking caps near 0.5. The abstain gate depends
	// on weak evidence staying weak after normalization.
	ceiling := 2.0 / float64(k+1)
	for _, r := range candidates {
		r.FusedScore = r.RawRRF / ceiling
	}
	return sortByFused(candidates), false
}

// weightedFuse writes the weighted sum into FusedScore. The dense side
// is the cosine similarity itself clamped to [0, 1]: min-max scaling
// would promote the best of a uniformly weak candidate set to 1.0 and
// hide the weakness from the abstain gate. BM25 has no absolute scale,
// so the lexical side is min-max normalized.
func (f *Fuser) weightedFuse(candidates []*RankedResult) {
	lexical := normalizeScores(candidates, func(r *RankedResult) float64 { return r.LexicalScore })
	for i, r := range candidates {
		r.FusedScore = f.DenseWeight*clamp01(r.DenseScore) + f.LexicalWeight*lexical[i]
	}
}

// rankBy returns the eligible candidates ordered for ranking: score
// descending, ties broken by lower chunk id.
func rankBy(candidates []*RankedResult, score func(*RankedResult) (float64, bool)) []*RankedResult {
	var ranked []*RankedResult
	for _, r := range candidates {
		if _, ok := score(r); ok {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, _ := score(ranked[i])
		sj, _ := score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	return ranked
}

func sortByFused(candidates []*RankedResult) []*RankedResult {
	out := make([]*RankedResult, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// normalizeScores min-max normalizes a score field across the set.
// A constant positive field maps to all-ones so a flat usable ranking
// still counts; a constant-zero field carries no evidence and maps to
// zeros.
func normalizeScores(candidates []*RankedResult, score func(*RankedResult) float64) []float64 {
	lo, hi := score(candidates[0]), score(candidates[0])
	for _, r := range candidates[1:] {
		s := score(r)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(candidates))
	for i, r := range candidates {
		if hi == lo {
			if hi > 0 {
				out[i] = 1
			}
			continue
		}
		out[i] = (score(r) - lo) / (hi - lo)
	}
	return out
}
