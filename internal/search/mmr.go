package search

import (
	"github.com/sagequery/sagequery/internal/corpus"
)

// DefaultMMRLambda trades relevance against novelty; higher favors
// relevance.
const DefaultMMRLambda = 0.6

// MMRSelector picks a diverse top-k subset by maximal marginal
// relevance.
type MMRSelector struct {
	Lambda float64
}

// NewMMRSelector returns a selector with the default lambda.
func NewMMRSelector() *MMRSelector {
	return &MMRSelector{Lambda: DefaultMMRLambda}
}

// Select greedily picks up to topK results. The first pick is the
// highest final score; each subsequent pick maximizes
// lambda*relevance - (1-lambda)*maxSimilarityToPicked, where similarity
// is token-set Jaccard on the chunk content. The greedy order makes the
// selection prefix-complete: Select(k+1) extends Select(k) by one.
func (m *MMRSelector) Select(results []*RankedResult, topK int) []*RankedResult {
	if topK <= 0 || len(results) == 0 {
		return nil
	}
	if topK > len(results) {
		topK = len(results)
	}

	tokens := make([]map[string]bool, len(results))
	for i, r := range results {
		set := make(map[string]bool)
		for _, tok := range corpus.Tokenize(r.Content) {
			set[tok] = true
		}
		tokens[i] = set
	}

	picked := make([]*RankedResult, 0, topK)
	pickedIdx := make([]int, 0, topK)
	used := make([]bool, len(results))

	// First pick: highest final score. Input is already final-ordered,
	// so that is index 0; scanning keeps the invariant even if not.
	best := 0
	for i := range results {
		if results[i].FinalScore > results[best].FinalScore {
			best = i
		}
	}
	picked = append(picked, results[best])
	pickedIdx = append(pickedIdx, best)
	used[best] = true

	for len(picked) < topK {
		bestIdx := -1
		bestVal := 0.0
		for i := range results {
			if used[i] {
				continue
			}
			maxSim := 0.0
			for _, pi := range pickedIdx {
				if sim := jaccard(tokens[i], tokens[pi]); sim > maxSim {
					maxSim = sim
				}
			}
			val := m.Lambda*results[i].FinalScore - (1-m.Lambda)*maxSim
			if bestIdx == -1 || val > bestVal ||
				(val == bestVal && results[i].ChunkID < results[bestIdx].ChunkID) {
				bestIdx = i
				bestVal = val
			}
		}
		picked = append(picked, results[bestIdx])
		pickedIdx = append(pickedIdx, bestIdx)
		used[bestIdx] = true
	}
	return picked
}
