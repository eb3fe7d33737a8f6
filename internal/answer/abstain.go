// Package answer turns ranked retrieval results into a grounded answer:
// abstain gating, context assembly, prompt construction, chat-model
// generation, and response cleanup.
package answer

import (
	"fmt"

	"github.com/sagequery/sagequery/internal/search"
)

// Abstain gate defaults.
const (
	DefaultMinSimilarity = 0.3
	DefaultMinResults    = 1
	DefaultMinHybrid     = 0.2
	// maxScoreSlack lets a single strong hit override a weak mean.
	maxScoreSlack = 1.5
)

// AbstainReason names the condition that triggered the gate.
type AbstainReason string

const (
	ReasonNoResults     AbstainReason = "no_results"
	ReasonTooFewResults AbstainReason = "too_few_results"
	ReasonLowRelevance  AbstainReason = "low_relevance"
	ReasonLowHybrid     AbstainReason = "low_hybrid"
)

// Gate decides whether the evidence supports answering at all.
type Gate struct {
	MinSimilarity float64
	MinResults    int
	MinHybrid     float64
}

// NewGate returns a gate with the default thresholds.
func NewGate() *Gate {
	return &Gate{
		MinSimilarity: DefaultMinSimilarity,
		MinResults:    DefaultMinResults,
		MinHybrid:     DefaultMinHybrid,
	}
}

// Decision is the gate outcome; Clarification is set only on abstain.
type Decision struct {
	Abstain       bool
	Reason        AbstainReason
	Clarification string
}

// Check evaluates the abstain conditions against the selected results.
func (g *Gate) Check(results []*search.RankedResult) Decision {
	if len(results) == 0 {
		return abstained(ReasonNoResults,
			"I could not find any relevant passages for this question. "+
				"Try rephrasing with more specific terms, or check that the relevant documents are ingested.")
	}
	if len(results) < g.MinResults {
		return abstained(ReasonTooFewResults, fmt.Sprintf(
			"Only %d relevant passage(s) were found, below the minimum of %d needed for a grounded answer. "+
				"Consider broadening the question or removing restrictive filters.",
			len(results), g.MinResults))
	}

	mean, max := meanMaxFinal(results)
	if mean < g.MinSimilarity && max < maxScoreSlack*g.MinSimilarity {
		return abstained(ReasonLowRelevance, fmt.Sprintf(
			"The retrieved passages match this question only weakly (average relevance %.2f). "+
				"Try rephrasing, naming the product or error code exactly, or splitting the question into smaller parts.",
			mean))
	}

	var fusedSum float64
	for _, r := range results {
		fusedSum += r.FusedScore
	}
	if fusedSum/float64(len(results)) < g.MinHybrid {
		return abstained(ReasonLowHybrid,
			"Neither the semantic nor the keyword ranking found a confident match. "+
				"The topic may not be covered by the ingested documents; try a narrower filter or different wording.")
	}
	return Decision{}
}

func abstained(reason AbstainReason, clarification string) Decision {
	return Decision{Abstain: true, Reason: reason, Clarification: clarification}
}

func meanMaxFinal(results []*search.RankedResult) (mean, max float64) {
	var sum float64
	for _, r := range results {
		sum += r.FinalScore
		if r.FinalScore > max {
			max = r.FinalScore
		}
	}
	return sum / float64(len(results)), max
}
