package config

import "fmt"

// Profile names a pipeline configuration bundle. Profiles replace what the
// original system expressed as an inheritance chain of services: the
// pipeline is one implementation, profiles are parameter records.
type Profile string

const (
	ProfileBaseline      Profile = "baseline"
	ProfileEnhanced      Profile = "enhanced"
	ProfileAdvanced      Profile = "advanced"
	ProfileComprehensive Profile = "comprehensive"
)

// ParseProfile validates and returns a profile tag.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileBaseline, ProfileEnhanced, ProfileAdvanced, ProfileComprehensive:
		return Profile(s), nil
	case "":
		return ProfileEnhanced, nil
	}
	return "", fmt.Errorf("unknown pipeline profile %q", s)
}

// ProfileParams bundles the per-profile knobs: candidate depth, result
// count, context budget, rerank aggressiveness, and abstain threshold.
type ProfileParams struct {
	Profile Profile
	// TopK is the number of results returned to the caller.
	TopK int
	// Candidates is the dense retrieval pool size N.
	Candidates int
	// ContextChars is the context assembly budget.
	ContextChars int
	// MinSimilarity is the abstain composite threshold for this profile.
	MinSimilarity float64
	// RerankPool is how many fused candidates are sent to the reranker.
	RerankPool int
	// UseExpansion permits query expansion (still subject to the
	// deterministic expansion policy).
	UseExpansion bool
}

// Params returns the parameter record for a profile, resolved against the
// loaded configuration.
func (c Config) Params(p Profile) ProfileParams {
	switch p {
	case ProfileBaseline:
		return ProfileParams{
			Profile: p, TopK: 8, Candidates: 20,
			ContextChars:  c.Context.MaxChars,
			MinSimilarity: c.Abstain.MinSimilarity,
			RerankPool:    0, // baseline skips reranking
			UseExpansion:  false,
		}
	case ProfileAdvanced:
		return ProfileParams{
			Profile: p, TopK: 8, Candidates: 30,
			ContextChars:  c.Context.MaxChars,
			MinSimilarity: c.Abstain.MinSimilarity,
			RerankPool:    30,
			UseExpansion:  true,
		}
	case ProfileComprehensive:
		return ProfileParams{
			Profile: p, TopK: 20, Candidates: 60,
			ContextChars:  c.Context.MaxCharsComprehensive,
			MinSimilarity: c.Abstain.MinSimilarityComprehensive,
			RerankPool:    60,
			UseExpansion:  true,
		}
	default: // enhanced
		return ProfileParams{
			Profile: ProfileEnhanced, TopK: 8, Candidates: 20,
			ContextChars:  c.Context.MaxChars,
			MinSimilarity: c.Abstain.MinSimilarity,
			RerankPool:    20,
			UseExpansion:  true,
		}
	}
}

// SamplingParams are the generator options tuned per query type.
type SamplingParams struct {
	NumPredict    int     `json:"num_predict"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	NumCtx        int     `json:"num_ctx"`
}

// SamplingFor returns the generator sampling parameters for a query type
// under a profile. Troubleshooting and procedural answers sample tighter;
// general queries get slightly broader sampling.
func SamplingFor(queryType string, p Profile) SamplingParams {
	base := SamplingParams{
		NumPredict:    768,
		Temperature:   0.3,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		NumCtx:        8192,
	}

	switch queryType {
	case "troubleshooting":
		base.Temperature = 0.1
		base.TopP = 0.8
		base.TopK = 20
		base.NumPredict = 1024
	case "procedural":
		base.Temperature = 0.15
		base.TopP = 0.85
		base.TopK = 30
		base.NumPredict = 1024
	case "definitional":
		base.Temperature = 0.2
		base.TopP = 0.85
		base.NumPredict = 512
	case "locational":
		base.Temperature = 0.2
		base.NumPredict = 384
	default: // general
		base.Temperature = 0.4
		base.TopP = 0.92
	}

	if p == ProfileComprehensive {
		base.Temperature = min(base.Temperature, 0.2)
		base.TopP = min(base.TopP, 0.85)
		base.NumPredict = 2048
		base.NumCtx = 16384
	}
	return base
}
