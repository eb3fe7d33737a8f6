package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagequery/sagequery/internal/query"
)

func TestDedupPerSourceCap(t *testing.T) {
	d := NewDeduper()
	var results []*RankedResult
	for i := 0; i < 6; i++ {
		results = append(results, &RankedResult{
			ChunkID:    fmt.Sprintf("s1:%06d", i),
			SourceID:   "s1",
			Content:    fmt.Sprintf("distinct content number %d with unique words w%d x%d y%d", i, i, i*7, i*13),
			FusedScore: 1 - float64(i)*0.1,
		})
	}
	results = append(results, &RankedResult{
		ChunkID: "s2:000000", SourceID: "s2",
		Content: "entirely different material from another place", FusedScore: 0.1,
	})

	kept := d.Apply(results)
	perSource := map[string]int{}
	for _, r := range kept {
		perSource[r.SourceID]++
	}
	assert.Equal(t, 3, perSource["s1"])
	assert.Equal(t, 1, perSource["s2"])
	// Extras are dropped in fused order: the top three survive.
	assert.Equal(t, "s1:000000", kept[0].ChunkID)
}

func TestDedupContentOverlap(t *testing.T) {
	d := NewDeduper()
	base := "the quick brown fox jumps over the lazy dog near the silver river bank today"
	results := []*RankedResult{
		{ChunkID: "a:000000", SourceID: "a", Content: base, FusedScore: 0.9},
		// Near-duplicate from a different source.
		{ChunkID: "b:000000", SourceID: "b", Content: base + " again", FusedScore: 0.8},
		{ChunkID: "c:000000", SourceID: "c", Content: "completely unrelated text about pump maintenance schedules", FusedScore: 0.7},
	}
	kept := d.Apply(results)
	require.Len(t, kept, 2)
	assert.Equal(t, "a:000000", kept[0].ChunkID)
	assert.Equal(t, "c:000000", kept[1].ChunkID)
}

func newQC(t *testing.T, raw string) *query.Context {
	t.Helper()
	qc, err := query.NewProcessor().Process(raw, query.Filters{})
	require.NoError(t, err)
	return qc
}

func TestRuleRerankPrefersSubstringMatch(t *testing.T) {
	rk := NewRanker(nil, DefaultCompositeWeights, nil, nil)
	qc := newQC(t, "restart pump controller")

	exact := &RankedResult{
		ChunkID: "a:000000", SourceID: "a", SourceName: "pump manual",
		Content:    "To recover, restart pump controller and wait for the green light. Then verify pressure readings are stable.",
		FusedScore: 0.5,
	}
	partial := &RankedResult{
		ChunkID: "b:000000", SourceID: "b", SourceName: "notes",
		Content:    "The controller logs are stored under /var/log on the appliance host for later review by the operator.",
		FusedScore: 0.5,
	}

	ranked, usedModel := rk.Rank(context.Background(), qc, []*RankedResult{partial, exact}, 0)
	assert.False(t, usedModel)
	assert.Equal(t, "a:000000", ranked[0].ChunkID)
	assert.Greater(t, exact.RerankScore, partial.RerankScore)
	assert.False(t, exact.RerankByModel)
	assert.LessOrEqual(t, exact.RerankScore, 1.0)
}

func TestRankShortChunkPenalty(t *testing.T) {
	rk := NewRanker(nil, DefaultCompositeWeights, nil, nil)
	qc := newQC(t, "restart pump")

	short := &RankedResult{ChunkID: "a:000000", SourceID: "a", Content: "restart pump"}
	long := &RankedResult{ChunkID: "b:000000", SourceID: "b",
		Content: "restart pump " + strings.Repeat("carefully following the supervisor checklist ", 4)}

	rk.Rank(context.Background(), qc, []*RankedResult{short, long}, 0)
	assert.Less(t, short.RerankScore, long.RerankScore)
}

func TestRankCompositeTieBreakers(t *testing.T) {
	rk := NewRanker(nil, DefaultCompositeWeights, nil, nil)
	qc := newQC(t, "zzz nothing matches")

	// Identical content means identical rule and quality scores; the
	// dense score then decides, and after that the lower chunk id.
	a := &RankedResult{ChunkID: "x:000002", SourceID: "x", Content: "same text body", DenseScore: 0.9, FusedScore: 0.5}
	b := &RankedResult{ChunkID: "x:000001", SourceID: "x", Content: "same text body", DenseScore: 0.4, FusedScore: 0.5}
	c := &RankedResult{ChunkID: "x:000000", SourceID: "x", Content: "same text body", DenseScore: 0.4, FusedScore: 0.5}

	ranked, _ := rk.Rank(context.Background(), qc, []*RankedResult{a, b, c}, 0)
	assert.Equal(t, []string{"x:000002", "x:000000", "x:000001"},
		[]string{ranked[0].ChunkID, ranked[1].ChunkID, ranked[2].ChunkID})
}

func TestCrossEncoderPathMapsScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		scores := make([]float64, len(req.Documents))
		for i := range scores {
			scores[i] = 1 - float64(i) // 1, 0, -1, ...
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	encoder := NewHTTPCrossEncoder(srv.URL, "cross-encoder-test", time.Second)
	rk := NewRanker(encoder, DefaultCompositeWeights, nil, nil)
	qc := newQC(t, "restart pump controller")

	results := []*RankedResult{
		{ChunkID: "a:000000", SourceID: "a", Content: "first document text", FusedScore: 0.9},
		{ChunkID: "b:000000", SourceID: "b", Content: "second document text", FusedScore: 0.8},
	}
	_, usedModel := rk.Rank(context.Background(), qc, results, 2)
	assert.True(t, usedModel)
	// (1+1)/2 = 1 and (0+1)/2 = 0.5, clamped to [0,1].
	assert.InDelta(t, 1.0, results[0].RerankScore, 1e-12)
	assert.InDelta(t, 0.5, results[1].RerankScore, 1e-12)
	assert.True(t, results[0].RerankByModel)
}

func TestCrossEncoderFailureFallsBackToRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	encoder := NewHTTPCrossEncoder(srv.URL, "cross-encoder-test", time.Second)
	rk := NewRanker(encoder, DefaultCompositeWeights, nil, nil)
	qc := newQC(t, "restart pump controller")

	results := []*RankedResult{
		{ChunkID: "a:000000", SourceID: "a", Content: "restart pump controller right away", FusedScore: 0.9},
	}
	_, usedModel := rk.Rank(context.Background(), qc, results, 1)
	assert.False(t, usedModel)
	assert.False(t, results[0].RerankByModel)
	assert.Greater(t, results[0].RerankScore, 0.0)
}

type fixedFreshness float64

func (f fixedFreshness) Freshness(string) float64 { return float64(f) }

func TestCompositeUsesNeutralSignals(t *testing.T) {
	qc := newQC(t, "zzz")
	r := &RankedResult{ChunkID: "a:000000", SourceID: "a", Content: "same text body", FusedScore: 1.0}

	neutral := NewRanker(nil, DefaultCompositeWeights, nil, nil)
	neutral.Rank(context.Background(), qc, []*RankedResult{r}, 0)
	baseline := r.FinalScore

	fresh := NewRanker(nil, DefaultCompositeWeights, fixedFreshness(1.0), nil)
	fresh.Rank(context.Background(), qc, []*RankedResult{r}, 0)
	assert.InDelta(t, baseline+0.1*(1.0-0.5), r.FinalScore, 1e-12)
}

func TestMMRPrefixComplete(t *testing.T) {
	m := NewMMRSelector()
	var results []*RankedResult
	for i := 0; i < 8; i++ {
		results = append(results, &RankedResult{
			ChunkID:    fmt.Sprintf("s:%06d", i),
			Content:    fmt.Sprintf("topic%d words alpha%d beta%d gamma%d", i%3, i, i*3, i*5),
			FinalScore: 1 - float64(i)*0.08,
		})
	}
	for k := 1; k < len(results); k++ {
		short := m.Select(results, k)
		long := m.Select(results, k+1)
		require.Len(t, long, k+1)
		for i := range short {
			assert.Equal(t, short[i].ChunkID, long[i].ChunkID, "k=%d pos=%d", k, i)
		}
	}
}

func TestMMRPenalizesRedundancy(t *testing.T) {
	m := NewMMRSelector()
	results := []*RankedResult{
		{ChunkID: "a:000000", Content: "pump restart procedure step valve pressure gauge", FinalScore: 0.9},
		// Nearly identical to the first, slightly lower relevance.
		{ChunkID: "b:000000", Content: "pump restart procedure step valve pressure gauge manual", FinalScore: 0.85},
		{ChunkID: "c:000000", Content: "license activation workflow for new installations", FinalScore: 0.5},
	}
	picked := m.Select(results, 2)
	require.Len(t, picked, 2)
	assert.Equal(t, "a:000000", picked[0].ChunkID)
	assert.Equal(t, "c:000000", picked[1].ChunkID)
}

func TestMMRBounds(t *testing.T) {
	m := NewMMRSelector()
	assert.Nil(t, m.Select(nil, 5))
	one := []*RankedResult{{ChunkID: "a:000000", Content: "x", FinalScore: 1}}
	assert.Len(t, m.Select(one, 5), 1)
}
