package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagequery/sagequery/internal/cache"
	"github.com/sagequery/sagequery/internal/config"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/search"
)

func results(finals ...float64) []*search.RankedResult {
	out := make([]*search.RankedResult, len(finals))
	for i, f := range finals {
		out[i] = &search.RankedResult{
			ChunkID:    fmt.Sprintf("s:%06d", i),
			SourceID:   "s",
			SourceName: "manual.pdf",
			Page:       i + 1,
			Content:    fmt.Sprintf("passage %d", i),
			FinalScore: f,
			FusedScore: f,
		}
	}
	return out
}

func TestGateAbstainConditions(t *testing.T) {
	g := NewGate()

	d := g.Check(nil)
	assert.True(t, d.Abstain)
	assert.Equal(t, ReasonNoResults, d.Reason)
	assert.NotEmpty(t, d.Clarification)

	g2 := NewGate()
	g2.MinResults = 3
	d = g2.Check(results(0.8, 0.8))
	assert.True(t, d.Abstain)
	assert.Equal(t, ReasonTooFewResults, d.Reason)

	// Low mean and no strong max.
	d = g.Check(results(0.1, 0.15, 0.12))
	assert.True(t, d.Abstain)
	assert.Equal(t, ReasonLowRelevance, d.Reason)

	// A single strong hit overrides a weak mean.
	d = g.Check(results(0.1, 0.1, 0.5))
	assert.False(t, d.Abstain)

	// Healthy finals but weak fused ranking.
	weakFused := results(0.5, 0.5)
	for _, r := range weakFused {
		r.FusedScore = 0.05
	}
	d = g.Check(weakFused)
	assert.True(t, d.Abstain)
	assert.Equal(t, ReasonLowHybrid, d.Reason)

	d = g.Check(results(0.6, 0.7))
	assert.False(t, d.Abstain)
	assert.Empty(t, d.Clarification)
}

func TestGateMonotone(t *testing.T) {
	rs := results(0.25, 0.3, 0.35)

	strict := NewGate()
	strict.MinSimilarity = 0.4
	lax := NewGate()
	lax.MinSimilarity = 0.2

	if !strict.Check(rs).Abstain {
		// Lowering the threshold must not introduce an abstain.
		assert.False(t, lax.Check(rs).Abstain)
	}
	assert.False(t, lax.Check(rs).Abstain)
}

func TestOptimizerGroupsAndAnnotates(t *testing.T) {
	o := NewOptimizer(4000)
	rs := []*search.RankedResult{
		{ChunkID: "b:000000", SourceID: "b", SourceName: "notes.txt", Page: 2,
			Content: "Secondary passage about backups.", FinalScore: 0.5},
		{ChunkID: "a:000001", SourceID: "a", SourceName: "manual.pdf", Page: 7,
			Content: "Primary passage about restarts.", FinalScore: 0.9},
		{ChunkID: "a:000000", SourceID: "a", SourceName: "manual.pdf", Page: 3,
			Content: "Another manual passage.", FinalScore: 0.7},
	}

	out := o.Build(rs)
	// Best source first, chunks within it by final score.
	first := strings.Index(out, "=== SOURCE: manual.pdf ===")
	second := strings.Index(out, "=== SOURCE: notes.txt ===")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first)
	assert.Less(t, strings.Index(out, "Primary passage"), strings.Index(out, "Another manual"))
	assert.Contains(t, out, "[Page 7 | relevance 0.90]")
}

func TestOptimizerBudgetAndBoundary(t *testing.T) {
	// Chunk ends with sentences; the truncation should cut at ". ".
	long := strings.Repeat("Sentence one is here. ", 30)
	o := NewOptimizer(600)
	rs := []*search.RankedResult{{
		ChunkID: "a:000000", SourceID: "a", SourceName: "doc", Page: 1,
		Content: long, FinalScore: 0.9,
	}}
	out := o.Build(rs)
	assert.LessOrEqual(t, len(out), 600)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "."), "should end at a sentence boundary: %q", out)
}

func TestOptimizerSkipsOverTruncatedChunk(t *testing.T) {
	// The budget only fits a sliver of the chunk, below the keep floor,
	// so nothing is emitted for it.
	o := NewOptimizer(120)
	rs := []*search.RankedResult{{
		ChunkID: "a:000000", SourceID: "a", SourceName: "doc", Page: 1,
		Content: strings.Repeat("word ", 200), FinalScore: 0.9,
	}}
	out := o.Build(rs)
	assert.NotContains(t, out, "word word")
}

func TestPromptBuilder(t *testing.T) {
	qc, err := query.NewProcessor().Process("how to restart the pump", query.Filters{})
	require.NoError(t, err)

	msgs := NewPromptBuilder().Build(qc, "=== SOURCE: manual ===\ncontext here")
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, NotAvailableSentence)
	assert.Contains(t, msgs[0].Content, "numbered steps") // procedural clause
	assert.Contains(t, msgs[1].Content, "context here")
	assert.Contains(t, msgs[1].Content, qc.Normalized)
}

func TestClean(t *testing.T) {
	in := "## Heading\n\nBody text.\n\n---\n\n\n\nMore *text* here.\n===\n"
	out := Clean(in)
	assert.NotContains(t, out, "#")
	assert.NotContains(t, out, "---")
	assert.NotContains(t, out, "\n\n\n")
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "Body text.")
	assert.Contains(t, out, "More *text* here.") // inline emphasis survives
}

func newGenerator(t *testing.T, handler http.HandlerFunc, c cache.Cache) *Generator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGenerator(GeneratorConfig{
		Host:        srv.URL,
		Model:       "chat-test",
		Timeout:     5 * time.Second,
		ResponseTTL: time.Minute,
	}, c)
}

func chatOK(content string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var resp chatResponse
		resp.Message.Content = content
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestGenerateAndCache(t *testing.T) {
	var calls atomic.Int32
	mem := cache.NewMemory()
	g := newGenerator(t, chatOK("the answer [1]", &calls), mem)

	msgs := []Message{{Role: "user", Content: "q"}}
	sampling := config.SamplingParams{Temperature: 0.2, NumPredict: 512}

	text, err := g.Generate(context.Background(), msgs, sampling, query.TypeGeneral, false)
	require.NoError(t, err)
	assert.Equal(t, "the answer [1]", text)

	// Second call is served from the response cache.
	text, err = g.Generate(context.Background(), msgs, sampling, query.TypeGeneral, false)
	require.NoError(t, err)
	assert.Equal(t, "the answer [1]", text)
	assert.Equal(t, int32(1), calls.Load())

	// A different query type misses.
	_, err = g.Generate(context.Background(), msgs, sampling, query.TypeProcedural, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateFailureSurfacesStructured(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}, nil)

	_, err := g.Generate(context.Background(), []Message{{Role: "user", Content: "q"}},
		config.SamplingParams{}, query.TypeGeneral, false)
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeGenerationUnavailable))
}

func TestGenerateCancellation(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, []Message{{Role: "user", Content: "q"}},
		config.SamplingParams{}, query.TypeGeneral, false)
	require.Error(t, err)
	assert.True(t, sqerrors.IsCancelled(err))
}
