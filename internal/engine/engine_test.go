package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagequery/sagequery/internal/config"
	"github.com/sagequery/sagequery/internal/embed/embedtest"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/ingest"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/store"
)

const testDims = 32

// newChatServer serves the chat endpoint, counting calls.
func newChatServer(t *testing.T, reply string, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": reply},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, genURL string, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Generator.Host = genURL
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.OpenMemory(testDims)
	require.NoError(t, err)

	eng, err := New(cfg, Deps{Store: st, Embedder: embedtest.New(testDims)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func ingestPages(t *testing.T, eng *Engine, name string, pages ...string) *store.Source {
	t.Helper()
	docs := make([]ingest.Page, len(pages))
	for i, text := range pages {
		docs[i] = ingest.Page{Number: i + 1, Text: text}
	}
	src, err := eng.Ingest(context.Background(), ingest.Descriptor{Name: name, Kind: store.SourceKindFile}, docs)
	require.NoError(t, err)
	require.Equal(t, store.StateReady, src.State)
	return src
}

func TestQueryDefinitionalTopHit(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "BGE-M3 is a multilingual embedding model [1].", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "models.pdf",
		"BGE-M3 is a multilingual embedding model.",
		"The acquisition service streams detector signals into the run queue for later processing.",
		"Calibration schedules are maintained in the laboratory maintenance log by the operators.",
	)

	ans, err := eng.Query(context.Background(), QueryRequest{Text: "what is BGE-M3"})
	require.NoError(t, err)

	assert.Equal(t, query.TypeDefinitional, ans.QueryType)
	assert.False(t, ans.Abstained)
	assert.False(t, ans.Stats.UsedExpansion)
	require.NotEmpty(t, ans.Sources)
	assert.Contains(t, ans.Sources[0].Snippet, "BGE-M3")
	assert.Contains(t, ans.Text, "[1]")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryVersionFilter(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "Run the installer [1].", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "install-v28.pdf",
		"OpenLab CDS v2.8 installation: run the legacy setup wizard and restart the host.")
	ingestPages(t, eng, "install-v36.pdf",
		"OpenLab CDS v3.6 installation: run the unified installer and register the license.")

	ans, err := eng.Query(context.Background(), QueryRequest{Text: "how to install OpenLab CDS v3.6"})
	require.NoError(t, err)

	assert.Equal(t, query.TypeProcedural, ans.QueryType)
	assert.False(t, ans.Abstained)
	require.NotEmpty(t, ans.Sources)
	for _, s := range ans.Sources {
		assert.Contains(t, s.Snippet, "v3.6")
	}
}

func TestQueryErrorCodeLexicalBoost(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "Check the database service [1].", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "troubleshooting.pdf",
		"Error M8401: the database connection failed. Restart the database service and verify credentials.",
		"The report designer supports custom templates for injection summaries and audit trails.",
		"Spectral libraries can be imported from the vendor portal using the library manager.",
	)

	ans, err := eng.Query(context.Background(), QueryRequest{Text: "m8401 database connection error"})
	require.NoError(t, err)

	assert.Equal(t, query.TypeTroubleshooting, ans.QueryType)
	assert.False(t, ans.Abstained)
	require.NotEmpty(t, ans.Sources)
	assert.Contains(t, ans.Sources[0].Snippet, "M8401")
}

func TestQueryAbstainsOnUnrelatedCorpus(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "should never be called", &calls, http.StatusOK)
	// Default thresholds: an off-topic corpus must trip the gate without
	// any tuning.
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "recipes.pdf",
		"Whisk the eggs with sugar until pale, then fold in the sifted flour gently.",
		"Simmer the tomato sauce for twenty minutes and season with fresh basil leaves.",
		"Knead the dough for ten minutes and let it rest under a damp cloth.",
	)

	ans, err := eng.Query(context.Background(), QueryRequest{Text: "install OpenLab CDS"})
	require.NoError(t, err)

	assert.True(t, ans.Abstained)
	assert.Equal(t, "low_relevance", ans.Reason)
	assert.NotEmpty(t, ans.Clarification)
	assert.Empty(t, ans.Text)
	assert.Equal(t, int32(0), calls.Load(), "generator must not run on abstain")
}

func TestDuplicateIngestLeavesOriginalIntact(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	src := ingestPages(t, eng, "manual.pdf",
		"The pump module maintains a constant flow rate across the gradient program.")

	_, err := eng.Ingest(context.Background(),
		ingest.Descriptor{Name: "manual-copy.pdf"},
		[]ingest.Page{{Number: 1, Text: "The pump module maintains a constant flow rate across the gradient program."}})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeDuplicateSource))

	got, err := eng.st.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, got.State)
	assert.Equal(t, src.ChunkCount, got.ChunkCount)
}

func TestQueryEmptyText(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	_, err := eng.Query(context.Background(), QueryRequest{Text: "   "})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeBadInput))
}

func TestQueryUnknownProfile(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	_, err := eng.Query(context.Background(), QueryRequest{Text: "anything", Profile: "turbo"})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeBadInput))
}

func TestQueryGenerationFailureKeepsSources(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusInternalServerError)
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "manual.pdf",
		"The autosampler loads vials from the tray and injects the configured volume.")

	ans, err := eng.Query(context.Background(), QueryRequest{Text: "how does the autosampler inject samples"})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeGenerationUnavailable))
	require.NotNil(t, ans)
	assert.False(t, ans.Abstained)
	assert.NotEmpty(t, ans.Sources)
	assert.Empty(t, ans.Text)
}

func TestEngineStats(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "Answer [1].", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	ingestPages(t, eng, "manual.pdf",
		"The detector lamp should be replaced after two thousand operating hours.")

	_, err := eng.Query(context.Background(), QueryRequest{Text: "when to replace the detector lamp"})
	require.NoError(t, err)

	stats, err := eng.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Store.ReadySourceCount)
	assert.Greater(t, stats.Corpus.TotalChunks, 0)
	assert.Equal(t, int64(1), stats.Telemetry.TotalQueries)
	assert.Equal(t, "test-embedder", stats.Store.Model)
	assert.Equal(t, testDims, stats.Store.Dimensions)
}

func TestEngineRejectsMismatchedEmbedder(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	st, err := store.OpenMemory(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// First engine stamps the index with the embedder identity.
	_, err = New(cfg, Deps{Store: st, Embedder: embedtest.New(testDims)})
	require.NoError(t, err)

	other := embedtest.New(testDims)
	other.Model = "other-model"
	_, err = New(cfg, Deps{Store: st, Embedder: other})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeDimensionMismatch))

	_, err = New(cfg, Deps{Store: st, Embedder: embedtest.New(testDims / 2)})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeDimensionMismatch))
}

func TestIngestAcquiresDataDirLock(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusOK)

	dataDir := t.TempDir()
	eng := newTestEngine(t, srv.URL, func(cfg *config.Config) {
		cfg.DataDir = dataDir
	})

	ingestPages(t, eng, "manual.pdf",
		"The degasser removes dissolved gases from the mobile phase before the pump inlet.")

	// The single-writer lock file lives under the data directory.
	assert.FileExists(t, filepath.Join(dataDir, "ingest.lock"))
}

func TestDeleteSourceRemovesFromRetrieval(t *testing.T) {
	var calls atomic.Int32
	srv := newChatServer(t, "", &calls, http.StatusOK)
	eng := newTestEngine(t, srv.URL, nil)

	src := ingestPages(t, eng, "manual.pdf",
		"The column oven holds the separation temperature within a tenth of a degree.")

	require.NoError(t, eng.DeleteSource(context.Background(), src.ID))

	sources, err := eng.Sources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}
