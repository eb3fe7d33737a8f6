package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagequery/sagequery/internal/embed"
	"github.com/sagequery/sagequery/internal/embed/embedtest"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/store"
)

const testDims = 8

// fastRetry keeps retry-path tests off the wall clock.
func fastRetry(maxRetries int) sqerrors.RetryPolicy {
	return sqerrors.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.0,
	}
}

func newTestIngestor(t *testing.T, e embed.Embedder, opts Options) (*Ingestor, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenMemory(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewIngestor(st, e, nil, opts), st
}

func manualPages() []Page {
	return []Page{
		{Number: 1, Text: "The instrument controller manages every module in the stack. " +
			"Each detector streams its signal trace to the acquisition service. " +
			"Operators start a sequence from the run queue."},
		{Number: 2, Text: "Calibration runs once per day before the first injection. " +
			"The maintenance log records lamp hours and pump seal wear."},
	}
}

// flakyEmbedder fails the first few batch calls, then delegates.
type flakyEmbedder struct {
	*embedtest.Embedder
	failures int
	batches  int
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches++
	if f.failures > 0 {
		f.failures--
		return nil, sqerrors.EmbeddingUnavailable(errors.New("connection refused"))
	}
	return f.Embedder.EmbedBatch(ctx, texts)
}

// cancellingEmbedder cancels the request context from inside the first
// embedding call, simulating a caller giving up mid-ingest.
type cancellingEmbedder struct {
	*embedtest.Embedder
	cancel context.CancelFunc
}

func (c *cancellingEmbedder) EmbedBatch(ctx context.Context, _ []string) ([][]float32, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestIngestLifecycle(t *testing.T) {
	ing, st := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	src, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf", Kind: store.SourceKindFile}, manualPages())
	require.NoError(t, err)

	assert.Equal(t, store.StateReady, src.State)
	assert.Equal(t, "manual.pdf", src.Name)
	assert.NotEmpty(t, src.Hash)
	assert.Equal(t, 2, src.PageCount)
	assert.Greater(t, src.ChunkCount, 0)
	assert.Equal(t, src.ChunkCount, src.EmbeddingCount)
	assert.False(t, src.IsTruncated)
	assert.Empty(t, src.Error)

	chunks, err := st.ReadyChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, src.ChunkCount)
	for _, c := range chunks {
		assert.Equal(t, store.ChunkID(src.ID, c.Ordinal), c.ID)
		assert.Len(t, c.Vector, testDims)
	}
}

func TestIngestRejectsEmptyInput(t *testing.T) {
	ing, _ := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	_, err := ing.Ingest(ctx, Descriptor{}, manualPages())
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeBadInput))

	_, err = ing.Ingest(ctx, Descriptor{Name: "x"}, nil)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeBadInput))
}

func TestIngestDuplicateHash(t *testing.T) {
	ing, st := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	_, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, Descriptor{Name: "manual-copy.pdf"}, manualPages())
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeDuplicateSource))

	sources, err := st.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestIngestNoChunksFailsWithoutRetry(t *testing.T) {
	e := embedtest.New(testDims)
	ing, st := newTestIngestor(t, e, Options{})
	ctx := context.Background()

	// Boilerplate-only pages preprocess to nothing.
	_, err := ing.Ingest(ctx, Descriptor{Name: "blank.pdf"}, []Page{{Number: 1, Text: "Page 1 of 1"}})
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeBadInput))
	assert.Zero(t, e.Calls)

	sources, err := st.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, store.StateFailed, sources[0].State)
	assert.Contains(t, sources[0].Error, "no chunks")
}

func TestIngestTruncationCap(t *testing.T) {
	opts := Options{Chunker: &ChunkerOptions{ChunkSize: 80, Overlap: 10, MaxChunks: 3}}
	ing, _ := newTestIngestor(t, embedtest.New(testDims), opts)

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("Another sentence keeps stretching this page far past the cap on chunks. ")
	}
	src, err := ing.Ingest(context.Background(), Descriptor{Name: "huge.pdf"},
		[]Page{{Number: 1, Text: sb.String()}})
	require.NoError(t, err)

	assert.Equal(t, store.StateReady, src.State)
	assert.Equal(t, 3, src.ChunkCount)
	assert.True(t, src.IsTruncated)
	assert.Less(t, src.CoveragePct, float64(100))
	assert.Greater(t, src.CoveragePct, float64(0))
}

func TestIngestRetriesTransientEmbeddingFailure(t *testing.T) {
	e := &flakyEmbedder{Embedder: embedtest.New(testDims), failures: 1}
	ing, _ := newTestIngestor(t, e, Options{Retry: fastRetry(2)})

	src, err := ing.Ingest(context.Background(), Descriptor{Name: "manual.pdf"}, manualPages())
	require.NoError(t, err)

	assert.Equal(t, store.StateReady, src.State)
	assert.Empty(t, src.Error)
	assert.GreaterOrEqual(t, e.batches, 2)

	snap, ok := ing.Progress().Snapshot(src.ID)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Attempt)
}

func TestIngestGivesUpAfterRetries(t *testing.T) {
	e := &flakyEmbedder{Embedder: embedtest.New(testDims), failures: 100}
	ing, st := newTestIngestor(t, e, Options{Retry: fastRetry(1)})
	ctx := context.Background()

	_, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeEmbeddingUnavailable))
	assert.Equal(t, 2, e.batches) // initial attempt plus one retry

	sources, err := st.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, store.StateFailed, sources[0].State)

	chunks, err := st.ReadyChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestIngestCancellationSettlesFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := &cancellingEmbedder{Embedder: embedtest.New(testDims), cancel: cancel}
	ing, st := newTestIngestor(t, e, Options{})

	_, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.Error(t, err)
	assert.True(t, sqerrors.IsCancelled(err))

	// The source still settles into a terminal state with nothing persisted.
	sources, lerr := st.ListSources(context.Background())
	require.NoError(t, lerr)
	require.Len(t, sources, 1)
	assert.Equal(t, store.StateFailed, sources[0].State)
	assert.Equal(t, "cancelled", sources[0].Error)

	stats, serr := st.Stats(context.Background())
	require.NoError(t, serr)
	assert.Zero(t, stats.ChunkCount)
}

func TestRefreshReplacesChunks(t *testing.T) {
	ing, st := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	src, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.NoError(t, err)
	oldHash := src.Hash

	updated, err := ing.Refresh(ctx, src.ID, []Page{
		{Number: 1, Text: "A completely rewritten revision of the manual with new guidance."},
	})
	require.NoError(t, err)

	assert.Equal(t, src.ID, updated.ID)
	assert.Equal(t, store.StateReady, updated.State)
	assert.NotEqual(t, oldHash, updated.Hash)
	assert.Equal(t, 1, updated.PageCount)

	chunks, err := st.ReadyChunks(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Contains(t, c.Text, "rewritten revision")
	}
}

func TestRefreshUnknownSource(t *testing.T) {
	ing, _ := newTestIngestor(t, embedtest.New(testDims), Options{})

	_, err := ing.Refresh(context.Background(), "missing", manualPages())
	require.Error(t, err)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeSourceNotFound))
}

func TestDeleteSource(t *testing.T) {
	ing, st := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	src, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.NoError(t, err)

	require.NoError(t, ing.Delete(ctx, src.ID))

	_, err = st.GetSource(ctx, src.ID)
	assert.True(t, sqerrors.HasCode(err, sqerrors.CodeSourceNotFound))

	_, ok := ing.Progress().Snapshot(src.ID)
	assert.False(t, ok)
}

func TestProgressSnapshot(t *testing.T) {
	ing, _ := newTestIngestor(t, embedtest.New(testDims), Options{})
	ctx := context.Background()

	src, err := ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.NoError(t, err)

	snap, ok := ing.Progress().Snapshot(src.ID)
	require.True(t, ok)
	assert.Equal(t, string(store.StateReady), snap.State)
	assert.Equal(t, float64(100), snap.ProgressPct)
	assert.Equal(t, 2, snap.PagesTotal)
	assert.Equal(t, src.ChunkCount, snap.ChunksTotal)
	assert.Equal(t, src.ChunkCount, snap.ChunksEmbedded)
	assert.Equal(t, 1, snap.Attempt)
	assert.Empty(t, snap.ErrorMessage)

	all := ing.Progress().Snapshots()
	assert.Len(t, all, 1)
}

func TestIngestLockHeldByAnotherWriter(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ingest.lock")

	holder := flock.New(lockPath)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Unlock() }()

	ing, st := newTestIngestor(t, embedtest.New(testDims), Options{LockPath: lockPath})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = ing.Ingest(ctx, Descriptor{Name: "manual.pdf"}, manualPages())
	require.Error(t, err)

	sources, err := st.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, store.StateFailed, sources[0].State)
	assert.Equal(t, "could not acquire ingest lock", sources[0].Error)
}

func TestIngestLockReleasedBetweenRuns(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "ingest.lock")
	ing, _ := newTestIngestor(t, embedtest.New(testDims), Options{LockPath: lockPath})
	ctx := context.Background()

	first, err := ing.Ingest(ctx, Descriptor{Name: "first.pdf"}, manualPages())
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, first.State)

	second, err := ing.Ingest(ctx, Descriptor{Name: "second.pdf"},
		[]Page{{Number: 1, Text: "A fresh solvent bottle must be degassed before the morning calibration run."}})
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, second.State)
}

func TestHashPagesDeterministic(t *testing.T) {
	a := []Page{{Number: 1, Text: "alpha"}, {Number: 2, Text: "beta"}}
	b := []Page{{Number: 1, Text: "alpha"}, {Number: 2, Text: "beta"}}
	assert.Equal(t, hashPages(a), hashPages(b))

	c := []Page{{Number: 1, Text: "alpha"}, {Number: 3, Text: "beta"}}
	assert.NotEqual(t, hashPages(a), hashPages(c))

	d := []Page{{Number: 1, Text: "alphabeta"}}
	assert.NotEqual(t, hashPages(a), hashPages(d))
}
