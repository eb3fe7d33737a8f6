package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/sagequery/sagequery/internal/corpus"
	"github.com/sagequery/sagequery/internal/embed"
	sqerrors "github.com/sagequery/sagequery/internal/errors"
	"github.com/sagequery/sagequery/internal/store"
)

// Descriptor identifies a source handed to Ingest.
type Descriptor struct {
	Name string
	Kind store.SourceKind
	// Hash is the content hash; computed from the pages when empty.
	Hash string
}

// Options configure the ingestor.
type Options struct {
	Chunker *ChunkerOptions
	// BatchSize bounds texts per embedding call.
	BatchSize int
	// LockPath enables a file lock enforcing one writer per data
	// directory; empty disables it.
	LockPath string
	// Retry drives whole-source attempts.
	Retry sqerrors.RetryPolicy
}

// Ingestor runs sources through the ingest state machine.
type Ingestor struct {
	store    store.ChunkStore
	embedder embed.Embedder
	chunker  *Chunker
	stats    *corpus.Provider // may be nil
	tracker  *ProgressTracker
	lock     *flock.Flock
	batch    int
	retry    sqerrors.RetryPolicy
}

// NewIngestor wires the dependencies. stats may be nil.
func NewIngestor(st store.ChunkStore, e embed.Embedder, stats *corpus.Provider, opts Options) *Ingestor {
	copts := ChunkerOptions{MicroChunks: true}
	if opts.Chunker != nil {
		copts = *opts.Chunker
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = embed.DefaultBatchSize
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = sqerrors.IngestRetryPolicy()
	}
	var lock *flock.Flock
	if opts.LockPath != "" {
		lock = flock.New(opts.LockPath)
	}
	return &Ingestor{
		store:    st,
		embedder: e,
		chunker:  NewChunker(copts),
		stats:    stats,
		tracker:  NewProgressTracker(),
		lock:     lock,
		batch:    opts.BatchSize,
		retry:    opts.Retry,
	}
}

// Progress exposes the tracker for status observers.
func (ing *Ingestor) Progress() *ProgressTracker { return ing.tracker }

// Ingest processes a new source and returns it in its terminal state.
// A hash already held by a non-failed source is rejected as a duplicate.
func (ing *Ingestor) Ingest(ctx context.Context, desc Descriptor, pages []Page) (*store.Source, error) {
	if desc.Name == "" || len(pages) == 0 {
		return nil, sqerrors.BadInput("source descriptor needs a name and at least one page")
	}
	hash := desc.Hash
	if hash == "" {
		hash = hashPages(pages)
	}
	if existing, err := ing.store.GetSourceByHash(ctx, hash); err == nil && existing != nil {
		return nil, sqerrors.Duplicate(hash)
	}

	kind := desc.Kind
	if kind == "" {
		kind = store.SourceKindOther
	}
	src := &store.Source{
		ID:        uuid.NewString(),
		Name:      desc.Name,
		Kind:      kind,
		Hash:      hash,
		PageCount: len(pages),
	}
	if err := ing.store.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	return ing.run(ctx, src.ID, pages, false)
}

// Refresh re-ingests an existing source. The old chunks stay visible
// until the replacement set commits.
func (ing *Ingestor) Refresh(ctx context.Context, sourceID string, pages []Page) (*store.Source, error) {
	if len(pages) == 0 {
		return nil, sqerrors.BadInput("refresh needs at least one page")
	}
	src, err := ing.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.State == store.StateReady {
		newHash := hashPages(pages)
		if err := ing.store.Transition(ctx, sourceID, store.StatePending, func(s *store.Source) {
			s.Hash = newHash
			s.PageCount = len(pages)
		}); err != nil {
			return nil, err
		}
	}
	return ing.run(ctx, sourceID, pages, true)
}

// Delete removes the source and its chunks.
func (ing *Ingestor) Delete(ctx context.Context, sourceID string) error {
	if err := ing.store.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	ing.tracker.drop(sourceID)
	if ing.stats != nil {
		ing.stats.Invalidate()
	}
	return nil
}

// run drives the attempts loop and settles the terminal state.
func (ing *Ingestor) run(ctx context.Context, sourceID string, pages []Page, replace bool) (*store.Source, error) {
	prog := ing.tracker.start(sourceID, len(pages))

	if ing.lock != nil {
		locked, err := ing.lock.TryLockContext(ctx, 100*time.Millisecond)
		if err != nil || !locked {
			ing.settleFailure(ctx, sourceID, prog, "could not acquire ingest lock")
			if err == nil {
				err = sqerrors.Newf(sqerrors.CodeStoreUnavailable, "ingest lock held by another writer")
			}
			return nil, err
		}
		defer func() { _ = ing.lock.Unlock() }()
	}

	attempt := 0
	err := ing.retry.Retry(ctx, func() error {
		attempt++
		prog.setAttempt(attempt)
		if attempt > 1 {
			// The prior attempt left the source failed; re-arm it.
			if terr := ing.store.Transition(ctx, sourceID, store.StatePending, nil); terr != nil {
				return terr
			}
		}
		perr := ing.process(ctx, sourceID, pages, replace, prog)
		if perr != nil && !sqerrors.IsCancelled(perr) {
			// Park the source in failed between attempts so the state
			// machine stays consistent.
			ing.settleFailure(ctx, sourceID, prog, perr.Error())
		}
		return perr
	})
	if err != nil {
		if sqerrors.IsCancelled(err) {
			ing.settleFailure(ctx, sourceID, prog, "cancelled")
		}
		return nil, err
	}

	prog.setState(store.StateReady)
	if ing.stats != nil {
		ing.stats.Invalidate()
	}
	return ing.store.GetSource(ctx, sourceID)
}

// process runs one full attempt: extract, chunk, embed, persist,
// validate, ready.
func (ing *Ingestor) process(ctx context.Context, sourceID string, pages []Page, replace bool, prog *progress) error {
	if err := ing.transition(ctx, sourceID, store.StateExtracting, nil, prog); err != nil {
		return err
	}

	if err := ing.transition(ctx, sourceID, store.StateChunking, nil, prog); err != nil {
		return err
	}
	result := ing.chunker.Chunk(pages)
	if len(result.Chunks) == 0 {
		return sqerrors.BadInput("source produced no chunks")
	}
	prog.setChunks(len(result.Chunks))

	if err := ing.transition(ctx, sourceID, store.StateEmbedding, nil, prog); err != nil {
		return err
	}

	chunks := make([]*store.Chunk, len(result.Chunks))
	for i, d := range result.Chunks {
		chunks[i] = &store.Chunk{
			ID:       store.ChunkID(sourceID, i),
			SourceID: sourceID,
			Ordinal:  i,
			Page:     d.Page,
			Section:  d.Section,
			Text:     d.Text,
		}
	}

	for start := 0; start < len(chunks); start += ing.batch {
		end := start + ing.batch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			texts[i] = c.Text
		}
		vecs, err := ing.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, v := range vecs {
			chunks[start+i].Vector = v
		}
		prog.addEmbedded(end - start)
	}

	for _, c := range chunks {
		if c.Vector == nil {
			return sqerrors.BadVector("chunk " + c.ID + " has no embedding")
		}
	}

	if replace {
		if err := ing.store.ReplaceSourceChunks(ctx, sourceID, chunks); err != nil {
			return err
		}
	} else {
		if err := ing.store.InsertChunks(ctx, chunks); err != nil {
			return err
		}
	}

	return ing.transition(ctx, sourceID, store.StateReady, func(s *store.Source) {
		s.ChunkCount = len(chunks)
		s.EmbeddingCount = len(chunks)
		s.IsTruncated = result.Truncated
		s.CoveragePct = result.CoveragePct
		s.Error = ""
	}, prog)
}

func (ing *Ingestor) transition(ctx context.Context, sourceID string, to store.SourceState, update func(*store.Source), prog *progress) error {
	if err := ing.store.Transition(ctx, sourceID, to, update); err != nil {
		return err
	}
	prog.setState(to)
	return nil
}

// settleFailure marks the source failed outside the request context so
// a cancelled request still leaves a consistent terminal state.
func (ing *Ingestor) settleFailure(ctx context.Context, sourceID string, prog *progress, msg string) {
	bg := context.WithoutCancel(ctx)
	if err := ing.store.Transition(bg, sourceID, store.StateFailed, func(s *store.Source) {
		s.Error = msg
	}); err != nil {
		slog.Warn("could not mark source failed",
			slog.String("source_id", sourceID), slog.Any("error", err))
	}
	prog.fail(msg)
}

// hashPages derives the content hash over page numbers and text.
func hashPages(pages []Page) string {
	h := sha256.New()
	for _, p := range pages {
		h.Write([]byte(strconv.Itoa(p.Number)))
		h.Write([]byte{0})
		h.Write([]byte(p.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
