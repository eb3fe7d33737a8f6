package embed

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchEmbedder fans batches out to the inner embedder with bounded
// concurrency: texts are grouped into batches of size B and at most W
// batches are in flight at once. Input order is preserved; any batch that
// ultimately fails aborts the whole call.
type BatchEmbedder struct {
	inner       Embedder
	batchSize   int
	concurrency int
}

var _ Embedder = (*BatchEmbedder)(nil)

// NewBatchEmbedder wraps inner with batching parameters W and B.
func NewBatchEmbedder(inner Embedder, batchSize, concurrency int) *BatchEmbedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &BatchEmbedder{
		inner:       inner,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Embed passes through to the inner embedder.
func (b *BatchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.inner.Embed(ctx, text)
}

// EmbedBatch embeds texts in parallel batches. On any failure the group
// context is cancelled, in-flight batches stop, and the first error is
// returned; partial results are discarded.
func (b *BatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		start, end := start, end
		g.Go(func() error {
			vecs, err := b.inner.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimensions returns the embedding dimension (passthrough).
func (b *BatchEmbedder) Dimensions() int { return b.inner.Dimensions() }

// ModelName returns the model identifier (passthrough).
func (b *BatchEmbedder) ModelName() string { return b.inner.ModelName() }

// Available checks the inner embedder.
func (b *BatchEmbedder) Available(ctx context.Context) bool { return b.inner.Available(ctx) }

// Close closes the inner embedder.
func (b *BatchEmbedder) Close() error { return b.inner.Close() }
