package search

import (
	"context"
	"log/slog"

	"github.com/sagequery/sagequery/internal/embed"
	"github.com/sagequery/sagequery/internal/query"
	"github.com/sagequery/sagequery/internal/store"
)

// DenseRetriever recalls an initial candidate pool by vector similarity.
type DenseRetriever struct {
	embedder embed.Embedder
	store    store.ChunkStore
}

// NewDenseRetriever wires the embedder to the chunk store.
func NewDenseRetriever(e embed.Embedder, st store.ChunkStore) *DenseRetriever {
	return &DenseRetriever{embedder: e, store: st}
}

// Retrieve embeds the query (expanded form first, raw as fallback when
// the expanded form recalls nothing) and returns up to candidates chunks
// above threshold, dense score attached.
func (d *DenseRetriever) Retrieve(ctx context.Context, qc *query.Context, candidates int, threshold float64, filter store.Filter) ([]*RankedResult, error) {
	hits, err := d.retrieveText(ctx, qc.Expanded, candidates, filter)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 && qc.DidExpand {
		slog.Debug("expanded query recalled nothing, retrying raw",
			slog.String("query", qc.Normalized))
		hits, err = d.retrieveText(ctx, qc.Normalized, candidates, filter)
		if err != nil {
			return nil, err
		}
	}

	sourceNames := make(map[string]string)
	out := make([]*RankedResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		name, ok := sourceNames[h.Chunk.SourceID]
		if !ok {
			if src, err := d.store.GetSource(ctx, h.Chunk.SourceID); err == nil {
				name = src.Name
			}
			sourceNames[h.Chunk.SourceID] = name
		}
		out = append(out, &RankedResult{
			ChunkID:    h.Chunk.ID,
			SourceID:   h.Chunk.SourceID,
			SourceName: name,
			Page:       h.Chunk.Page,
			Content:    h.Chunk.Text,
			DenseScore: h.Score,
			HasDense:   true,
			QueryType:  qc.Type,
		})
	}
	return out, nil
}

func (d *DenseRetriever) retrieveText(ctx context.Context, text string, n int, filter store.Filter) ([]store.Neighbor, error) {
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return d.store.Nearest(ctx, vec, n, filter)
}
