// Package embed provides the embedding client: a single canonical model
// behind an HTTP service, with caching and bounded batch concurrency.
// There is deliberately no fallback model and no synthetic hash-vector
// path; if the service is down after retries, the error surfaces.
package embed

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Defaults for the embedding client.
const (
	// DefaultConcurrency is the fan-out width W for batch misses.
	DefaultConcurrency = 10

	// DefaultBatchSize is the outbound batch size B.
	DefaultBatchSize = 50

	// DefaultTimeout bounds a single embedding call.
	DefaultTimeout = 60 * time.Second

	// DefaultRetries is the per-call retry budget R.
	DefaultRetries = 3
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// input order. Any text that ultimately fails aborts the batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed embedding dimension D.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Finite reports whether every component of v is a finite number.
func Finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// ConformDimension pads short vectors with zeros and truncates long ones
// so the result has exactly dims components. Both adjustments are logged;
// stored indexes must never contain mixed dimensions.
func ConformDimension(v []float32, dims int) []float32 {
	switch {
	case len(v) == dims:
		return v
	case len(v) < dims:
		slog.Warn("embedding shorter than expected, zero-padding",
			slog.Int("got", len(v)), slog.Int("want", dims))
		out := make([]float32, dims)
		copy(out, v)
		return out
	default:
		slog.Warn("embedding longer than expected, truncating",
			slog.Int("got", len(v)), slog.Int("want", dims))
		return v[:dims]
	}
}

// Normalize returns v scaled to unit L2 length. A zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / magnitude)
	}
	return out
}
