// Package embedtest provides a deterministic in-process embedder for
// tests. It is not a production fallback; the engine always requires the
// canonical service model.
package embedtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder produces deterministic unit vectors from token hashes. Texts
// sharing tokens get similar vectors, which is enough for ranking tests.
type Embedder struct {
	Dims  int
	Model string
	// Fail, when set, is returned by every call.
	Fail error
	// Calls counts Embed and EmbedBatch invocations.
	Calls int
}

// New creates a test embedder with the given dimension.
func New(dims int) *Embedder {
	return &Embedder{Dims: dims, Model: "test-embedder"}
}

// Embed returns a deterministic vector for text.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.Calls++
	if e.Fail != nil {
		return nil, e.Fail
	}
	return e.vector(text), nil
}

// EmbedBatch returns deterministic vectors preserving order.
func (e *Embedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.Calls++
	if e.Fail != nil {
		return nil, e.Fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.Dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % e.Dims
		if idx < 0 {
			idx += e.Dims
		}
		vec[idx] += 1
	}
	// Unit length for cosine comparability.
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		vec[0] = 1
		return vec
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
	return vec
}

// Dimensions returns the configured dimension.
func (e *Embedder) Dimensions() int { return e.Dims }

// ModelName returns the test model name.
func (e *Embedder) ModelName() string { return e.Model }

// Available reports true unless Fail is set.
func (e *Embedder) Available(context.Context) bool { return e.Fail == nil }

// Close is a no-op.
func (e *Embedder) Close() error { return nil }
