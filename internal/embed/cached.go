package embed

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sagequery/sagequery/internal/cache"
)

// DefaultLRUSize is the default in-process LRU capacity.
const DefaultLRUSize = 1000

// CachedEmbedder wraps an Embedder with a two-level cache: a small
// in-process LRU for hot query embeddings and the shared TTL cache for
// everything else. Cache keys include the model name so a model change
// never serves stale vectors.
type CachedEmbedder struct {
	inner  Embedder
	lru    *lru.Cache[string, []float32]
	ttl    cache.Cache
	ttlFor time.Duration
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates the cached wrapper. shared may be nil to use
// only the in-process LRU.
func NewCachedEmbedder(inner Embedder, lruSize int, shared cache.Cache, ttl time.Duration) *CachedEmbedder {
	if lruSize <= 0 {
		lruSize = DefaultLRUSize
	}
	l, _ := lru.New[string, []float32](lruSize)
	return &CachedEmbedder{
		inner:  inner,
		lru:    l,
		ttl:    shared,
		ttlFor: ttl,
	}
}

func (c *CachedEmbedder) key(text string) string {
	return cache.Key(cache.ScopeEmbedding, c.inner.ModelName(), text)
}

// Embed returns the cached embedding if available, otherwise computes and
// caches. Shared-cache failures are transient: logged and ignored.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if vec, ok := c.lru.Get(key); ok {
		return vec, nil
	}
	if vec, ok := c.sharedGet(ctx, key); ok {
		c.lru.Add(key, vec)
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vec)
	return vec, nil
}

// EmbedBatch partitions texts into cache hits and misses, embeds the
// misses through the inner embedder, and returns results in input order.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		key := c.key(text)
		if vec, ok := c.lru.Get(key); ok {
			results[i] = vec
			continue
		}
		if vec, ok := c.sharedGet(ctx, key); ok {
			c.lru.Add(key, vec)
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	embedded, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		results[idx] = embedded[j]
		c.store(ctx, c.key(texts[idx]), embedded[j])
	}
	return results, nil
}

// store writes to both cache levels. Cancelled requests skip the shared
// cache so a cancelled batch leaves no partial entries behind.
func (c *CachedEmbedder) store(ctx context.Context, key string, vec []float32) {
	c.lru.Add(key, vec)
	if c.ttl == nil || ctx.Err() != nil {
		return
	}
	if err := c.ttl.Set(ctx, key, encodeVector(vec), c.ttlFor); err != nil {
		slog.Debug("embedding cache write failed", slog.String("error", err.Error()))
	}
}

func (c *CachedEmbedder) sharedGet(ctx context.Context, key string) ([]float32, bool) {
	if c.ttl == nil {
		return nil, false
	}
	data, err := c.ttl.Get(ctx, key)
	if err != nil {
		if err != cache.ErrMiss {
			slog.Debug("embedding cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	vec, ok := decodeVector(data)
	if !ok || len(vec) != c.inner.Dimensions() {
		// Wrong-dimension entries must never leave the cache.
		_ = c.ttl.Delete(ctx, key)
		return nil, false
	}
	return vec, true
}

// encodeVector serializes a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeVector parses the binary vector encoding.
func decodeVector(data []byte) ([]float32, bool) {
	if len(data)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, true
}

// Dimensions returns the embedding dimension (passthrough).
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName returns the model identifier (passthrough).
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Available checks the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }
