// Package corpus maintains versioned statistics over the ready chunk set
// for lexical scoring: document frequencies, chunk count, and average
// chunk length in tokens.
package corpus

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sagequery/sagequery/internal/store"
)

// tokenPattern matches scoring tokens: letter-led runs of length >= 2.
// Trailing digits stay attached so error codes like M8401 survive as
// single lexical terms.
var tokenPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9]+`)

// Tokenize lowercases text and extracts scoring tokens.
func Tokenize(text string) []string {
	matches := tokenPattern.FindAllString(text, -1)
	for i, m := range matches {
		matches[i] = strings.ToLower(m)
	}
	return matches
}

// Snapshot is an immutable view of corpus statistics. Scorers hold a
// snapshot for the duration of one query; a rebuild swaps in a new one
// without touching snapshots already handed out.
type Snapshot struct {
	Version     uint64
	BuiltAt     time.Time
	TotalChunks int
	AvgTokens   float64
	docFreq     map[string]int
}

// DocFreq returns the number of chunks containing term.
func (s *Snapshot) DocFreq(term string) int {
	return s.docFreq[term]
}

// IDF returns the BM25 inverse document frequency for term, clamped at 0.
func (s *Snapshot) IDF(term string) float64 {
	df := float64(s.docFreq[term])
	n := float64(s.TotalChunks)
	idf := math.Log((n-df+0.5)/(df+0.5) + 1)
	if idf < 0 {
		return 0
	}
	return idf
}

// Provider serves snapshots with TTL-based refresh and early
// invalidation when the corpus size shifts materially.
type Provider struct {
	store store.ChunkStore
	ttl   time.Duration
	// delta is the fractional chunk-count change that forces an early
	// rebuild before the TTL elapses.
	delta float64

	mu      sync.Mutex
	current *Snapshot
	now     func() time.Time
}

// NewProvider builds a provider over the store. ttl <= 0 disables
// time-based expiry; delta <= 0 disables size-based invalidation.
func NewProvider(st store.ChunkStore, ttl time.Duration, delta float64) *Provider {
	return &Provider{store: st, ttl: ttl, delta: delta, now: time.Now}
}

// Snapshot returns the current statistics, rebuilding when stale.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && !p.expiredLocked(ctx) {
		return p.current, nil
	}
	return p.rebuildLocked(ctx)
}

// Invalidate discards the cached snapshot; the next Snapshot call
// rebuilds. Ingest completion calls this.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

func (p *Provider) expiredLocked(ctx context.Context) bool {
	if p.ttl > 0 && p.now().Sub(p.current.BuiltAt) >= p.ttl {
		return true
	}
	if p.delta > 0 && p.current.TotalChunks > 0 {
		st, err := p.store.Stats(ctx)
		if err != nil {
			// Serve the cached snapshot rather than fail the query.
			return false
		}
		change := math.Abs(float64(st.ChunkCount-p.current.TotalChunks)) / float64(p.current.TotalChunks)
		if change > p.delta {
			return true
		}
	}
	return false
}

func (p *Provider) rebuildLocked(ctx context.Context) (*Snapshot, error) {
	chunks, err := p.store.ReadyChunks(ctx)
	if err != nil {
		return nil, err
	}

	var version uint64 = 1
	if p.current != nil {
		version = p.current.Version + 1
	}

	df := make(map[string]int)
	var totalTokens int
	for _, c := range chunks {
		tokens := Tokenize(c.Text)
		totalTokens += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	snap := &Snapshot{
		Version:     version,
		BuiltAt:     p.now(),
		TotalChunks: len(chunks),
		docFreq:     df,
	}
	if len(chunks) > 0 {
		snap.AvgTokens = float64(totalTokens) / float64(len(chunks))
	}
	p.current = snap

	slog.Debug("corpus statistics rebuilt",
		slog.Uint64("version", version),
		slog.Int("chunks", snap.TotalChunks),
		slog.Int("terms", len(df)))
	return snap, nil
}
