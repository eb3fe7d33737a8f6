package ingest

import (
	"sync"
	"time"

	"github.com/sagequery/sagequery/internal/store"
)

// ProgressSnapshot is an immutable view of one source's ingest progress.
type ProgressSnapshot struct {
	SourceID       string  `json:"source_id"`
	State          string  `json:"state"`
	PagesTotal     int     `json:"pages_total"`
	ChunksTotal    int     `json:"chunks_total"`
	ChunksEmbedded int     `json:"chunks_embedded"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	Attempt        int     `json:"attempt"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// progress tracks one in-flight source.
type progress struct {
	mu sync.RWMutex

	sourceID       string
	state          store.SourceState
	pagesTotal     int
	chunksTotal    int
	chunksEmbedded int
	attempt        int
	startTime      time.Time
	errorMessage   string
}

func (p *progress) setState(s store.SourceState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *progress) setChunks(total int) {
	p.mu.Lock()
	p.chunksTotal = total
	p.mu.Unlock()
}

func (p *progress) addEmbedded(n int) {
	p.mu.Lock()
	p.chunksEmbedded += n
	p.mu.Unlock()
}

func (p *progress) setAttempt(n int) {
	p.mu.Lock()
	p.attempt = n
	p.chunksEmbedded = 0
	p.mu.Unlock()
}

func (p *progress) fail(msg string) {
	p.mu.Lock()
	p.state = store.StateFailed
	p.errorMessage = msg
	p.mu.Unlock()
}

func (p *progress) snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		SourceID:       p.sourceID,
		State:          string(p.state),
		PagesTotal:     p.pagesTotal,
		ChunksTotal:    p.chunksTotal,
		ChunksEmbedded: p.chunksEmbedded,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		Attempt:        p.attempt,
		ErrorMessage:   p.errorMessage,
	}
	if p.chunksTotal > 0 {
		snap.ProgressPct = 100 * float64(p.chunksEmbedded) / float64(p.chunksTotal)
	}
	if p.state == store.StateReady {
		snap.ProgressPct = 100
	}
	return snap
}

// ProgressTracker holds per-source progress for observers.
type ProgressTracker struct {
	mu      sync.RWMutex
	sources map[string]*progress
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{sources: make(map[string]*progress)}
}

func (t *ProgressTracker) start(sourceID string, pages int) *progress {
	p := &progress{
		sourceID:   sourceID,
		state:      store.StatePending,
		pagesTotal: pages,
		startTime:  time.Now(),
	}
	t.mu.Lock()
	t.sources[sourceID] = p
	t.mu.Unlock()
	return p
}

// Snapshot returns the progress of one source, if tracked.
func (t *ProgressTracker) Snapshot(sourceID string) (ProgressSnapshot, bool) {
	t.mu.RLock()
	p, ok := t.sources[sourceID]
	t.mu.RUnlock()
	if !ok {
		return ProgressSnapshot{}, false
	}
	return p.snapshot(), true
}

// Snapshots returns the progress of every tracked source.
func (t *ProgressTracker) Snapshots() []ProgressSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProgressSnapshot, 0, len(t.sources))
	for _, p := range t.sources {
		out = append(out, p.snapshot())
	}
	return out
}

func (t *ProgressTracker) drop(sourceID string) {
	t.mu.Lock()
	delete(t.sources, sourceID)
	t.mu.Unlock()
}
