// Package store persists sources and chunks with their embeddings and
// answers nearest-neighbor queries over the chunk vectors. SQLite is the
// source of truth; an HNSW graph serves k-NN and is rebuilt from SQLite
// on open.
package store

import (
	"context"
	"fmt"
	"time"
)

// SourceKind classifies where a source came from.
type SourceKind string

const (
	SourceKindFile  SourceKind = "file"
	SourceKindWeb   SourceKind = "web"
	SourceKindOther SourceKind = "other"
)

// SourceState is the ingest processing state.
type SourceState string

const (
	StatePending    SourceState = "pending"
	StateExtracting SourceState = "extracting"
	StateChunking   SourceState = "chunking"
	StateEmbedding  SourceState = "embedding"
	StateReady      SourceState = "ready"
	StateFailed     SourceState = "failed"
)

// stateRank orders states for monotonic transition checks.
var stateRank = map[SourceState]int{
	StatePending:    0,
	StateExtracting: 1,
	StateChunking:   2,
	StateEmbedding:  3,
	StateReady:      4,
	StateFailed:     4,
}

// CanTransition reports whether from → to is a legal state transition.
// Any state may fail; otherwise states advance monotonically. A ready
// source re-enters pending on explicit refresh, a failed one on a retry
// attempt.
func CanTransition(from, to SourceState) bool {
	if to == StateFailed {
		return true
	}
	if (from == StateReady || from == StateFailed) && to == StatePending {
		return true
	}
	return stateRank[to] == stateRank[from]+1
}

// Ingesting reports whether the state accepts chunk writes.
func (s SourceState) Ingesting() bool {
	return s == StateExtracting || s == StateChunking || s == StateEmbedding
}

// Terminal reports whether the state is externally stable.
func (s SourceState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Source is an origin of ingested text, identified by a content hash.
type Source struct {
	ID             string
	Name           string
	Kind           SourceKind
	Hash           string
	PageCount      int
	State          SourceState
	ChunkCount     int
	EmbeddingCount int
	IsTruncated    bool
	CoveragePct    float64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Chunk is the unit of retrieval: a bounded text fragment with its
// embedding and provenance. Chunks store only the owning source id;
// sources hold no back-pointers.
type Chunk struct {
	ID       string
	SourceID string
	Ordinal  int
	Page     int
	Section  string
	Text     string
	Vector   []float32
}

// ChunkID builds the canonical chunk id. The zero-padded ordinal makes
// lexicographic order match ordinal order within a source, which is what
// deterministic tie-breaking relies on.
func ChunkID(sourceID string, ordinal int) string {
	return fmt.Sprintf("%s:%06d", sourceID, ordinal)
}

// Filter restricts Nearest results by source attributes.
type Filter struct {
	// Kinds restricts to the given source kinds (empty = all).
	Kinds []SourceKind
	// SourceIDs restricts to the given sources (empty = all).
	SourceIDs []string
	// OrdinalMin/OrdinalMax bound the chunk ordinal range; both zero
	// means unrestricted. OrdinalMax < 0 means no upper bound.
	OrdinalMin int
	OrdinalMax int
}

// Empty reports whether the filter restricts nothing.
func (f Filter) Empty() bool {
	return len(f.Kinds) == 0 && len(f.SourceIDs) == 0 && f.OrdinalMin == 0 && f.OrdinalMax == 0
}

// Neighbor is one k-NN result.
type Neighbor struct {
	Chunk *Chunk
	// Score is the cosine similarity to the query vector, in [-1, 1].
	Score float64
}

// Stats summarizes the store contents.
type Stats struct {
	SourceCount      int
	ReadySourceCount int
	ChunkCount       int
	VectorCount      int
	Dimensions       int
	Model            string
}

// ChunkStore is the persistence interface the pipeline depends on.
type ChunkStore interface {
	// Source lifecycle.
	CreateSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	GetSourceByHash(ctx context.Context, hash string) (*Source, error)
	ListSources(ctx context.Context) ([]*Source, error)
	// Transition atomically moves a source between states, enforcing
	// legality. updates may adjust counts/error/truncation fields.
	Transition(ctx context.Context, id string, to SourceState, update func(*Source)) error
	// DeleteSource removes the source and all of its chunks atomically.
	DeleteSource(ctx context.Context, id string) error

	// Chunk operations.
	InsertChunks(ctx context.Context, chunks []*Chunk) error
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)
	// ReadyChunks returns all chunks of ready sources (for corpus stats).
	ReadyChunks(ctx context.Context) ([]*Chunk, error)
	// ReplaceSourceChunks atomically swaps a source's chunks on refresh:
	// the old set stays visible until the new set commits.
	ReplaceSourceChunks(ctx context.Context, sourceID string, chunks []*Chunk) error

	// Nearest returns up to n ready chunks by cosine similarity to vec,
	// descending, ties broken by lower chunk id. Chunks with missing or
	// invalid embeddings are excluded.
	Nearest(ctx context.Context, vec []float32, n int, filter Filter) ([]Neighbor, error)

	// Index metadata for dimension-mismatch detection.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Meta keys recorded alongside the index.
const (
	MetaKeyDimensions = "index_embedding_dimensions"
	MetaKeyModel      = "index_embedding_model"
)
