package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	sqerrors "github.com/sagequery/sagequery/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	hash          TEXT NOT NULL,
	page_count    INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL,
	chunk_count   INTEGER NOT NULL DEFAULT 0,
	embed_count   INTEGER NOT NULL DEFAULT 0,
	is_truncated  INTEGER NOT NULL DEFAULT 0,
	coverage_pct  REAL NOT NULL DEFAULT 100,
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_hash ON sources(hash);

CREATE TABLE IF NOT EXISTS chunks (
	id        TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	ordinal   INTEGER NOT NULL,
	page      INTEGER NOT NULL,
	section   TEXT NOT NULL DEFAULT '',
	text      TEXT NOT NULL,
	embedding BLOB,
	UNIQUE(source_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// chunkMeta is the in-memory projection used to filter k-NN candidates
// without touching SQLite per candidate.
type chunkMeta struct {
	sourceID string
	ordinal  int
}

// SQLiteStore implements ChunkStore over modernc.org/sqlite with an
// in-memory HNSW index for k-NN.
type SQLiteStore struct {
	db   *sql.DB
	dims int

	vectors *vectorIndex

	mu          sync.RWMutex
	chunkMeta   map[string]chunkMeta
	sourceState map[string]SourceState
	sourceKind  map[string]SourceKind

	// srcMu serializes state transitions per source.
	srcMu sync.Map // source id -> *sync.Mutex
}

var _ ChunkStore = (*SQLiteStore)(nil)

// Open opens (or creates) the store at dir/index.db and rebuilds the
// vector index from persisted embeddings.
func Open(dir string, dims int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	dsn := filepath.Join(dir, "index.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, sqerrors.StoreUnavailable(err)
	}

	s := &SQLiteStore{
		db:          db,
		dims:        dims,
		vectors:     newVectorIndex(dims),
		chunkMeta:   make(map[string]chunkMeta),
		sourceState: make(map[string]SourceState),
		sourceKind:  make(map[string]SourceKind),
	}
	if err := s.rebuild(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store (tests, ephemeral runs).
func OpenMemory(dims int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	db.SetMaxOpenConns(1) // shared in-memory database
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, sqerrors.StoreUnavailable(err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, sqerrors.StoreUnavailable(err)
	}
	return &SQLiteStore{
		db:          db,
		dims:        dims,
		vectors:     newVectorIndex(dims),
		chunkMeta:   make(map[string]chunkMeta),
		sourceState: make(map[string]SourceState),
		sourceKind:  make(map[string]SourceKind),
	}, nil
}

// rebuild loads source states and chunk vectors from SQLite. Stored
// vectors are validated on read: invalid ones are skipped and logged,
// never served (the write path should have caught them, but older stores
// may predate that check).
func (s *SQLiteStore) rebuild(ctx context.Context) error {
	sources, err := s.ListSources(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, src := range sources {
		s.sourceState[src.ID] = src.State
		s.sourceKind[src.ID] = src.Kind
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, ordinal, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var skipped int
	for rows.Next() {
		var id, sourceID string
		var ordinal int
		var blob []byte
		if err := rows.Scan(&id, &sourceID, &ordinal, &blob); err != nil {
			return sqerrors.StoreUnavailable(err)
		}
		vec, ok := decodeEmbedding(blob)
		if !ok || len(vec) != s.dims || !finite(vec) {
			skipped++
			continue
		}
		s.vectors.add(id, vec)
		s.mu.Lock()
		s.chunkMeta[id] = chunkMeta{sourceID: sourceID, ordinal: ordinal}
		s.mu.Unlock()
	}
	if skipped > 0 {
		slog.Warn("skipped invalid stored embeddings during index rebuild",
			slog.Int("count", skipped))
	}
	return rows.Err()
}

// lockSource returns the per-source mutex, creating it on first use.
func (s *SQLiteStore) lockSource(id string) *sync.Mutex {
	mu, _ := s.srcMu.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateSource inserts a new source in its initial state.
func (s *SQLiteStore) CreateSource(ctx context.Context, src *Source) error {
	now := time.Now()
	src.CreatedAt = now
	src.UpdatedAt = now
	if src.State == "" {
		src.State = StatePending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, kind, hash, page_count, state, chunk_count, embed_count, is_truncated, coverage_pct, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, string(src.Kind), src.Hash, src.PageCount, string(src.State),
		src.ChunkCount, src.EmbeddingCount, boolToInt(src.IsTruncated), src.CoveragePct,
		src.Error, now.Unix(), now.Unix())
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}

	s.mu.Lock()
	s.sourceState[src.ID] = src.State
	s.sourceKind[src.ID] = src.Kind
	s.mu.Unlock()
	return nil
}

// GetSource returns the source by id.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE id = ?`, id)
	return scanSource(row)
}

// GetSourceByHash returns the most recent non-failed source with hash.
func (s *SQLiteStore) GetSourceByHash(ctx context.Context, hash string) (*Source, error) {
	row := s.db.QueryRowContext(ctx,
		sourceSelect+` WHERE hash = ? AND state != ? ORDER BY created_at DESC LIMIT 1`,
		hash, string(StateFailed))
	return scanSource(row)
}

// ListSources returns all sources ordered by creation time.
func (s *SQLiteStore) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, sourceSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

const sourceSelect = `SELECT id, name, kind, hash, page_count, state, chunk_count, embed_count, is_truncated, coverage_pct, error, created_at, updated_at FROM sources`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var src Source
	var kind, state string
	var truncated int
	var created, updated int64
	err := row.Scan(&src.ID, &src.Name, &kind, &src.Hash, &src.PageCount, &state,
		&src.ChunkCount, &src.EmbeddingCount, &truncated, &src.CoveragePct,
		&src.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sqerrors.Newf(sqerrors.CodeSourceNotFound, "source not found")
	}
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	src.Kind = SourceKind(kind)
	src.State = SourceState(state)
	src.IsTruncated = truncated != 0
	src.CreatedAt = time.Unix(created, 0)
	src.UpdatedAt = time.Unix(updated, 0)
	return &src, nil
}

// Transition moves a source to a new state under the per-source mutex.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to SourceState, update func(*Source)) error {
	mu := s.lockSource(id)
	mu.Lock()
	defer mu.Unlock()

	src, err := s.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(src.State, to) {
		return sqerrors.Newf(sqerrors.CodeInternal,
			"illegal source transition %s -> %s", src.State, to)
	}

	src.State = to
	if update != nil {
		update(src)
	}
	src.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sources SET state = ?, page_count = ?, chunk_count = ?, embed_count = ?,
			is_truncated = ?, coverage_pct = ?, error = ?, hash = ?, updated_at = ?
		WHERE id = ?`,
		string(src.State), src.PageCount, src.ChunkCount, src.EmbeddingCount,
		boolToInt(src.IsTruncated), src.CoveragePct, src.Error, src.Hash,
		src.UpdatedAt.Unix(), id)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}

	s.mu.Lock()
	s.sourceState[id] = src.State
	s.mu.Unlock()
	return nil
}

// DeleteSource removes a source and its chunks atomically.
func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	mu := s.lockSource(id)
	mu.Lock()
	defer mu.Unlock()

	ids, err := s.chunkIDsOf(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, id); err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return sqerrors.StoreUnavailable(err)
	}

	s.vectors.remove(ids)
	s.mu.Lock()
	for _, cid := range ids {
		delete(s.chunkMeta, cid)
	}
	delete(s.sourceState, id)
	delete(s.sourceKind, id)
	s.mu.Unlock()
	return nil
}

// InsertChunks persists chunks with embeddings. The owning source must be
// in an ingesting state; ordinal conflicts and bad vectors reject the
// whole call.
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.RLock()
	for _, c := range chunks {
		state, ok := s.sourceState[c.SourceID]
		if !ok || !state.Ingesting() {
			s.mu.RUnlock()
			return sqerrors.Newf(sqerrors.CodeSourceNotIngest,
				"source %s is not in an ingesting state", c.SourceID)
		}
	}
	s.mu.RUnlock()

	for _, c := range chunks {
		if c.Vector != nil {
			if len(c.Vector) != s.dims {
				return sqerrors.BadVector(
					fmt.Sprintf("chunk %s: dimension %d, want %d", c.ID, len(c.Vector), s.dims))
			}
			if !finite(c.Vector) {
				return sqerrors.BadVector(fmt.Sprintf("chunk %s: non-finite component", c.ID))
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, source_id, ordinal, page, section, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		var blob []byte
		if c.Vector != nil {
			blob = encodeEmbedding(c.Vector)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.SourceID, c.Ordinal, c.Page, c.Section, c.Text, blob); err != nil {
			if isConstraintErr(err) {
				return sqerrors.Newf(sqerrors.CodeOrdinalConflict,
					"chunk ordinal conflict: source %s ordinal %d", c.SourceID, c.Ordinal)
			}
			return sqerrors.StoreUnavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqerrors.StoreUnavailable(err)
	}

	s.mu.Lock()
	for _, c := range chunks {
		if c.Vector != nil {
			s.vectors.add(c.ID, c.Vector)
			s.chunkMeta[c.ID] = chunkMeta{sourceID: c.SourceID, ordinal: c.Ordinal}
		}
	}
	s.mu.Unlock()
	return nil
}

// GetChunks returns chunks by id, preserving input order; missing ids are
// skipped.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, source_id, ordinal, page, section, text, embedding FROM chunks WHERE id = ?`, id)
		c, err := scanChunk(row)
		if err != nil {
			if sqerrors.HasCode(err, sqerrors.CodeSourceNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadyChunks returns all chunks belonging to ready sources.
func (s *SQLiteStore) ReadyChunks(ctx context.Context) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.source_id, c.ordinal, c.page, c.section, c.text, c.embedding
		FROM chunks c JOIN sources s ON s.id = c.source_id
		WHERE s.state = ? ORDER BY c.id`, string(StateReady))
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var blob []byte
	err := row.Scan(&c.ID, &c.SourceID, &c.Ordinal, &c.Page, &c.Section, &c.Text, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sqerrors.Newf(sqerrors.CodeSourceNotFound, "chunk not found")
	}
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	if blob != nil {
		if vec, ok := decodeEmbedding(blob); ok {
			c.Vector = vec
		}
	}
	return &c, nil
}

// ReplaceSourceChunks swaps a source's chunk set atomically: the delete
// and insert commit in one transaction, so readers see either the old or
// the new set, never a mix.
func (s *SQLiteStore) ReplaceSourceChunks(ctx context.Context, sourceID string, chunks []*Chunk) error {
	oldIDs, err := s.chunkIDsOf(ctx, sourceID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	for _, c := range chunks {
		var blob []byte
		if c.Vector != nil {
			blob = encodeEmbedding(c.Vector)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, source_id, ordinal, page, section, text, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SourceID, c.Ordinal, c.Page, c.Section, c.Text, blob); err != nil {
			return sqerrors.StoreUnavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqerrors.StoreUnavailable(err)
	}

	s.vectors.remove(oldIDs)
	s.mu.Lock()
	for _, id := range oldIDs {
		delete(s.chunkMeta, id)
	}
	for _, c := range chunks {
		if c.Vector != nil {
			s.vectors.add(c.ID, c.Vector)
			s.chunkMeta[c.ID] = chunkMeta{sourceID: c.SourceID, ordinal: c.Ordinal}
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) chunkIDsOf(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sqerrors.StoreUnavailable(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Nearest returns up to n ready chunks by cosine similarity.
func (s *SQLiteStore) Nearest(ctx context.Context, vec []float32, n int, filter Filter) ([]Neighbor, error) {
	if len(vec) != s.dims {
		return nil, sqerrors.Newf(sqerrors.CodeDimensionMismatch,
			"query vector has %d dimensions, index has %d", len(vec), s.dims)
	}

	kinds := make(map[SourceKind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}
	idSet := make(map[string]bool, len(filter.SourceIDs))
	for _, id := range filter.SourceIDs {
		idSet[id] = true
	}

	accept := func(id string) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		meta, ok := s.chunkMeta[id]
		if !ok {
			return false
		}
		// Readiness is checked at read time: only ready sources are
		// eligible for search, whatever the index holds.
		if s.sourceState[meta.sourceID] != StateReady {
			return false
		}
		if len(kinds) > 0 && !kinds[s.sourceKind[meta.sourceID]] {
			return false
		}
		if len(idSet) > 0 && !idSet[meta.sourceID] {
			return false
		}
		if filter.OrdinalMin > 0 && meta.ordinal < filter.OrdinalMin {
			return false
		}
		if filter.OrdinalMax > 0 && meta.ordinal > filter.OrdinalMax {
			return false
		}
		return true
	}

	hits := s.vectors.search(vec, n, accept)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	chunks, err := s.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]Neighbor, 0, len(hits))
	for _, h := range hits {
		if c, ok := byID[h.id]; ok {
			out = append(out, Neighbor{Chunk: c, Score: h.score})
		}
	}
	return out, nil
}

// GetMeta returns a meta value, empty string when absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sqerrors.StoreUnavailable(err)
	}
	return value, nil
}

// SetMeta upserts a meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return sqerrors.StoreUnavailable(err)
	}
	return nil
}

// Stats summarizes store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Dimensions: s.dims, VectorCount: s.vectors.count()}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&st.SourceCount); err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE state = ?`,
		string(StateReady)).Scan(&st.ReadySourceCount); err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.ChunkCount); err != nil {
		return nil, sqerrors.StoreUnavailable(err)
	}
	st.Model, _ = s.GetMeta(ctx, MetaKeyModel)
	if d, err := s.GetMeta(ctx, MetaKeyDimensions); err == nil && d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			st.Dimensions = n
		}
	}
	return st, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

// encodeEmbedding serializes a vector as little-endian float32s.
func encodeEmbedding(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeEmbedding parses the binary vector encoding.
func decodeEmbedding(data []byte) ([]float32, bool) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, true
}

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
