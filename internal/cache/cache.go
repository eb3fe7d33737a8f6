// Package cache provides the keyed TTL store used by the embedding,
// search, and response layers. Cache failures are transient by contract:
// callers log and proceed as if the cache were empty.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Scope namespaces cache keys and selects the TTL for a class of entries.
type Scope string

const (
	ScopeEmbedding     Scope = "emb"
	ScopeSearch        Scope = "search"
	ScopeResponse      Scope = "resp"
	ScopeComprehensive Scope = "resp-comp"
)

// ErrMiss is returned by Get when no entry exists. It is the only
// non-transient "failure" a cache can report.
var ErrMiss = errors.New("cache miss")

// Cache is a key-value store with per-entry TTL. Values are binary-safe.
// Implementations must be safe for concurrent use; last-writer-wins on the
// same key is acceptable because entries are deterministic functions of
// their inputs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool
	Close() error
}

// Key builds a namespaced cache key from a scope and raw parts. Parts are
// hashed so arbitrary text (queries, prompts) yields fixed-length keys.
func Key(scope Scope, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return string(scope) + ":" + hex.EncodeToString(h.Sum(nil))
}
