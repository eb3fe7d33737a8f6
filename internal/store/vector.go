package store

import (
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// vectorIndex wraps coder/hnsw with string chunk ids and lazy deletion.
// Vectors are normalized on insert so cosine similarity reduces to
// 1 - distance/2 under the library's cosine metric.
type vectorIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	dims    int
}

func newVectorIndex(dims int) *vectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25
	return &vectorIndex{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		dims:   dims,
	}
}

// add inserts or replaces a vector. Replacement uses lazy deletion: the
// old graph node is orphaned rather than removed, and orphans are skipped
// at query time because keyMap no longer resolves them.
func (v *vectorIndex) add(id string, vec []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if oldKey, exists := v.idMap[id]; exists {
		delete(v.keyMap, oldKey)
		delete(v.idMap, id)
	}

	key := v.nextKey
	v.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	v.graph.Add(hnsw.MakeNode(key, normalized))
	v.idMap[id] = key
	v.keyMap[key] = id
}

// remove orphans the ids in the graph.
func (v *vectorIndex) remove(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
}

// neighborHit pairs a chunk id with its cosine similarity.
type neighborHit struct {
	id    string
	score float64
}

// search returns up to n live neighbors, score descending with ties broken
// by lower id. When accept is non-nil only accepted ids count toward n;
// the graph is oversampled to compensate for filtered and orphaned nodes.
func (v *vectorIndex) search(vec []float32, n int, accept func(id string) bool) []neighborHit {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if n <= 0 || len(v.idMap) == 0 {
		return nil
	}

	query := make([]float32, len(vec))
	copy(query, vec)
	normalizeInPlace(query)

	// Oversample: filters and lazily-deleted nodes thin the raw result.
	k := n * 4
	if k < 32 {
		k = 32
	}
	if k > len(v.idMap)+len(v.keyMap) {
		k = len(v.idMap) + len(v.keyMap)
	}

	nodes := v.graph.Search(query, k)

	hits := make([]neighborHit, 0, n)
	for _, node := range nodes {
		id, live := v.keyMap[node.Key]
		if !live {
			continue
		}
		if accept != nil && !accept(id) {
			continue
		}
		hits = append(hits, neighborHit{id: id, score: cosine(query, node.Value)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

// count returns the number of live vectors.
func (v *vectorIndex) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// cosine computes cosine similarity of two same-length vectors.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	mag := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
}
