// Package bruteforce is the default vector index backend: a per-scope
// in-memory map of vectors scored by cosine similarity on every query.
// Grounded on the teacher's ChromemStore collection-map pattern
// (memory/store/chromem/chromem.go) but with a real per-id Delete,
// which chromem-go itself cannot offer.
package bruteforce

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mindfulent/memoryengine/internal/vectorindex"
)

// Index is an in-memory, exact nearest-neighbor vector index.
type Index struct {
	mu     sync.RWMutex
	scopes map[string]map[string][]float32 // scope -> id -> vector
}

// New creates an empty bruteforce index.
func New() *Index {
	return &Index{scopes: make(map[string]map[string][]float32)}
}

// Upsert stores vector under id within scope, replacing any prior entry.
func (x *Index) Upsert(ctx context.Context, scope, id string, vector []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	col, ok := x.scopes[scope]
	if !ok {
		col = make(map[string][]float32)
		x.scopes[scope] = col
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	col[id] = cp
	return nil
}

// Delete removes id from scope.
func (x *Index) Delete(ctx context.Context, scope, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	col, ok := x.scopes[scope]
	if !ok {
		return false, nil
	}
	if _, ok := col[id]; !ok {
		return false, nil
	}
	delete(col, id)
	return true, nil
}

// Query scores every vector in scope against vector and returns the top
// k by descending cosine similarity, breaking score ties by ascending
// id.
func (x *Index) Query(ctx context.Context, scope string, vector []float32, k int) ([]vectorindex.Match, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	col := x.scopes[scope]
	if len(col) == 0 {
		return nil, nil
	}

	matches := make([]vectorindex.Match, 0, len(col))
	for id, v := range col {
		matches = append(matches, vectorindex.Match{ID: id, Score: cosine(vector, v)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Close is a no-op; the index holds no external resources.
func (x *Index) Close() error { return nil }

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
