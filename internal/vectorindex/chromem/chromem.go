// Package chromem adapts the teacher's philippgille/chromem-go
// dependency into a vectorindex.Index. chromem-go has no native
// per-id delete (the teacher's own ChromemStore.Delete is a
// documented no-op: "chromem-go doesn't expose direct delete by ID in
// current API"). This backend improves on that by tracking each
// scope's live (id -> vector) set alongside the chromem collection and
// rebuilding the collection from that set whenever a delete happens,
// so the hard delete-cascade invariants this engine requires actually
// hold, at the cost of an O(n) rebuild per delete.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mindfulent/memoryengine/internal/vectorindex"
)

// Index wraps a chromem-go DB, one collection per scope.
type Index struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
	vectors     map[string]map[string][]float32 // scope -> id -> vector, source of truth for rebuilds
}

// New creates an index backed by a fresh in-memory chromem DB.
func New() *Index {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		vectors:     make(map[string]map[string][]float32),
	}
}

func (x *Index) collectionName(scope string) string {
	if scope == "" {
		return "global"
	}
	return "scope_" + scope
}

// getOrCreate returns scope's collection, creating it on first use.
// Caller must hold x.mu.
func (x *Index) getOrCreate(scope string) (*chromem.Collection, error) {
	if col, ok := x.collections[scope]; ok {
		return col, nil
	}
	col, err := x.db.CreateCollection(x.collectionName(scope), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection %s: %w", scope, err)
	}
	x.collections[scope] = col
	x.vectors[scope] = make(map[string][]float32)
	return col, nil
}

// Upsert adds or replaces id's vector in scope.
func (x *Index) Upsert(ctx context.Context, scope, id string, vector []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	col, err := x.getOrCreate(scope)
	if err != nil {
		return err
	}

	cp := make([]float32, len(vector))
	copy(cp, vector)
	x.vectors[scope][id] = cp

	doc := chromem.Document{ID: id, Content: id, Embedding: cp}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document %s: %w", id, err)
	}
	return nil
}

// Delete removes id from scope, rebuilding the underlying collection
// from the remaining tracked vectors.
func (x *Index) Delete(ctx context.Context, scope, id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	vecs, ok := x.vectors[scope]
	if !ok {
		return false, nil
	}
	if _, ok := vecs[id]; !ok {
		return false, nil
	}
	delete(vecs, id)

	col, err := x.db.CreateCollection(x.collectionName(scope), nil, nil)
	if err != nil {
		return false, fmt.Errorf("chromem: rebuild collection %s: %w", scope, err)
	}
	x.collections[scope] = col

	// Deterministic rebuild order keeps behavior reproducible across runs.
	ids := make([]string, 0, len(vecs))
	for id := range vecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc := chromem.Document{ID: id, Content: id, Embedding: vecs[id]}
		if err := col.AddDocument(ctx, doc); err != nil {
			return false, fmt.Errorf("chromem: rebuild add document %s: %w", id, err)
		}
	}
	return true, nil
}

// Query returns the top-k nearest neighbors to vector within scope.
// chromem-go requires nResults <= collection size, so the requested k
// is clamped down to the live document count.
func (x *Index) Query(ctx context.Context, scope string, vector []float32, k int) ([]vectorindex.Match, error) {
	x.mu.Lock()
	col, ok := x.collections[scope]
	size := len(x.vectors[scope])
	x.mu.Unlock()
	if !ok || size == 0 {
		return nil, nil
	}

	n := k
	if n <= 0 || n > size {
		n = size
	}

	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	matches := make([]vectorindex.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, vectorindex.Match{ID: r.ID, Score: float64(r.Similarity)})
	}
	return matches, nil
}

// Close releases resources. chromem-go keeps everything in memory, so
// there is nothing to flush.
func (x *Index) Close() error { return nil }
