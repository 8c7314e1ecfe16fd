// Package vectorindex abstracts semantic nearest-neighbor search over
// embedded vectors, scoped per named collection. Two implementations
// exist: bruteforce (in-process cosine similarity, true per-id delete)
// and chromem (wraps the teacher's philippgille/chromem-go dependency).
package vectorindex

import "context"

// Match is one nearest-neighbor hit: the id of the indexed vector and
// its similarity score in [-1, 1] (cosine).
type Match struct {
	ID    string
	Score float64
}

// Index stores vectors under a scope (a collection name such as a
// memory scope) and answers nearest-neighbor queries against it.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert (re)places the vector for id within scope.
	Upsert(ctx context.Context, scope, id string, vector []float32) error

	// Delete removes id from scope. Returns false if it was absent.
	Delete(ctx context.Context, scope, id string) (bool, error)

	// Query returns the top-k ids in scope nearest to vector, sorted by
	// descending score.
	Query(ctx context.Context, scope string, vector []float32, k int) ([]Match, error)

	// Close releases any resources held by the index.
	Close() error
}
