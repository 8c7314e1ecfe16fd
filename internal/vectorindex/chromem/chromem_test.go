package chromem

import (
	"context"
	"testing"
)

func TestUpsertAndQuery(t *testing.T) {
	idx := New()
	ctx := context.Background()

	if err := idx.Upsert(ctx, "scope1", "a", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "scope1", "b", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Query(ctx, "scope1", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "a" {
		t.Errorf("expected 'a' to be the closest match, got %s", matches[0].ID)
	}
}

func TestDeleteRebuildsCollection(t *testing.T) {
	idx := New()
	ctx := context.Background()
	idx.Upsert(ctx, "scope1", "a", []float32{1, 0})
	idx.Upsert(ctx, "scope1", "b", []float32{0, 1})

	ok, err := idx.Delete(ctx, "scope1", "a")
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	matches, err := idx.Query(ctx, "scope1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Query after delete: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "b" {
		t.Fatalf("expected only 'b' to survive delete, got %+v", matches)
	}
}

func TestDeleteAbsentIDReturnsFalse(t *testing.T) {
	idx := New()
	ok, err := idx.Delete(context.Background(), "scope1", "missing")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Errorf("expected false for a delete of an absent id")
	}
}

func TestQueryClampsKToCollectionSize(t *testing.T) {
	idx := New()
	ctx := context.Background()
	idx.Upsert(ctx, "scope1", "a", []float32{1, 0})

	matches, err := idx.Query(ctx, "scope1", []float32{1, 0}, 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected k clamped to the single live document, got %d matches", len(matches))
	}
}

func TestQueryEmptyScopeReturnsNil(t *testing.T) {
	idx := New()
	matches, err := idx.Query(context.Background(), "unknown", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches for an unknown scope, got %+v", matches)
	}
}
