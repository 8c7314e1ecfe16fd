package mongostore

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mindfulent/memoryengine/internal/memory"
	"github.com/mindfulent/memoryengine/internal/store"
)

// Full CRUD paths require a live MongoDB deployment and are not covered
// by this repository's tests; these cover the pure translation and
// error-classification helpers that don't need a connection.

func TestFilterToBSONTranslatesInOperator(t *testing.T) {
	out := filterToBSON(store.Filter{"scope": store.In{Values: []any{"Work", "Personal"}}})
	m, ok := out["scope"].(bson.M)
	if !ok {
		t.Fatalf("expected bson.M for 'scope', got %T", out["scope"])
	}
	if _, ok := m["$in"]; !ok {
		t.Errorf("expected $in operator, got %+v", m)
	}
}

func TestFilterToBSONTranslatesRegexOperator(t *testing.T) {
	out := filterToBSON(store.Filter{"text": store.Regex{Pattern: "hello"}})
	m, ok := out["text"].(bson.M)
	if !ok {
		t.Fatalf("expected bson.M for 'text', got %T", out["text"])
	}
	if m["$regex"] != "hello" || m["$options"] != "i" {
		t.Errorf("expected case-insensitive regex operator, got %+v", m)
	}
}

func TestFilterToBSONTranslatesRangeMatchOperator(t *testing.T) {
	from := time.Now().Add(-time.Hour)
	to := time.Now()
	out := filterToBSON(store.Filter{"timestamp": store.RangeMatch{From: from, To: to}})
	m, ok := out["timestamp"].(bson.M)
	if !ok {
		t.Fatalf("expected bson.M for 'timestamp', got %T", out["timestamp"])
	}
	if m["$gte"] != from || m["$lte"] != to {
		t.Errorf("expected $gte/$lte range, got %+v", m)
	}
}

func TestFilterToBSONPassesThroughPlainValues(t *testing.T) {
	out := filterToBSON(store.Filter{"conversation_id": "conv-123"})
	if out["conversation_id"] != "conv-123" {
		t.Errorf("expected plain passthrough value, got %+v", out["conversation_id"])
	}
}

func TestToFindOptionsAppliesSortLimitOffset(t *testing.T) {
	opts := toFindOptions(store.FindOptions{SortField: "timestamp", SortDesc: true, Limit: 10, Offset: 5})
	if opts.Sort == nil {
		t.Fatalf("expected a sort to be set")
	}
	if opts.Limit == nil || *opts.Limit != 10 {
		t.Errorf("expected limit 10, got %v", opts.Limit)
	}
	if opts.Skip == nil || *opts.Skip != 5 {
		t.Errorf("expected skip 5, got %v", opts.Skip)
	}
}

func TestScopeDocRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sc := memory.Scope{
		ID:          "scope-id-1",
		ScopeName:   "Work",
		Description: "work stuff",
		CreatedAt:   now,
		Active:      true,
		ParentScope: "",
	}
	doc := scopeDoc(sc)
	if doc["type"] != "scope" {
		t.Errorf("expected tagged type=scope document, got %+v", doc)
	}

	got := scopeFromDoc(doc)
	if got.ID != sc.ID || got.ScopeName != sc.ScopeName || got.Description != sc.Description || got.Active != sc.Active {
		t.Errorf("expected round-tripped scope to match, got %+v want %+v", got, sc)
	}
	if !got.CreatedAt.Equal(sc.CreatedAt) {
		t.Errorf("expected CreatedAt round-trip, got %v want %v", got.CreatedAt, sc.CreatedAt)
	}
}

func TestClassifyWriteFoldsDuplicateKeyIntoIntegrityError(t *testing.T) {
	we := mongo.WriteException{
		WriteErrors: mongo.WriteErrors{
			{Code: 11000, Message: "duplicate key"},
		},
	}
	err := classifyWrite("insert scope", we)
	if !errors.Is(err, memory.ErrStoreIntegrity) {
		t.Fatalf("expected ErrStoreIntegrity for a duplicate-key write exception, got %v", err)
	}
}

func TestClassifyWriteFoldsOtherErrorsIntoStoreError(t *testing.T) {
	err := classifyWrite("insert message", errors.New("connection reset"))
	if !errors.Is(err, memory.ErrStoreError) {
		t.Fatalf("expected ErrStoreError for a non-duplicate-key failure, got %v", err)
	}
}

func TestClassifyWriteNonDuplicateWriteExceptionIsStoreError(t *testing.T) {
	we := mongo.WriteException{
		WriteErrors: mongo.WriteErrors{
			{Code: 121, Message: "document validation failure"},
		},
	}
	err := classifyWrite("insert message", we)
	if !errors.Is(err, memory.ErrStoreError) {
		t.Fatalf("expected ErrStoreError for a non-duplicate-key write exception, got %v", err)
	}
	if errors.Is(err, memory.ErrStoreIntegrity) {
		t.Fatalf("did not expect ErrStoreIntegrity for a validation-failure write exception")
	}
}
