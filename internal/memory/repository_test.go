package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/embedding/embedder/mockmodel"
	"github.com/mindfulent/memoryengine/internal/store"
	"github.com/mindfulent/memoryengine/internal/store/memstore"
	"github.com/mindfulent/memoryengine/internal/vectorindex/bruteforce"
)

func newTestRepository(t *testing.T) (*Repository, store.Store) {
	t.Helper()
	st := memstore.New()
	idx := bruteforce.New()
	embSvc, err := embedding.NewService(mockmodel.New(16), embedding.Config{})
	if err != nil {
		t.Fatalf("embedding.NewService: %v", err)
	}
	return NewRepository(st, idx, embSvc), st
}

// waitForIndexEntries polls until the store's memory_index collection
// contains at least one row for sourceID, or fails the test after a
// short timeout. newTestRepository's zero embedding.Config runs
// embedding synchronously, but this stays a poll so tests that exercise
// semantic search do not depend on that detail.
func waitForIndexEntries(t *testing.T, st store.Store, sourceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := st.FindIndexEntries(context.Background(), store.Filter{"source_id": sourceID})
		if err != nil {
			t.Fatalf("FindIndexEntries: %v", err)
		}
		if len(entries) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for embedding index entry for %s", sourceID)
}

func TestStoreMessageIndexesAsynchronously(t *testing.T) {
	repo, st := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.StoreMessage(ctx, ConversationMessage{
		Text:      "the quick brown fox jumps over the lazy dog",
		Scope:     "Global",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	waitForIndexEntries(t, st, id)
}

func TestDeleteMessageCascadesIndexAndVector(t *testing.T) {
	repo, st := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.StoreMessage(ctx, ConversationMessage{Text: "delete me please", Scope: "Global", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	waitForIndexEntries(t, st, id)

	ok, err := repo.DeleteMessage(ctx, id)
	if err != nil || !ok {
		t.Fatalf("DeleteMessage: ok=%v err=%v", ok, err)
	}

	entries, err := st.FindIndexEntries(ctx, store.Filter{"source_id": id})
	if err != nil {
		t.Fatalf("FindIndexEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected index entry purged on delete, got %+v", entries)
	}
	msg, err := st.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg != nil {
		t.Errorf("expected message removed, got %+v", msg)
	}
}

func TestLexicalSearchMatchesSubstring(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	repo.StoreMessage(ctx, ConversationMessage{Text: "I love Go programming", Scope: "Global", Timestamp: time.Now()})
	repo.StoreMessage(ctx, ConversationMessage{Text: "Python is also nice", Scope: "Global", Timestamp: time.Now()})

	results, err := repo.LexicalSearch(ctx, "go programming", "", nil, nil, nil)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 lexical match, got %d", len(results))
	}
	if results[0].Score != 1.0 {
		t.Errorf("expected lexical matches to score 1.0, got %f", results[0].Score)
	}
}

func TestHybridSearchPrefersLexicalOnConflict(t *testing.T) {
	repo, st := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.StoreMessage(ctx, ConversationMessage{Text: "unique phrase about kayaking", Scope: "Global", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	waitForIndexEntries(t, st, id)

	results, err := repo.HybridSearch(ctx, "unique phrase about kayaking", "Global", 5, DefaultSemanticThreshold)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Message.ID == id {
			found = true
			if r.Score != 1.0 {
				t.Errorf("expected lexical score 1.0 to win over semantic score, got %f", r.Score)
			}
		}
	}
	if !found {
		t.Fatalf("expected stored message in hybrid results, got %+v", results)
	}
}

func TestDeleteMessagesByTagCascades(t *testing.T) {
	repo, st := newTestRepository(t)
	ctx := context.Background()

	id1, _ := repo.StoreMessage(ctx, ConversationMessage{Text: "tagged one", Scope: "Global", Tags: []string{"work"}, Timestamp: time.Now()})
	_, _ = repo.StoreMessage(ctx, ConversationMessage{Text: "untagged", Scope: "Global", Timestamp: time.Now()})
	waitForIndexEntries(t, st, id1)

	n, err := repo.DeleteMessagesByTag(ctx, "work")
	if err != nil {
		t.Fatalf("DeleteMessagesByTag: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted message, got %d", n)
	}
	entries, _ := st.FindIndexEntries(ctx, store.Filter{"source_id": id1})
	if len(entries) != 0 {
		t.Errorf("expected tag-deleted message's index entry purged, got %+v", entries)
	}
}

func TestStoreBatchSharesConversationID(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	convID, ids, err := repo.StoreBatch(ctx, []ConversationMessage{
		{Speaker: SpeakerUser, Text: "hi"},
		{Speaker: SpeakerAssistant, Text: "hello"},
	}, "", "")
	if err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	if convID == "" {
		t.Fatalf("expected a generated conversation id")
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 stored ids, got %d", len(ids))
	}

	history, err := repo.GetConversationHistory(ctx, convID, 0, 0)
	if err != nil {
		t.Fatalf("GetConversationHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages in history, got %d", len(history))
	}
}
