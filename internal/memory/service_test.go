package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/embedding/embedder/mockmodel"
	"github.com/mindfulent/memoryengine/internal/store/memstore"
	"github.com/mindfulent/memoryengine/internal/vectorindex/bruteforce"
)

func newTestService(t *testing.T, cfg ServiceConfig, summ Summarizer) *Service {
	t.Helper()
	st := memstore.New()
	idx := bruteforce.New()
	embSvc, err := embedding.NewService(mockmodel.New(8), embedding.Config{})
	if err != nil {
		t.Fatalf("embedding.NewService: %v", err)
	}
	repo := NewRepository(st, idx, embSvc)
	return NewService(repo, cfg, summ)
}

func TestStoreMemoryAutoCreatesScopeWhenEnabled(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, nil)
	res, err := svc.StoreMemory(context.Background(), "hello there", "Personal/Projects", nil, "", "")
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if res.MemoryID == "" {
		t.Fatalf("expected a memory id")
	}
	if res.Scope != "Personal/Projects" {
		t.Errorf("expected scope echoed back, got %q", res.Scope)
	}
}

func TestStoreMemoryRejectsUnknownScopeWithoutAutoCreate(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: false}, nil)
	_, err := svc.StoreMemory(context.Background(), "hello there", "Nonexistent", nil, "", "")
	if !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
}

func TestStoreMemoryRejectsEmptyContent(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, nil)
	_, err := svc.StoreMemory(context.Background(), "", "Global", nil, "", "")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDeleteMemoryPrecedenceMemoryIDWins(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, nil)
	ctx := context.Background()
	res, err := svc.StoreMemory(ctx, "target message", "Global", nil, "", "")
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	n, err := svc.DeleteMemory(ctx, DeleteCriteria{MemoryID: res.MemoryID, Scope: "Global", Tag: "irrelevant", Query: "irrelevant"})
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted by memory_id precedence, got %d", n)
	}
}

func TestDeleteMemoryRejectsEmptyCriteria(t *testing.T) {
	svc := newTestService(t, ServiceConfig{}, nil)
	_, err := svc.DeleteMemory(context.Background(), DeleteCriteria{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty criteria, got %v", err)
	}
}

func TestDeleteMemoryRejectsInvalidForgetMode(t *testing.T) {
	svc := newTestService(t, ServiceConfig{}, nil)
	_, err := svc.DeleteMemory(context.Background(), DeleteCriteria{MemoryID: "x", ForgetMode: "obliterate"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for invalid forget_mode, got %v", err)
	}
}

func TestDeleteMemorySoftModeStillHardDeletes(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, nil)
	ctx := context.Background()
	res, err := svc.StoreMemory(ctx, "soft delete me", "Global", nil, "", "")
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	n, err := svc.DeleteMemory(ctx, DeleteCriteria{MemoryID: res.MemoryID, ForgetMode: "soft"})
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected soft forget_mode to still hard-delete, got %d", n)
	}
	results, err := svc.SearchByScope(ctx, "Global", "")
	if err != nil {
		t.Fatalf("SearchByScope: %v", err)
	}
	for _, r := range results {
		if r.MemoryID == res.MemoryID {
			t.Fatalf("expected message gone after soft-mode delete, still present: %+v", r)
		}
	}
}

type fakeSummarizer struct {
	text string
	ok   bool
	err  error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []ConversationMessage) (string, bool, error) {
	return f.text, f.ok, f.err
}

func TestCreateConversationSummaryPrefersSummarizer(t *testing.T) {
	summ := &fakeSummarizer{text: "a model-written summary", ok: true}
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, summ)
	ctx := context.Background()

	_, ids, err := svc.StoreConversationHistory(ctx, []ConversationMessage{
		{Speaker: SpeakerUser, Text: "hi"},
		{Speaker: SpeakerAssistant, Text: "hello back"},
	}, "conv-1", "Global")
	if err != nil || len(ids) != 2 {
		t.Fatalf("StoreConversationHistory: ids=%v err=%v", ids, err)
	}

	res, err := svc.CreateConversationSummary(ctx, "conv-1", "", "Global", true)
	if err != nil {
		t.Fatalf("CreateConversationSummary: %v", err)
	}
	if res.SummaryText != "a model-written summary" {
		t.Errorf("expected summarizer's text to win, got %q", res.SummaryText)
	}
	if !res.Generated {
		t.Errorf("expected Generated=true")
	}
}

func TestCreateConversationSummaryFallsBackOnSummarizerDecline(t *testing.T) {
	summ := &fakeSummarizer{ok: false}
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, summ)
	ctx := context.Background()

	_, _, err := svc.StoreConversationHistory(ctx, []ConversationMessage{
		{Speaker: SpeakerUser, Text: "one"},
		{Speaker: SpeakerAssistant, Text: "two"},
	}, "conv-2", "Global")
	if err != nil {
		t.Fatalf("StoreConversationHistory: %v", err)
	}

	res, err := svc.CreateConversationSummary(ctx, "conv-2", "", "Global", true)
	if err != nil {
		t.Fatalf("CreateConversationSummary: %v", err)
	}
	if res.SummaryText == "" {
		t.Errorf("expected a non-empty deterministic fallback summary")
	}
}

func TestCreateConversationSummaryKeepsExplicitText(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, &fakeSummarizer{text: "ignored", ok: true})
	ctx := context.Background()
	_, _, err := svc.StoreConversationHistory(ctx, []ConversationMessage{{Speaker: SpeakerUser, Text: "hi"}}, "conv-3", "Global")
	if err != nil {
		t.Fatalf("StoreConversationHistory: %v", err)
	}

	res, err := svc.CreateConversationSummary(ctx, "conv-3", "an explicit summary", "Global", true)
	if err != nil {
		t.Fatalf("CreateConversationSummary: %v", err)
	}
	if res.SummaryText != "an explicit summary" {
		t.Errorf("expected explicit summary text preserved, got %q", res.SummaryText)
	}
	if res.Generated {
		t.Errorf("expected Generated=false for explicit text")
	}
}

func TestSearchByTagFiltersBySubstring(t *testing.T) {
	svc := newTestService(t, ServiceConfig{AutoCreateScope: true}, nil)
	ctx := context.Background()
	svc.StoreMemory(ctx, "a note about hiking trails", "Global", []string{"outdoors"}, "", "")
	svc.StoreMemory(ctx, "a note about cooking pasta", "Global", []string{"outdoors"}, "", "")

	results, err := svc.SearchByTag(ctx, "outdoors", "hiking")
	if err != nil {
		t.Fatalf("SearchByTag: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result narrowed by substring, got %d", len(results))
	}
}

func TestSearchByScopeRejectsEmptyScope(t *testing.T) {
	svc := newTestService(t, ServiceConfig{}, nil)
	_, err := svc.SearchByScope(context.Background(), "", "")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
