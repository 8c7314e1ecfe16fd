package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mindfulent/memoryengine/internal/store"
)

// Summarizer is the optional model-backed collaborator
// create_conversation_summary prefers over the deterministic fallback.
// ok=false means the summarizer declined (disabled, not configured, or
// the call itself failed) and the caller should fall back.
type Summarizer interface {
	Summarize(ctx context.Context, messages []ConversationMessage) (text string, ok bool, err error)
}

// ServiceConfig carries the service's defaults, sourced from
// configuration keys memory.default_scope / memory.auto_create_scope.
type ServiceConfig struct {
	DefaultScope    string
	AutoCreateScope bool
}

// Service is the thin contract layer above Repository: it applies
// defaults, resolves scopes (auto-creating when enabled), returns
// wire-shaped result structs (the dispatcher adds the `{status, ...}`
// envelope), and implements delete-by-precedence
// and the conversation-summary fallback. Grounded on original_source's
// MemoryService (core/memory_service.py).
type Service struct {
	repo       *Repository
	cfg        ServiceConfig
	summarizer Summarizer
}

// NewService wires a Service over its Repository and optional Summarizer.
func NewService(repo *Repository, cfg ServiceConfig, summarizer Summarizer) *Service {
	if cfg.DefaultScope == "" {
		cfg.DefaultScope = "Global"
	}
	return &Service{repo: repo, cfg: cfg, summarizer: summarizer}
}

// StoreResult is store_memory's wire-shaped response.
type StoreResult struct {
	MemoryID string
	Scope    string
}

// StoreMemory applies scope defaults/auto-creation then stores one message.
func (s *Service) StoreMemory(ctx context.Context, content, scope string, tags []string, conversationID string, speaker Speaker) (StoreResult, error) {
	if content == "" {
		return StoreResult{}, fmt.Errorf("store memory: %w", ErrInvalidRequest)
	}
	scope, err := s.resolveScope(ctx, scope)
	if err != nil {
		return StoreResult{}, err
	}
	if conversationID == "" {
		conversationID = newConversationID()
	}
	if speaker == "" {
		speaker = SpeakerUser
	}

	id, err := s.repo.StoreMessage(ctx, ConversationMessage{
		ConversationID: conversationID,
		Speaker:        speaker,
		Text:           content,
		Scope:          scope,
		Tags:           tags,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return StoreResult{}, err
	}
	return StoreResult{MemoryID: id, Scope: scope}, nil
}

// RetrievalResult is one row of retrieve_memory / search_by_tag / search_by_scope.
type RetrievalResult struct {
	Text       string
	Source     string
	Timestamp  time.Time
	Scope      string
	Tags       []string
	Confidence float64
	MemoryID   string
}

// RetrieveMemory runs hybrid search and applies tag/time-range filters post-hoc.
func (s *Service) RetrieveMemory(ctx context.Context, query, scope string, tags []string, from, to *time.Time, topK int) ([]RetrievalResult, error) {
	if query == "" {
		return nil, fmt.Errorf("retrieve memory: %w", ErrInvalidRequest)
	}
	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	if topK <= 0 {
		topK = 5
	}

	scored, err := s.repo.HybridSearch(ctx, query, scope, topK, DefaultSemanticThreshold)
	if err != nil {
		return nil, err
	}

	msgs := make([]ConversationMessage, len(scored))
	for i, sc := range scored {
		msgs[i] = sc.Message
	}
	msgs = filterByTags(msgs, tags)
	msgs = filterByTimeRange(msgs, from, to)

	scoreByID := make(map[string]float64, len(scored))
	for _, sc := range scored {
		scoreByID[sc.Message.ID] = sc.Score
	}

	out := make([]RetrievalResult, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toRetrievalResult(m, scoreByID[m.ID]))
	}
	return out, nil
}

// SearchByTag returns every message carrying tag, optionally narrowed by
// a simple case-insensitive substring query.
func (s *Service) SearchByTag(ctx context.Context, tag, query string) ([]RetrievalResult, error) {
	if tag == "" {
		return nil, fmt.Errorf("search by tag: %w", ErrInvalidRequest)
	}
	msgs, err := s.repo.store.FindMessages(ctx, store.Filter{"tags": tag}, store.FindOptions{})
	if err != nil {
		return nil, store.Failure("search by tag", err)
	}
	msgs = filterBySubstring(msgs, query)
	return toRetrievalResults(msgs), nil
}

// SearchByScope returns every message in scope, optionally narrowed by
// a simple case-insensitive substring query.
func (s *Service) SearchByScope(ctx context.Context, scope, query string) ([]RetrievalResult, error) {
	if scope == "" {
		return nil, fmt.Errorf("search by scope: %w", ErrInvalidRequest)
	}
	msgs, err := s.repo.store.FindMessages(ctx, store.Filter{"scope": scope}, store.FindOptions{})
	if err != nil {
		return nil, store.Failure("search by scope", err)
	}
	msgs = filterBySubstring(msgs, query)
	return toRetrievalResults(msgs), nil
}

// DeleteCriteria names the deletion target; exactly one field is
// considered, in precedence order MemoryID > Scope > Tag > Query.
type DeleteCriteria struct {
	MemoryID   string
	Scope      string
	Tag        string
	Query      string
	ForgetMode string // "soft" | "hard"; every delete is hard regardless (see DESIGN.md)
}

// DeleteMemory dispatches by criterion precedence: memory_id > scope >
// tag > query. At least one criterion must be set; when several are
// set, only the highest-precedence one is used.
func (s *Service) DeleteMemory(ctx context.Context, c DeleteCriteria) (int, error) {
	if c.MemoryID == "" && c.Scope == "" && c.Tag == "" && c.Query == "" {
		return 0, fmt.Errorf("delete memory: %w", ErrInvalidRequest)
	}
	if c.ForgetMode != "" && c.ForgetMode != "soft" && c.ForgetMode != "hard" {
		return 0, fmt.Errorf("delete memory: invalid forget_mode: %w", ErrInvalidRequest)
	}
	if c.ForgetMode == "soft" {
		log.Printf("[REPOSITORY] forget_mode=soft requested; performing hard delete (soft-delete semantics unspecified)")
	}

	switch {
	case c.MemoryID != "":
		deleted, err := s.repo.DeleteMessage(ctx, c.MemoryID)
		if err != nil {
			return 0, err
		}
		if deleted {
			return 1, nil
		}
		return 0, nil
	case c.Scope != "":
		return s.repo.DeleteMessagesByScope(ctx, c.Scope)
	case c.Tag != "":
		return s.repo.DeleteMessagesByTag(ctx, c.Tag)
	default: // c.Query != ""
		matches, err := s.repo.LexicalSearch(ctx, c.Query, "", nil, nil, nil)
		if err != nil {
			return 0, err
		}
		deleted := 0
		for _, m := range matches {
			ok, err := s.repo.DeleteMessage(ctx, m.Message.ID)
			if err != nil {
				continue
			}
			if ok {
				deleted++
			}
		}
		return deleted, nil
	}
}

// GetMemoryStats reports the store's aggregate statistics.
func (s *Service) GetMemoryStats(ctx context.Context) (store.Stats, error) {
	return s.repo.Stats(ctx)
}

// StoreConversationHistory stores a batch of messages under one conversation.
func (s *Service) StoreConversationHistory(ctx context.Context, messages []ConversationMessage, conversationID, scope string) (string, []string, error) {
	scope, err := s.resolveScope(ctx, scope)
	if err != nil {
		return "", nil, err
	}
	return s.repo.StoreBatch(ctx, messages, conversationID, scope)
}

// GetConversationHistory returns conversationID's messages, in order.
func (s *Service) GetConversationHistory(ctx context.Context, conversationID string, limit, offset int) ([]ConversationMessage, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("get conversation history: %w", ErrInvalidRequest)
	}
	return s.repo.GetConversationHistory(ctx, conversationID, limit, offset)
}

// GetConversationsList returns recent conversation aggregates.
func (s *Service) GetConversationsList(ctx context.Context, limit int, scope string, includeMessages bool) ([]ConversationSummaryInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.repo.ListConversations(ctx, limit, scope, includeMessages)
}

// CreateSummaryResult is create_conversation_summary's wire-shaped response.
type CreateSummaryResult struct {
	SummaryID   string
	SummaryText string
	Generated   bool
}

// CreateConversationSummary fetches conversationID's messages and, if
// summaryText is absent and generateSummary is true, prefers an
// optional Summarizer before falling back to the deterministic
// statistical summary.
func (s *Service) CreateConversationSummary(ctx context.Context, conversationID, summaryText, scope string, generateSummary bool) (CreateSummaryResult, error) {
	if conversationID == "" {
		return CreateSummaryResult{}, fmt.Errorf("create conversation summary: %w", ErrInvalidRequest)
	}
	messages, err := s.repo.GetConversationHistory(ctx, conversationID, 0, 0)
	if err != nil {
		return CreateSummaryResult{}, err
	}

	generated := false
	if summaryText == "" && generateSummary {
		if s.summarizer != nil {
			text, ok, sErr := s.summarizer.Summarize(ctx, messages)
			if sErr != nil {
				log.Printf("[REPOSITORY] summarizer failed, falling back to deterministic summary: %v", sErr)
			}
			if ok && sErr == nil {
				summaryText = text
				generated = true
			}
		}
		if summaryText == "" {
			summaryText = deterministicSummary(messages)
			generated = true
		}
	}

	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	var from, to time.Time
	var refs []string
	for i, m := range messages {
		if i == 0 {
			from = m.Timestamp
		}
		to = m.Timestamp
		refs = append(refs, m.ID)
	}

	id, err := s.repo.StoreSummary(ctx, Summary{
		ConversationID: conversationID,
		SummaryText:    summaryText,
		Scope:          scope,
		Timestamp:      time.Now(),
		TimeRange:      TimeRange{From: from, To: to},
		MessageRefs:    refs,
	})
	if err != nil {
		return CreateSummaryResult{}, err
	}

	return CreateSummaryResult{SummaryID: id, SummaryText: summaryText, Generated: generated}, nil
}

// GetConversationSummaries returns conversationID's summaries if given,
// otherwise the most recent summaries across all conversations.
func (s *Service) GetConversationSummaries(ctx context.Context, conversationID string, limit int, scope string) ([]Summary, error) {
	if conversationID != "" {
		return s.repo.SummariesByConversation(ctx, conversationID)
	}
	if limit <= 0 {
		limit = 10
	}
	return s.repo.LatestSummaries(ctx, limit, scope)
}

// resolveScope defaults an empty scope, then creates it if absent and
// auto-creation is enabled, or fails with UnknownScope otherwise.
func (s *Service) resolveScope(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	existing, err := s.repo.store.GetScopeByName(ctx, scope)
	if err != nil {
		return "", store.Failure("get scope", err)
	}
	if existing != nil {
		return scope, nil
	}
	if !s.cfg.AutoCreateScope {
		return "", fmt.Errorf("scope %q: %w", scope, ErrUnknownScope)
	}
	log.Printf("[REPOSITORY] auto-creating scope: %s", scope)
	_, err = s.repo.store.InsertScope(ctx, Scope{
		ScopeName:   scope,
		Description: fmt.Sprintf("Auto-created scope: %s", scope),
		CreatedAt:   time.Now(),
		Active:      true,
	})
	if err != nil {
		return "", store.Failure("create scope", err)
	}
	return scope, nil
}

func toRetrievalResult(m ConversationMessage, score float64) RetrievalResult {
	if score == 0 {
		score = 1.0
	}
	return RetrievalResult{
		Text:       m.Text,
		Source:     "conversation",
		Timestamp:  m.Timestamp,
		Scope:      m.Scope,
		Tags:       m.Tags,
		Confidence: score,
		MemoryID:   m.ID,
	}
}

func toRetrievalResults(msgs []ConversationMessage) []RetrievalResult {
	out := make([]RetrievalResult, len(msgs))
	for i, m := range msgs {
		out[i] = toRetrievalResult(m, 1.0)
	}
	return out
}

func filterBySubstring(msgs []ConversationMessage, query string) []ConversationMessage {
	if query == "" {
		return msgs
	}
	q := strings.ToLower(query)
	out := msgs[:0:0]
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, m)
		}
	}
	return out
}
