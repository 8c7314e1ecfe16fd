package memory

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/store"
	"github.com/mindfulent/memoryengine/internal/vectorindex"
)

// DefaultSemanticThreshold is the minimum cosine similarity a semantic
// candidate must clear to be returned.
const DefaultSemanticThreshold = 0.3

// Repository owns the data model invariants and the retrieval
// pipeline: it is the only component that writes to the store and the
// vector index, and it keeps the two consistent across the async
// embedding path. Grounded on original_source's MemoryRepository
// (core/memory_repository.py), generalized from its single
// threading.RLock-guarded pending_operations dict to a per-source-id
// generation counter so a superseding job can detect and discard a
// stale in-flight result without blocking the newer one.
type Repository struct {
	store    store.Store
	index    vectorindex.Index
	embedder *embedding.Service

	mu         sync.Mutex
	generation map[string]uint64 // source_id -> latest requested generation
}

// NewRepository wires a Repository over its three collaborators.
func NewRepository(st store.Store, idx vectorindex.Index, emb *embedding.Service) *Repository {
	return &Repository{
		store:      st,
		index:      idx,
		embedder:   emb,
		generation: make(map[string]uint64),
	}
}

// nextGeneration bumps and returns source's embedding generation
// counter. A job only commits its result if its generation is still
// the latest one recorded for source when it completes.
func (r *Repository) nextGeneration(source string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation[source]++
	return r.generation[source]
}

func (r *Repository) isCurrentGeneration(source string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation[source] == gen
}

// StoreMessage inserts msg and enqueues an async embedding job. The
// returned id is always populated even if embedding ultimately fails;
// per spec the document remains indexable by lexical search only
// (graceful degradation).
func (r *Repository) StoreMessage(ctx context.Context, msg ConversationMessage) (string, error) {
	id, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		return "", store.Failure("insert message", err)
	}
	msg.ID = id
	r.queueEmbedding(msg.Text, SourceConversationHistory, id, msg.Scope)
	return id, nil
}

// UpdateMessage rewrites msg's fields and refreshes its embedding.
func (r *Repository) UpdateMessage(ctx context.Context, msg ConversationMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("update message: %w", ErrInvalidRequest)
	}
	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return store.Failure("update message", err)
	}
	r.queueEmbedding(msg.Text, SourceConversationHistory, msg.ID, msg.Scope)
	return nil
}

// queueEmbedding runs embedding generation in the background and
// commits the resulting VectorIndexEntry only if no newer job for the
// same source id has started in the meantime.
func (r *Repository) queueEmbedding(text string, src SourceCollection, sourceID, scope string) {
	gen := r.nextGeneration(sourceID)
	ctx := context.Background()
	r.embedder.EmbedAsync(ctx, text, func(vec []float32, err error) {
		if err != nil {
			log.Printf("[REPOSITORY] embedding unavailable for %s: %v", sourceID, err)
			return
		}
		if !r.isCurrentGeneration(sourceID, gen) {
			log.Printf("[REPOSITORY] discarding superseded embedding for %s", sourceID)
			return
		}
		preview := text
		if len(preview) > 100 {
			preview = preview[:100]
		}
		entry := VectorIndexEntry{
			Embedding:        vec,
			SourceCollection: src,
			SourceID:         sourceID,
			Scope:            scope,
			Metadata: VectorEntryMeta{
				TextPreview: preview,
				Timestamp:   time.Now(),
				UpdatedAt:   time.Now(),
			},
		}
		if err := r.store.ReplaceIndexEntryBySource(ctx, entry); err != nil {
			log.Printf("[REPOSITORY] failed to write index entry for %s: %v", sourceID, err)
			return
		}
		if err := r.index.Upsert(ctx, scope, sourceID, vec); err != nil {
			log.Printf("[REPOSITORY] failed to upsert vector for %s: %v", sourceID, err)
		}
	})
}

// DeleteMessage removes msg and its index entry, in that order.
func (r *Repository) DeleteMessage(ctx context.Context, id string) (bool, error) {
	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return false, store.Failure("get message", err)
	}
	deleted, err := r.store.DeleteMessage(ctx, id)
	if err != nil {
		return false, store.Failure("delete message", err)
	}
	if !deleted {
		return false, nil
	}
	r.purgeIndexEntry(ctx, id, msg)
	return true, nil
}

func (r *Repository) purgeIndexEntry(ctx context.Context, sourceID string, msg *ConversationMessage) {
	if _, err := r.store.DeleteIndexEntryBySource(ctx, sourceID); err != nil {
		log.Printf("[REPOSITORY] failed to delete index entry for %s: %v", sourceID, err)
	}
	if msg != nil {
		if _, err := r.index.Delete(ctx, msg.Scope, sourceID); err != nil {
			log.Printf("[REPOSITORY] failed to delete vector for %s: %v", sourceID, err)
		}
	}
}

// DeleteMessagesByScope removes every message in scope and their index rows.
func (r *Repository) DeleteMessagesByScope(ctx context.Context, scope string) (int, error) {
	ids, err := r.store.DeleteMessages(ctx, store.Filter{"scope": scope})
	if err != nil {
		return 0, store.Failure("delete messages by scope", err)
	}
	for _, id := range ids {
		r.purgeIndexEntry(ctx, id, &ConversationMessage{Scope: scope})
	}
	return len(ids), nil
}

// DeleteMessagesByTag removes every message carrying tag and their index rows.
func (r *Repository) DeleteMessagesByTag(ctx context.Context, tag string) (int, error) {
	matches, err := r.store.FindMessages(ctx, store.Filter{"tags": tag}, store.FindOptions{})
	if err != nil {
		return 0, store.Failure("find messages by tag", err)
	}
	ids, err := r.store.DeleteMessages(ctx, store.Filter{"tags": tag})
	if err != nil {
		return 0, store.Failure("delete messages by tag", err)
	}
	scopeByID := make(map[string]string, len(matches))
	for _, m := range matches {
		scopeByID[m.ID] = m.Scope
	}
	for _, id := range ids {
		r.purgeIndexEntry(ctx, id, &ConversationMessage{Scope: scopeByID[id]})
	}
	return len(ids), nil
}

// LexicalSearch performs a case-insensitive substring match on text,
// optionally filtered by scope, tags, and time range. Matches score 1.0.
func (r *Repository) LexicalSearch(ctx context.Context, query, scope string, tags []string, from, to *time.Time) ([]ScoredMessage, error) {
	f := store.Filter{"text": store.Regex{Pattern: regexp.QuoteMeta(query)}}
	if scope != "" {
		f["scope"] = scope
	}
	msgs, err := r.store.FindMessages(ctx, f, store.FindOptions{})
	if err != nil {
		return nil, store.Failure("lexical search", err)
	}
	msgs = filterByTags(msgs, tags)
	msgs = filterByTimeRange(msgs, from, to)

	out := make([]ScoredMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ScoredMessage{Message: m, Score: 1.0}
	}
	return out, nil
}

// SemanticSearch embeds query, scores candidate VectorIndexEntry rows
// in scope by cosine similarity, and returns the top-k above threshold.
func (r *Repository) SemanticSearch(ctx context.Context, query, scope string, topK int, threshold float64) ([]ScoredMessage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[REPOSITORY] semantic search embedding unavailable: %v", err)
		return nil, nil
	}

	f := store.Filter{"source_collection": string(SourceConversationHistory)}
	if scope != "" {
		f["scope"] = scope
	}

	matches, err := r.index.Query(ctx, scope, vec, topK)
	if err != nil {
		return nil, store.Failure("vector query", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	entries, err := r.store.FindIndexEntries(ctx, f)
	if err != nil {
		return nil, store.Failure("find index entries", err)
	}
	scoreByID := make(map[string]float64, len(matches))
	for _, m := range matches {
		scoreByID[m.ID] = m.Score
	}

	var out []ScoredMessage
	for _, e := range entries {
		score, ok := scoreByID[e.SourceID]
		if !ok || score < threshold {
			continue
		}
		msg, err := r.store.GetMessage(ctx, e.SourceID)
		if err != nil || msg == nil {
			continue
		}
		out = append(out, ScoredMessage{Message: *msg, Score: score})
	}
	sortScored(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// HybridSearch unions lexical and semantic results, deduplicating by
// message id and preferring the lexical score on conflict.
func (r *Repository) HybridSearch(ctx context.Context, query, scope string, topK int, threshold float64) ([]ScoredMessage, error) {
	lexical, err := r.LexicalSearch(ctx, query, scope, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	semantic, err := r.SemanticSearch(ctx, query, scope, topK, threshold)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(lexical))
	out := make([]ScoredMessage, 0, len(lexical)+len(semantic))
	for _, m := range lexical {
		seen[m.Message.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range semantic {
		if _, ok := seen[m.Message.ID]; ok {
			continue
		}
		seen[m.Message.ID] = struct{}{}
		out = append(out, m)
	}
	sortScored(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// StoreBatch stores messages in order under one conversation, defaulting
// conversation_id and scope when absent.
func (r *Repository) StoreBatch(ctx context.Context, messages []ConversationMessage, conversationID, scope string) (string, []string, error) {
	if conversationID == "" {
		conversationID = newConversationID()
	}
	if scope == "" {
		scope = "Global"
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		m.ConversationID = conversationID
		m.Scope = scope
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		id, err := r.StoreMessage(ctx, m)
		if err != nil {
			return conversationID, ids, err
		}
		ids = append(ids, id)
	}
	return conversationID, ids, nil
}

// GetConversationHistory returns conversationID's messages in timestamp order.
func (r *Repository) GetConversationHistory(ctx context.Context, conversationID string, limit, offset int) ([]ConversationMessage, error) {
	msgs, err := r.store.FindMessages(ctx, store.Filter{"conversation_id": conversationID}, store.FindOptions{
		SortField: "timestamp",
		SortDesc:  false,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, store.Failure("get conversation history", err)
	}
	return msgs, nil
}

// ListConversations groups conversation_history by conversation_id and
// returns per-conversation aggregates, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, limit int, scope string, includeMessages bool) ([]ConversationSummaryInfo, error) {
	f := store.Filter{}
	if scope != "" {
		f["scope"] = scope
	}
	msgs, err := r.store.FindMessages(ctx, f, store.FindOptions{})
	if err != nil {
		return nil, store.Failure("list conversations", err)
	}

	byConv := make(map[string]*ConversationSummaryInfo)
	order := make([]string, 0)
	for _, m := range msgs {
		info, ok := byConv[m.ConversationID]
		if !ok {
			info = &ConversationSummaryInfo{
				ConversationID: m.ConversationID,
				FirstTimestamp: m.Timestamp,
				LastTimestamp:  m.Timestamp,
				Scope:          m.Scope,
			}
			first := m
			info.FirstMessage = &first
			byConv[m.ConversationID] = info
			order = append(order, m.ConversationID)
		}
		info.MessageCount++
		if m.Timestamp.Before(info.FirstTimestamp) {
			info.FirstTimestamp = m.Timestamp
		}
		if m.Timestamp.After(info.LastTimestamp) {
			info.LastTimestamp = m.Timestamp
		}
	}

	out := make([]ConversationSummaryInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byConv[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp.After(out[j].LastTimestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	if includeMessages {
		for i := range out {
			preview, err := r.GetConversationHistory(ctx, out[i].ConversationID, 3, 0)
			if err == nil {
				out[i].PreviewMessages = preview
			}
		}
	}
	return out, nil
}

// StoreSummary stores summary and queues its embedding job.
func (r *Repository) StoreSummary(ctx context.Context, sm Summary) (string, error) {
	id, err := r.store.InsertSummary(ctx, sm)
	if err != nil {
		return "", store.Failure("insert summary", err)
	}
	sm.ID = id
	r.queueEmbedding(sm.SummaryText, SourceSummaries, id, sm.Scope)
	return id, nil
}

// SummariesByConversation returns conversationID's summaries, newest first.
func (r *Repository) SummariesByConversation(ctx context.Context, conversationID string) ([]Summary, error) {
	sms, err := r.store.FindSummaries(ctx, store.Filter{"conversation_id": conversationID}, store.FindOptions{SortField: "timestamp", SortDesc: true})
	if err != nil {
		return nil, store.Failure("find summaries", err)
	}
	return sms, nil
}

// LatestSummaries returns the newest summaries, optionally filtered by scope.
func (r *Repository) LatestSummaries(ctx context.Context, limit int, scope string) ([]Summary, error) {
	f := store.Filter{}
	if scope != "" {
		f["scope"] = scope
	}
	sms, err := r.store.FindSummaries(ctx, f, store.FindOptions{SortField: "timestamp", SortDesc: true, Limit: limit})
	if err != nil {
		return nil, store.Failure("latest summaries", err)
	}
	return sms, nil
}

// Stats reports the store's aggregate statistics.
func (r *Repository) Stats(ctx context.Context) (store.Stats, error) {
	st, err := r.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, store.Failure("stats", err)
	}
	return st, nil
}

// TopTags reports the n most frequent tags across conversation_history.
func (r *Repository) TopTags(ctx context.Context, n int) ([]store.TagCount, error) {
	tags, err := r.store.TopTags(ctx, n)
	if err != nil {
		return nil, store.Failure("top tags", err)
	}
	return tags, nil
}

func filterByTags(msgs []ConversationMessage, tags []string) []ConversationMessage {
	if len(tags) == 0 {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if hasAllTags(m.Tags, tags) {
			out = append(out, m)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func filterByTimeRange(msgs []ConversationMessage, from, to *time.Time) []ConversationMessage {
	if from == nil || to == nil {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.Timestamp.Before(*from) && !m.Timestamp.After(*to) {
			out = append(out, m)
		}
	}
	return out
}

func sortScored(ms []ScoredMessage) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		if !ms[i].Message.Timestamp.Equal(ms[j].Message.Timestamp) {
			return ms[i].Message.Timestamp.After(ms[j].Message.Timestamp)
		}
		return ms[i].Message.ID < ms[j].Message.ID
	})
}

func newConversationID() string {
	return uuid.New().String()
}
