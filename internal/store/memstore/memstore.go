// Package memstore is the embedded, in-process Store implementation
// (database.mode = "embedded"). It is grounded on the teacher's
// per-collection map pattern in memory/store/chromem/chromem.go
// (one map entry per logical namespace, guarded by sync.RWMutex) and on
// original_source's db/mock_mongo.py for filter semantics: flat-field
// equality, store.In, and case-insensitive store.Regex on text fields.
package memstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mindfulent/memoryengine/internal/memory"
	"github.com/mindfulent/memoryengine/internal/store"
)

// Store is an in-memory implementation of store.Store. Safe for
// concurrent use; every mutation and iteration happens under mu.
type Store struct {
	mu sync.RWMutex

	messages map[string]memory.ConversationMessage
	summaries map[string]memory.Summary
	index    map[string]memory.VectorIndexEntry // keyed by id
	scopes   map[string]memory.Scope            // keyed by scope_name
	profile  map[string]memory.UserProfileItem  // keyed by id
}

// New creates an empty embedded store.
func New() *Store {
	return &Store{
		messages:  make(map[string]memory.ConversationMessage),
		summaries: make(map[string]memory.Summary),
		index:     make(map[string]memory.VectorIndexEntry),
		scopes:    make(map[string]memory.Scope),
		profile:   make(map[string]memory.UserProfileItem),
	}
}

func newID() string { return uuid.New().String() }

// EnsureIndexes is a no-op: the in-memory maps above already provide the
// access patterns the required secondary indexes exist for.
func (s *Store) EnsureIndexes(ctx context.Context) error { return nil }

// Close releases no resources; the embedded store lives for the process.
func (s *Store) Close() error { return nil }

// --- conversation_history ---

func (s *Store) InsertMessage(ctx context.Context, m memory.ConversationMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = newID()
	}
	m.Tags = dedupTags(m.Tags)
	s.messages[m.ID] = m
	return m.ID, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*memory.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m memory.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return fmt.Errorf("update message %s: %w", m.ID, memory.ErrNotFound)
	}
	m.Tags = dedupTags(m.Tags)
	s.messages[m.ID] = m
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *Store) FindMessages(ctx context.Context, f store.Filter, opts store.FindOptions) ([]memory.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []memory.ConversationMessage
	for _, m := range s.messages {
		if matchMessage(m, f) {
			out = append(out, m)
		}
	}
	sortMessages(out, opts)
	return paginate(out, opts), nil
}

func (s *Store) CountMessages(ctx context.Context, f store.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if matchMessage(m, f) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteMessages(ctx context.Context, f store.Filter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.messages {
		if matchMessage(m, f) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.messages, id)
	}
	return ids, nil
}

// --- summaries ---

func (s *Store) InsertSummary(ctx context.Context, sm memory.Summary) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sm.ID == "" {
		sm.ID = newID()
	}
	sm.Tags = dedupTags(sm.Tags)
	s.summaries[sm.ID] = sm
	return sm.ID, nil
}

func (s *Store) GetSummary(ctx context.Context, id string) (*memory.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.summaries[id]
	if !ok {
		return nil, nil
	}
	return &sm, nil
}

func (s *Store) FindSummaries(ctx context.Context, f store.Filter, opts store.FindOptions) ([]memory.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Summary
	for _, sm := range s.summaries {
		if matchSummary(sm, f) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.SortDesc {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return paginateSummaries(out, opts), nil
}

func (s *Store) DeleteSummary(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[id]; !ok {
		return false, nil
	}
	delete(s.summaries, id)
	return true, nil
}

// --- memory_index ---

func (s *Store) InsertIndexEntry(ctx context.Context, e memory.VectorIndexEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	s.index[e.ID] = e
	return e.ID, nil
}

func (s *Store) ReplaceIndexEntryBySource(ctx context.Context, e memory.VectorIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.index {
		if existing.SourceID == e.SourceID {
			if e.ID == "" {
				e.ID = id
			}
			s.index[id] = e
			if e.ID != id {
				delete(s.index, id)
				s.index[e.ID] = e
			}
			return nil
		}
	}
	if e.ID == "" {
		e.ID = newID()
	}
	s.index[e.ID] = e
	return nil
}

func (s *Store) FindIndexEntries(ctx context.Context, f store.Filter) ([]memory.VectorIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.VectorIndexEntry
	for _, e := range s.index {
		if matchIndexEntry(e, f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) DeleteIndexEntryBySource(ctx context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.index {
		if e.SourceID == sourceID {
			delete(s.index, id)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteIndexEntries(ctx context.Context, f store.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.index {
		if matchIndexEntry(e, f) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.index, id)
	}
	return len(ids), nil
}

func (s *Store) CountIndexEntries(ctx context.Context, f store.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.index {
		if matchIndexEntry(e, f) {
			n++
		}
	}
	return n, nil
}

// --- metadata (scopes) ---

func (s *Store) InsertScope(ctx context.Context, sc memory.Scope) (*memory.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The unique index on scope_name is the arbiter of the auto-create
	// race: a losing insert is treated as success (spec.md §9).
	if existing, ok := s.scopes[sc.ScopeName]; ok {
		return &existing, nil
	}
	if sc.ID == "" {
		sc.ID = newID()
	}
	s.scopes[sc.ScopeName] = sc
	return &sc, nil
}

func (s *Store) GetScopeByName(ctx context.Context, name string) (*memory.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[name]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *Store) FindScopes(ctx context.Context) ([]memory.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeName < out[j].ScopeName })
	return out, nil
}

func (s *Store) DeactivateScope(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[name]
	if !ok {
		return false, nil
	}
	sc.Active = false
	s.scopes[name] = sc
	return true, nil
}

// --- user_profile ---

func (s *Store) UpsertProfileItem(ctx context.Context, item memory.UserProfileItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.profile {
		if existing.UserID == item.UserID && existing.Key == item.Key {
			item.ID = id
			s.profile[id] = item
			return id, nil
		}
	}
	if item.ID == "" {
		item.ID = newID()
	}
	s.profile[item.ID] = item
	return item.ID, nil
}

func (s *Store) FindProfileItems(ctx context.Context, userID string) ([]memory.UserProfileItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.UserProfileItem
	for _, item := range s.profile {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

// --- aggregation ---

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := store.Stats{
		TotalMessages:     len(s.messages),
		TotalSummaries:    len(s.summaries),
		TotalIndexEntries: len(s.index),
		MessagesByScope:   make(map[string]int),
	}
	var footprint int64
	for _, m := range s.messages {
		st.MessagesByScope[m.Scope]++
		footprint += int64(len(m.Text))
	}
	for _, sm := range s.summaries {
		footprint += int64(len(sm.SummaryText))
	}
	for _, e := range s.index {
		footprint += int64(len(e.Embedding) * 4)
	}
	st.TotalFootprintBytes = footprint
	return st, nil
}

func (s *Store) TopTags(ctx context.Context, n int) ([]store.TagCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, m := range s.messages {
		for _, t := range m.Tags {
			counts[t]++
		}
	}
	out := make([]store.TagCount, 0, len(counts))
	for tag, c := range counts {
		out = append(out, store.TagCount{Tag: tag, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// --- filter matching ---

func matchMessage(m memory.ConversationMessage, f store.Filter) bool {
	for field, want := range f {
		switch field {
		case "conversation_id":
			if !equalMatch(m.ConversationID, want) {
				return false
			}
		case "scope":
			if !equalMatch(m.Scope, want) {
				return false
			}
		case "tags":
			if !tagsMatch(m.Tags, want) {
				return false
			}
		case "text":
			if !textMatch(m.Text, want) {
				return false
			}
		case "timestamp":
			if rng, ok := want.(store.RangeMatch); ok {
				if m.Timestamp.Before(rng.From) || m.Timestamp.After(rng.To) {
					return false
				}
			}
		}
	}
	return true
}

func matchSummary(sm memory.Summary, f store.Filter) bool {
	for field, want := range f {
		switch field {
		case "conversation_id":
			if !equalMatch(sm.ConversationID, want) {
				return false
			}
		case "topic_id":
			if !equalMatch(sm.TopicID, want) {
				return false
			}
		case "scope":
			if !equalMatch(sm.Scope, want) {
				return false
			}
		case "tags":
			if !tagsMatch(sm.Tags, want) {
				return false
			}
		}
	}
	return true
}

func matchIndexEntry(e memory.VectorIndexEntry, f store.Filter) bool {
	for field, want := range f {
		switch field {
		case "source_id":
			if !equalMatch(e.SourceID, want) {
				return false
			}
		case "source_collection":
			if !equalMatch(string(e.SourceCollection), want) {
				return false
			}
		case "scope":
			if !equalMatch(e.Scope, want) {
				return false
			}
		}
	}
	return true
}

func equalMatch(have string, want any) bool {
	switch w := want.(type) {
	case string:
		return have == w
	case store.In:
		for _, v := range w.Values {
			if s, ok := v.(string); ok && s == have {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func tagsMatch(have []string, want any) bool {
	switch w := want.(type) {
	case string:
		for _, t := range have {
			if t == w {
				return true
			}
		}
		return false
	case []string:
		// all-of semantics
		for _, need := range w {
			found := false
			for _, t := range have {
				if t == need {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func textMatch(have string, want any) bool {
	switch w := want.(type) {
	case string:
		return strings.Contains(strings.ToLower(have), strings.ToLower(w))
	case store.Regex:
		re, err := regexp.Compile("(?i)" + w.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(have)
	default:
		return false
	}
}

func dedupTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sortMessages(ms []memory.ConversationMessage, opts store.FindOptions) {
	sort.Slice(ms, func(i, j int) bool {
		if opts.SortField == "timestamp" || opts.SortField == "" {
			if ms[i].Timestamp.Equal(ms[j].Timestamp) {
				return ms[i].ID < ms[j].ID
			}
			if opts.SortDesc {
				return ms[i].Timestamp.After(ms[j].Timestamp)
			}
			return ms[i].Timestamp.Before(ms[j].Timestamp)
		}
		return ms[i].ID < ms[j].ID
	})
}

func paginate(ms []memory.ConversationMessage, opts store.FindOptions) []memory.ConversationMessage {
	if opts.Offset > 0 {
		if opts.Offset >= len(ms) {
			return nil
		}
		ms = ms[opts.Offset:]
	}
	if opts.Limit > 0 && len(ms) > opts.Limit {
		ms = ms[:opts.Limit]
	}
	return ms
}

func paginateSummaries(sms []memory.Summary, opts store.FindOptions) []memory.Summary {
	if opts.Offset > 0 {
		if opts.Offset >= len(sms) {
			return nil
		}
		sms = sms[opts.Offset:]
	}
	if opts.Limit > 0 && len(sms) > opts.Limit {
		sms = sms[:opts.Limit]
	}
	return sms
}
