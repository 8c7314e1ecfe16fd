package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mindfulent/memoryengine/internal/memory"
)

// RegisterMemoryHandlers binds every action in spec.md §4.5's handler
// table to svc, plus ping and health_check, which need no service
// collaborator (health_check reads d itself).
func RegisterMemoryHandlers(d *Dispatcher, svc *memory.Service) {
	d.Register("ping", handlePing)
	d.Register("store_memory", handleStoreMemory(svc))
	d.Register("retrieve_memory", handleRetrieveMemory(svc))
	d.Register("search_by_tag", handleSearchByTag(svc))
	d.Register("search_by_scope", handleSearchByScope(svc))
	d.Register("delete_memory", handleDeleteMemory(svc))
	d.Register("get_memory_stats", handleGetMemoryStats(svc))
	d.Register("store_conversation_history", handleStoreConversationHistory(svc))
	d.Register("get_conversation_history", handleGetConversationHistory(svc))
	d.Register("get_conversations_list", handleGetConversationsList(svc))
	d.Register("create_conversation_summary", handleCreateConversationSummary(svc))
	d.Register("get_conversation_summaries", handleGetConversationSummaries(svc))
	d.Register("health_check", handleHealthCheck(d))
	d.Register("optimize_memory", handleOptimizeMemory(svc))
}

func handlePing(ctx context.Context, req Request) (map[string]any, error) {
	return map[string]any{
		"timestamp": time.Now().Unix(),
		"echo":      req.Message,
	}, nil
}

func handleStoreMemory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.Content == "" {
			return nil, errMissingField("content")
		}
		speaker := memory.Speaker(req.Metadata.Speaker)
		if speaker == "" {
			speaker = memory.SpeakerUser
		}
		result, err := svc.StoreMemory(ctx, req.Content, req.Metadata.Scope, req.Metadata.Tags, req.Metadata.ConversationID, speaker)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"memory_id": result.MemoryID,
			"scope":     result.Scope,
		}, nil
	}
}

func handleRetrieveMemory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.Query == "" {
			return nil, errMissingField("query")
		}
		topK := req.TopK
		if topK == 0 {
			topK = 5
		}
		from, to := parseTimeRange(req.Filter.TimeRange)
		results, err := svc.RetrieveMemory(ctx, req.Query, req.Filter.Scope, req.Filter.Tags, from, to, topK)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": toWireResults(results)}, nil
	}
}

func handleSearchByTag(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.Tag == "" {
			return nil, errMissingField("tag")
		}
		results, err := svc.SearchByTag(ctx, req.Tag, req.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": toWireResults(results)}, nil
	}
}

func handleSearchByScope(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.Scope == "" {
			return nil, errMissingField("scope")
		}
		results, err := svc.SearchByScope(ctx, req.Scope, req.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": toWireResults(results)}, nil
	}
}

func handleDeleteMemory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		t := req.Target
		if t.MemoryID == "" && t.Scope == "" && t.Tag == "" && t.Query == "" {
			return nil, errMissingField("target")
		}
		forgetMode := req.ForgetMode
		if forgetMode == "" {
			forgetMode = "soft"
		}
		count, err := svc.DeleteMemory(ctx, memory.DeleteCriteria{
			MemoryID:   t.MemoryID,
			Scope:      t.Scope,
			Tag:        t.Tag,
			Query:      t.Query,
			ForgetMode: forgetMode,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted_count": count}, nil
	}
}

func handleGetMemoryStats(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		stats, err := svc.GetMemoryStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stats": map[string]any{
			"total_messages":         stats.TotalMessages,
			"total_summaries":        stats.TotalSummaries,
			"messages_by_scope":      stats.MessagesByScope,
			"total_index_entries":    stats.TotalIndexEntries,
			"total_footprint_bytes":  stats.TotalFootprintBytes,
			"total_footprint_human":  humanize.Bytes(uint64(stats.TotalFootprintBytes)),
		}}, nil
	}
}

func handleStoreConversationHistory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if len(req.Messages) == 0 {
			return nil, errMissingField("messages")
		}
		msgs := make([]memory.ConversationMessage, len(req.Messages))
		for i, wm := range req.Messages {
			speaker := memory.Speaker(wm.Speaker)
			if speaker == "" {
				speaker = memory.SpeakerUser
			}
			ts := time.Now()
			if wm.Timestamp != "" {
				if parsed, err := time.Parse(time.RFC3339, wm.Timestamp); err == nil {
					ts = parsed
				}
			}
			msgs[i] = memory.ConversationMessage{
				Speaker:   speaker,
				Text:      wm.Text,
				Tags:      wm.Tags,
				Timestamp: ts,
			}
		}
		conversationID, ids, err := svc.StoreConversationHistory(ctx, msgs, req.ConversationID, req.Metadata.Scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"conversation_id": conversationID,
			"memory_ids":      ids,
		}, nil
	}
}

func handleGetConversationHistory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.ConversationID == "" {
			return nil, errMissingField("conversation_id")
		}
		msgs, err := svc.GetConversationHistory(ctx, req.ConversationID, req.Limit, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"messages": msgs,
			"count":    len(msgs),
		}, nil
	}
}

func handleGetConversationsList(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		conversations, err := svc.GetConversationsList(ctx, req.Limit, req.Scope, req.IncludeMessages)
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversations": conversations}, nil
	}
}

func handleCreateConversationSummary(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		if req.ConversationID == "" {
			return nil, errMissingField("conversation_id")
		}
		generate := true
		if req.GenerateSummary != nil {
			generate = *req.GenerateSummary
		}
		result, err := svc.CreateConversationSummary(ctx, req.ConversationID, req.SummaryText, req.Scope, generate)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"summary_id":   result.SummaryID,
			"summary_text": result.SummaryText,
			"generated":    result.Generated,
		}, nil
	}
}

func handleGetConversationSummaries(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		summaries, err := svc.GetConversationSummaries(ctx, req.ConversationID, req.Limit, req.Scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summaries": summaries}, nil
	}
}

func handleHealthCheck(d *Dispatcher) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"components": d.HealthSnapshot()}, nil
	}
}

// handleOptimizeMemory performs one maintenance operation, a stats
// refresh, and reports it in operations_performed. It does not attempt
// summarize_old, whose scheduling policy spec.md §9 leaves undefined,
// and it does not touch the vector index: the bruteforce/chromem
// backends used here have no tombstone buildup to compact.
func handleOptimizeMemory(svc *memory.Service) Handler {
	return func(ctx context.Context, req Request) (map[string]any, error) {
		stats, err := svc.GetMemoryStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"operations_performed": []string{"stats_refresh"},
			"stats": map[string]any{
				"total_messages":  stats.TotalMessages,
				"total_summaries": stats.TotalSummaries,
			},
		}, nil
	}
}

// errMissingField reports a missing/empty required request field. It
// wraps memory.ErrInvalidRequest so the dispatcher's retry wrapper
// classifies it as non-retryable.
func errMissingField(field string) error {
	return fmt.Errorf("missing required %q field: %w", field, memory.ErrInvalidRequest)
}

func parseTimeRange(tr *TimeRange) (*time.Time, *time.Time) {
	if tr == nil {
		return nil, nil
	}
	var from, to *time.Time
	if tr.From != "" {
		if t, err := time.Parse(time.RFC3339, tr.From); err == nil {
			from = &t
		}
	}
	if tr.To != "" {
		if t, err := time.Parse(time.RFC3339, tr.To); err == nil {
			to = &t
		}
	}
	return from, to
}

func toWireResults(results []memory.RetrievalResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"text":       r.Text,
			"source":     r.Source,
			"timestamp":  r.Timestamp.Format(time.RFC3339),
			"scope":      r.Scope,
			"tags":       r.Tags,
			"confidence": r.Confidence,
			"memory_id":  r.MemoryID,
		}
	}
	return out
}
