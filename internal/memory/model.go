// Package memory owns the data model, the hybrid retrieval pipeline, and
// the high-level memory service described by the engine's specification.
package memory

import "time"

// Speaker identifies who produced a ConversationMessage.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationMessage is one utterance, tagged, scoped, and linked to a
// conversation. It maps to a document in the conversation_history
// collection.
type ConversationMessage struct {
	ID             string    `json:"id" bson:"_id,omitempty"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	Speaker        Speaker   `json:"speaker" bson:"speaker"`
	Text           string    `json:"text" bson:"text"`
	Scope          string    `json:"scope" bson:"scope"`
	Tags           []string  `json:"tags" bson:"tags"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
}

// TimeRange bounds a Summary's coverage.
type TimeRange struct {
	From time.Time `json:"from" bson:"from"`
	To   time.Time `json:"to" bson:"to"`
}

// Summary is a derived memory over a range of messages. Immutable after
// creation except via delete.
type Summary struct {
	ID             string    `json:"id" bson:"_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	TopicID        string    `json:"topic_id,omitempty" bson:"topic_id,omitempty"`
	SummaryText    string    `json:"summary_text" bson:"summary_text"`
	Scope          string    `json:"scope" bson:"scope"`
	Tags           []string  `json:"tags" bson:"tags"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	TimeRange      TimeRange `json:"time_range" bson:"time_range"`
	MessageRefs    []string  `json:"message_refs" bson:"message_refs"`
}

// SourceCollection names the collection a VectorIndexEntry is slaved to.
type SourceCollection string

const (
	SourceConversationHistory SourceCollection = "conversation_history"
	SourceSummaries           SourceCollection = "summaries"
)

// VectorIndexEntry is the secondary index row used for semantic search.
// Its lifecycle is slaved to its source document.
type VectorIndexEntry struct {
	ID               string            `json:"id" bson:"_id,omitempty"`
	Embedding        []float32         `json:"embedding" bson:"embedding"`
	SourceCollection SourceCollection  `json:"source_collection" bson:"source_collection"`
	SourceID         string            `json:"source_id" bson:"source_id"`
	Scope            string            `json:"scope" bson:"scope"`
	Metadata         VectorEntryMeta   `json:"metadata" bson:"metadata"`
}

// VectorEntryMeta is the fixed metadata shape carried by a VectorIndexEntry.
type VectorEntryMeta struct {
	TextPreview string    `json:"text_preview" bson:"text_preview"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// Scope is a named namespace grouping related memories.
type Scope struct {
	ID              string    `json:"id" bson:"_id,omitempty"`
	ScopeName       string    `json:"scope_name" bson:"scope_name"`
	Description     string    `json:"description" bson:"description"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	Active          bool      `json:"active" bson:"active"`
	RelatedKeywords []string  `json:"related_keywords" bson:"related_keywords"`
	ParentScope     string    `json:"parent_scope,omitempty" bson:"parent_scope,omitempty"`
}

// UserProfileItem is a key/value fact about the user, categorized.
type UserProfileItem struct {
	ID       string      `json:"id" bson:"_id,omitempty"`
	UserID   string      `json:"user_id" bson:"user_id"`
	Key      string      `json:"key" bson:"key"`
	Value    interface{} `json:"value" bson:"value"`
	Category string      `json:"category" bson:"category"`
}

// ConversationSummaryInfo is the per-conversation aggregate returned by
// ListConversations.
type ConversationSummaryInfo struct {
	ConversationID  string                `json:"conversation_id"`
	FirstTimestamp  time.Time             `json:"first_timestamp"`
	LastTimestamp   time.Time             `json:"last_timestamp"`
	MessageCount    int                   `json:"message_count"`
	Scope           string                `json:"scope"`
	FirstMessage    *ConversationMessage  `json:"first_message,omitempty"`
	PreviewMessages []ConversationMessage `json:"preview_messages,omitempty"`
}

// ScoredMessage pairs a ConversationMessage with its retrieval score.
type ScoredMessage struct {
	Message ConversationMessage `json:"message"`
	Score   float64             `json:"score"`
}
