package dispatcher

// Request is the closed, typed wire request: the union of every
// action's fields. This is the Go-native replacement for the source's
// per-call dynamic dict (spec.md §9, "dynamic field bags become tagged
// variants") — one struct decodes any action, and each handler reads
// only the fields its action defines.
type Request struct {
	Action string `json:"action"`

	// store_memory
	Content  string       `json:"content,omitempty"`
	Metadata StoreMeta    `json:"metadata,omitempty"`

	// retrieve_memory
	Query  string       `json:"query,omitempty"`
	Filter RetrieveFilter `json:"filter,omitempty"`
	TopK   int          `json:"top_k,omitempty"`

	// search_by_tag / search_by_scope
	Tag   string `json:"tag,omitempty"`
	Scope string `json:"scope,omitempty"`

	// delete_memory
	Target     DeleteTarget `json:"target,omitempty"`
	ForgetMode string       `json:"forget_mode,omitempty"`

	// store_conversation_history
	Messages []WireMessage `json:"messages,omitempty"`

	// get_conversation_history / get_conversations_list / create_conversation_summary
	ConversationID  string `json:"conversation_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	IncludeMessages bool   `json:"include_messages,omitempty"`
	SummaryText     string `json:"summary_text,omitempty"`
	GenerateSummary *bool  `json:"generate_summary,omitempty"`

	// ping
	Message string `json:"message,omitempty"`
}

// StoreMeta is store_memory's optional metadata bag.
type StoreMeta struct {
	Scope          string   `json:"scope,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Source         string   `json:"source,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Speaker        string   `json:"speaker,omitempty"`
}

// RetrieveFilter is retrieve_memory's optional filter bag.
type RetrieveFilter struct {
	Scope     string     `json:"scope,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
}

// TimeRange bounds retrieve_memory's time filter, RFC3339 strings on the wire.
type TimeRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// DeleteTarget is delete_memory's criterion bag.
type DeleteTarget struct {
	MemoryID string `json:"memory_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Query    string `json:"query,omitempty"`
}

// WireMessage is one entry of store_conversation_history's messages[].
type WireMessage struct {
	Speaker   string   `json:"speaker,omitempty"`
	Text      string   `json:"text,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}
