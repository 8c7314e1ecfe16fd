// Package anthropic is an optional memory.Summarizer that delegates
// create_conversation_summary to a single bounded call against
// github.com/anthropics/anthropic-sdk-go, adapted from the provider
// shape in the pack's Abraxas-365/manifesto aianthropic package. Any
// failure here is non-fatal: Service falls through to the deterministic
// statistical summary.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mindfulent/memoryengine/internal/memory"
)

// Config configures the summarizer.
type Config struct {
	APIKey    string
	Model     string // default claude-3-5-haiku-20241022
	MaxTokens int64  // default 512
}

// Summarizer wraps an anthropic.Client to produce a one-shot summary.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New wires a Summarizer. It never fails and does not validate APIKey:
// when it is empty no key option is passed to the client, and a call
// the API rejects surfaces from Summarize as an error with ok=false.
func New(cfg Config) *Summarizer {
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &Summarizer{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Summarize asks the model for a short summary of messages. ok=false
// and a nil error together mean "no usable response"; the caller falls
// back to the deterministic summary either way.
func (s *Summarizer) Summarize(ctx context.Context, messages []memory.ConversationMessage) (string, bool, error) {
	if len(messages) == 0 {
		return "", false, nil
	}

	transcript := buildTranscript(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Summarize the following conversation in two or three sentences, " +
					"noting any commitments, dates, or decisions:\n\n" + transcript,
			)),
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", false, fmt.Errorf("anthropic summarize: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

func buildTranscript(messages []memory.ConversationMessage) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Speaker, m.Text)
	}
	return b.String()
}
