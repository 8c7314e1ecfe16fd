package memory

import (
	"fmt"
	"strings"
	"time"
)

const summaryPrefixLength = 80

// deterministicSummary produces the statistical fallback
// create_conversation_summary uses when no Summarizer is configured (or
// it declines): message counts per speaker, wall-duration, first user
// utterance prefix, last assistant utterance prefix. This is explicit,
// not heuristic-over-text, per spec.md §4.4.
func deterministicSummary(messages []ConversationMessage) string {
	if len(messages) == 0 {
		return "No messages to summarize."
	}

	var userCount, assistantCount int
	var firstUser, lastAssistant string
	for _, m := range messages {
		switch m.Speaker {
		case SpeakerUser:
			userCount++
			if firstUser == "" {
				firstUser = prefix(m.Text, summaryPrefixLength)
			}
		case SpeakerAssistant:
			assistantCount++
			lastAssistant = prefix(m.Text, summaryPrefixLength)
		}
	}

	duration := messages[len(messages)-1].Timestamp.Sub(messages[0].Timestamp)

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation with %d user message(s) and %d assistant message(s) over %s.",
		userCount, assistantCount, formatDuration(duration))
	if firstUser != "" {
		fmt.Fprintf(&b, " Started with: %q.", firstUser)
	}
	if lastAssistant != "" {
		fmt.Fprintf(&b, " Last assistant reply: %q.", lastAssistant)
	}
	return b.String()
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
