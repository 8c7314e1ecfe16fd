package memory

import (
	"testing"
	"time"
)

func TestDeterministicSummaryEmpty(t *testing.T) {
	if got := deterministicSummary(nil); got != "No messages to summarize." {
		t.Errorf("expected empty-message sentinel, got %q", got)
	}
}

func TestDeterministicSummaryCountsAndPrefixes(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	messages := []ConversationMessage{
		{Speaker: SpeakerUser, Text: "what's the weather like today", Timestamp: start},
		{Speaker: SpeakerAssistant, Text: "sunny and warm", Timestamp: start.Add(5 * time.Second)},
		{Speaker: SpeakerUser, Text: "thanks", Timestamp: start.Add(10 * time.Second)},
		{Speaker: SpeakerAssistant, Text: "you're welcome", Timestamp: start.Add(15 * time.Second)},
	}
	got := deterministicSummary(messages)
	if got == "" {
		t.Fatal("expected non-empty summary")
	}
	if !contains(got, "2 user message(s)") || !contains(got, "2 assistant message(s)") {
		t.Errorf("expected speaker counts in summary, got %q", got)
	}
	if !contains(got, "what's the weather like today") {
		t.Errorf("expected first user utterance prefix in summary, got %q", got)
	}
	if !contains(got, "you're welcome") {
		t.Errorf("expected last assistant utterance prefix in summary, got %q", got)
	}
}

func TestPrefixTruncatesLongText(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := prefix(string(long), 80)
	if len(got) != 80 {
		t.Errorf("expected truncation to 80 bytes, got %d", len(got))
	}
}

func TestPrefixLeavesShortTextUntouched(t *testing.T) {
	if got := prefix("short", 80); got != "short" {
		t.Errorf("expected short text untouched, got %q", got)
	}
}

func TestFormatDurationClampsNegative(t *testing.T) {
	if got := formatDuration(-5 * time.Second); got != "0s" {
		t.Errorf("expected negative duration clamped to 0s, got %q", got)
	}
}

func TestFormatDurationRoundsToSeconds(t *testing.T) {
	got := formatDuration(90*time.Second + 400*time.Millisecond)
	if got != "1m30s" {
		t.Errorf("expected rounded duration 1m30s, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
