package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfeed/marketfeed/internal/messages"
)

func TestPrinterConversations(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alice := messages.Profile{ID: "a", Username: "alice", FullName: "Alice Adams"}

	var buf bytes.Buffer
	p := NewPrinter(&buf).WithClock(func() time.Time { return now })
	p.Conversations([]messages.Thread{
		{CounterpartyID: "a", Profile: &alice, Messages: []messages.Message{
			{Content: "see you\nat noon", CreatedAt: now.Add(-2 * time.Hour)},
		}},
		{CounterpartyID: "b", Messages: []messages.Message{
			{Content: strings.Repeat("x", 80), CreatedAt: now.Add(-3 * time.Minute)},
		}},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 2) {
		assert.Contains(t, lines[0], "Alice Adams")
		assert.Contains(t, lines[0], "2 hours ago")
		assert.Contains(t, lines[0], "see you at noon")
		assert.Contains(t, lines[1], "b ")
		assert.Contains(t, lines[1], "3 minutes ago")
		assert.Contains(t, lines[1], "…")
	}
}

func TestPrinterEmptyAndThread(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	p := NewPrinter(&buf).WithClock(func() time.Time { return now })

	p.Conversations(nil)
	assert.Equal(t, "No conversations yet.\n", buf.String())

	buf.Reset()
	p.Thread(messages.Thread{CounterpartyID: "a", Messages: []messages.Message{
		{SenderID: "a", Content: "hi", CreatedAt: now.Add(-time.Minute)},
		{SenderID: "me", Content: "hello", CreatedAt: now},
	}}, "me")

	out := buf.String()
	assert.Contains(t, out, "a (2 messages)")
	assert.Contains(t, out, "a: hi")
	assert.Contains(t, out, "you: hello")
	assert.NotContains(t, out, ColorReset, "no colour codes outside a terminal")
}

func TestPrinterStatusLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Success("sent")
	p.Error("failed")
	p.Info("loading")
	p.Warning("slow")
	assert.Equal(t, "✓ sent\n✗ failed\nℹ loading\n⚠ slow\n", buf.String())
}
