package messages_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfeed/marketfeed/internal/messages"
)

func TestListingInquiry(t *testing.T) {
	assert.Equal(t,
		"Hi! I'm interested in your listing: https://market.example/marketplace/42",
		messages.ListingInquiry("https://market.example/", "42"))
}

func TestOfferMessage(t *testing.T) {
	assert.Equal(t, `New offer: $12.5 for "Lamp"`, messages.OfferMessage(12.5, "Lamp", ""))
	assert.Equal(t, `New offer: $12.5 for "Lamp"`, messages.OfferMessage(12.5, "Lamp", "   "))
	assert.Equal(t, "New offer: $30 for \"Desk\"\n\nMessage: still available?", messages.OfferMessage(30, "Desk", "still available?"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Alice Adams", messages.Profile{Username: "alice", FullName: "Alice Adams"}.DisplayName())
	assert.Equal(t, "bob", messages.Profile{Username: "bob"}.DisplayName())
	assert.Equal(t, "bob", messages.Profile{Username: "bob", FullName: "  "}.DisplayName())
}

func TestConversationsAndFilter(t *testing.T) {
	alice := messages.Profile{ID: userA, Username: "alice", FullName: "Alice Adams"}
	view := &messages.View{
		UserID: userU,
		Threads: map[string]messages.Thread{
			userA: {CounterpartyID: userA, Profile: &alice, Messages: []messages.Message{msg("m1", userA, userU, 1), msg("m4", userU, userA, 4)}},
			userB: {CounterpartyID: userB, Messages: []messages.Message{msg("m2", userB, userU, 2)}},
			"c":   {CounterpartyID: "c", Messages: []messages.Message{msg("m3", "c", userU, 4)}},
		},
	}

	list := view.Conversations()
	got := make([]string, len(list))
	for i, th := range list {
		got[i] = th.CounterpartyID
	}
	assert.Equal(t, []string{"c", userA, userB}, got)

	assert.Len(t, messages.FilterConversations(list, ""), 3)
	filtered := messages.FilterConversations(list, "ADAMS")
	if assert.Len(t, filtered, 1) {
		assert.Equal(t, userA, filtered[0].CounterpartyID)
	}
	assert.Len(t, messages.FilterConversations(list, "ali"), 1)
	assert.Empty(t, messages.FilterConversations(list, "zed"))
}

func TestGroupSkipsUnrelatedMessages(t *testing.T) {
	threads := messages.Group([]messages.Message{
		msg("m1", userA, userB, 1),
		msg("m2", userA, userU, 2),
	}, userU)
	assert.Len(t, threads, 1)
	assert.Equal(t, time.Duration(0), threads[userA].Last().CreatedAt.Sub(base.Add(2*time.Minute)))
}
