package messages

import (
	"fmt"
	"strconv"
	"strings"
)

// ListingInquiry is the draft text a buyer starts a conversation with.
func ListingInquiry(origin, listingID string) string {
	return fmt.Sprintf("Hi! I'm interested in your listing: %s/marketplace/%s",
		strings.TrimSuffix(origin, "/"), listingID)
}

// Offer is a price offer made on a listing.
type Offer struct {
	SellerID  string
	ListingID string
	Title     string
	Amount    float64
	Note      string
}

// OfferMessage formats the message text sent for an offer.
func OfferMessage(amount float64, title, note string) string {
	text := fmt.Sprintf("New offer: $%s for \"%s\"", strconv.FormatFloat(amount, 'f', -1, 64), title)
	if note = strings.TrimSpace(note); note != "" {
		text += "\n\nMessage: " + note
	}
	return text
}

// FilterConversations keeps the threads whose counterparty username or full
// name contains query, ignoring case. An empty query keeps everything;
// threads with an unresolved profile only match the empty query.
func FilterConversations(list []Thread, query string) []Thread {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return list
	}
	out := make([]Thread, 0, len(list))
	for _, t := range list {
		if t.Profile == nil {
			continue
		}
		if strings.Contains(strings.ToLower(t.Profile.Username), query) ||
			strings.Contains(strings.ToLower(t.Profile.FullName), query) {
			out = append(out, t)
		}
	}
	return out
}
