// Package messages aggregates a user's direct messages into per-counterparty
// threads and keeps them current under realtime change notifications.
package messages

import (
	"sort"
	"strings"
	"time"
)

// Message is one direct message row.
type Message struct {
	ID         string    `json:"id" db:"id"`
	SenderID   string    `json:"sender_id" db:"sender_id"`
	ReceiverID string    `json:"receiver_id" db:"receiver_id"`
	Content    string    `json:"content" db:"content"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ListingID  string    `json:"listing_id,omitempty" db:"listing_id"`
}

// Counterparty returns the other participant relative to userID.
func (m Message) Counterparty(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID sent or received the message.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Draft is a message about to be inserted. The backend assigns id and
// created_at.
type Draft struct {
	SenderID   string `json:"sender_id" db:"sender_id"`
	ReceiverID string `json:"receiver_id" db:"receiver_id"`
	Content    string `json:"content" db:"content"`
	ListingID  string `json:"listing_id,omitempty" db:"listing_id"`
}

// Profile is the public part of a user profile.
type Profile struct {
	ID        string `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	FullName  string `json:"full_name,omitempty" db:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// DisplayName prefers the full name over the username.
func (p Profile) DisplayName() string {
	if strings.TrimSpace(p.FullName) != "" {
		return p.FullName
	}
	return p.Username
}

// Thread is every message exchanged with one counterparty, oldest first.
type Thread struct {
	CounterpartyID string    `json:"counterparty_id"`
	Messages       []Message `json:"messages"`
	// Profile is nil until the counterparty's profile resolves.
	Profile *Profile `json:"profile,omitempty"`
}

// Last returns the most recent message of the thread.
func (t Thread) Last() Message {
	return t.Messages[len(t.Messages)-1]
}

// View is an immutable snapshot of a user's threads. A View is never
// modified after it has been published; updates produce a new View.
type View struct {
	Seq      uint64             `json:"seq"`
	UserID   string             `json:"user_id"`
	Threads  map[string]Thread  `json:"threads"`
	Profiles map[string]Profile `json:"profiles"`
}

// Thread returns the thread with counterpartyID.
func (v *View) Thread(counterpartyID string) (Thread, bool) {
	if v == nil {
		return Thread{}, false
	}
	t, ok := v.Threads[counterpartyID]
	return t, ok
}

// Conversations lists the threads newest first. Threads whose last messages
// share a timestamp are ordered by counterparty id.
func (v *View) Conversations() []Thread {
	if v == nil {
		return nil
	}
	list := make([]Thread, 0, len(v.Threads))
	for _, t := range v.Threads {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Last().CreatedAt, list[j].Last().CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return list[i].CounterpartyID < list[j].CounterpartyID
	})
	return list
}

// withProfile returns a copy of v with p merged into the profile mapping and
// attached to p's thread. The maps are copied; message slices are shared.
func (v *View) withProfile(p Profile) *View {
	next := &View{
		Seq:      v.Seq,
		UserID:   v.UserID,
		Threads:  make(map[string]Thread, len(v.Threads)),
		Profiles: make(map[string]Profile, len(v.Profiles)+1),
	}
	for id, prof := range v.Profiles {
		next.Profiles[id] = prof
	}
	next.Profiles[p.ID] = p
	for id, t := range v.Threads {
		if id == p.ID {
			prof := p
			t.Profile = &prof
		}
		next.Threads[id] = t
	}
	return next
}
