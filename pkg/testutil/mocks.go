// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/internal/messages"
)

// MockBackend is an in-memory messages.Backend. Messages are returned in
// created_at order, ties in insertion order.
type MockBackend struct {
	mu sync.Mutex

	user     string
	messages []messages.Message
	profiles *MemoryStore[string, messages.Profile]
	subs     map[int]subscriber
	nextSub  int

	fetchCalls   int
	profileCalls map[string]int
	inserts      []messages.Draft
	authCalls    int

	// FetchErr fails every FetchMessages call while set.
	FetchErr error
	// InsertErr fails every InsertMessage call while set.
	InsertErr error
	// SubscribeErr fails SubscribeMessages while set.
	SubscribeErr error
	// ProfileErrs fails FetchProfile for the listed ids.
	ProfileErrs map[string]error
	// ProfileGate, when non-nil, blocks FetchProfile until it is closed or
	// receives a value.
	ProfileGate chan struct{}
	// BeforeFetch runs at the start of each FetchMessages with the 1-based
	// call number, outside the lock.
	BeforeFetch func(ctx context.Context, call int)
	// NotifyOnInsert fires subscribers involved in an inserted message.
	NotifyOnInsert bool
}

type subscriber struct {
	userID string
	notify func()
}

var _ messages.Backend = (*MockBackend)(nil)

// NewMockBackend creates a backend whose session belongs to userID. An empty
// userID means no authenticated session.
func NewMockBackend(userID string) *MockBackend {
	return &MockBackend{
		user:         userID,
		profiles:     NewMemoryStore[string, messages.Profile](),
		subs:         make(map[int]subscriber),
		profileCalls: make(map[string]int),
		ProfileErrs:  make(map[string]error),
	}
}

// SignIn sets the session user; an empty id signs out.
func (m *MockBackend) SignIn(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = userID
}

// AddProfile registers a profile.
func (m *MockBackend) AddProfile(p messages.Profile) {
	m.profiles.Set(p.ID, p)
}

// AddMessage stores a message, filling id and created_at when empty.
func (m *MockBackend) AddMessage(msg messages.Message) messages.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(msg)
}

func (m *MockBackend) addLocked(msg messages.Message) messages.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
		if n := len(m.messages); n > 0 && !msg.CreatedAt.After(m.messages[n-1].CreatedAt) {
			msg.CreatedAt = m.messages[n-1].CreatedAt.Add(time.Millisecond)
		}
	}
	m.messages = append(m.messages, msg)
	sort.SliceStable(m.messages, func(i, j int) bool {
		return m.messages[i].CreatedAt.Before(m.messages[j].CreatedAt)
	})
	return msg
}

// FetchMessages implements messages.MessageStore.
func (m *MockBackend) FetchMessages(ctx context.Context, userID string) ([]messages.Message, error) {
	m.mu.Lock()
	m.fetchCalls++
	call := m.fetchCalls
	hook := m.BeforeFetch
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	var out []messages.Message
	for _, msg := range m.messages {
		if msg.Involves(userID) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// InsertMessage implements messages.MessageStore.
func (m *MockBackend) InsertMessage(_ context.Context, draft messages.Draft) error {
	m.mu.Lock()
	m.inserts = append(m.inserts, draft)
	if m.InsertErr != nil {
		m.mu.Unlock()
		return m.InsertErr
	}
	msg := m.addLocked(messages.Message{
		SenderID:   draft.SenderID,
		ReceiverID: draft.ReceiverID,
		Content:    draft.Content,
		ListingID:  draft.ListingID,
	})
	var notify []func()
	if m.NotifyOnInsert {
		for _, s := range m.subs {
			if msg.Involves(s.userID) {
				notify = append(notify, s.notify)
			}
		}
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// FetchProfile implements messages.ProfileSource.
func (m *MockBackend) FetchProfile(ctx context.Context, userID string) (messages.Profile, error) {
	m.mu.Lock()
	m.profileCalls[userID]++
	gate := m.ProfileGate
	err := m.ProfileErrs[userID]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return messages.Profile{}, ctx.Err()
		}
	}
	if err != nil {
		return messages.Profile{}, err
	}
	p, ok := m.profiles.Get(userID)
	if !ok {
		return messages.Profile{}, fmt.Errorf("profile %s: %w", userID, errors.ErrProfileNotFound)
	}
	return p, nil
}

// CurrentUser implements messages.Authenticator.
func (m *MockBackend) CurrentUser(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	if m.user == "" {
		return "", errors.ErrNotAuthenticated
	}
	return m.user, nil
}

// SubscribeMessages implements messages.ChangeFeed.
func (m *MockBackend) SubscribeMessages(_ context.Context, userID string, notify func()) (messages.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscriber{userID: userID, notify: notify}
	return messages.SubscriptionFunc(func() error {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return nil
	}), nil
}

// Notify fires every subscriber of userID synchronously, as a realtime push
// would.
func (m *MockBackend) Notify(userID string) {
	m.mu.Lock()
	var notify []func()
	for _, s := range m.subs {
		if s.userID == userID {
			notify = append(notify, s.notify)
		}
	}
	m.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// FetchCalls returns how many times FetchMessages ran.
func (m *MockBackend) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// ProfileCalls returns how many backend lookups hit userID.
func (m *MockBackend) ProfileCalls(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileCalls[userID]
}

// Inserts returns every attempted insert.
func (m *MockBackend) Inserts() []messages.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messages.Draft(nil), m.inserts...)
}

// AuthCalls returns how many times CurrentUser ran.
func (m *MockBackend) AuthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls
}

// Subscribers returns the number of live subscriptions.
func (m *MockBackend) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// MemoryStore is a generic in-memory store for testing.
type MemoryStore[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{items: make(map[K]V)}
}

// Set stores an item.
func (s *MemoryStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Get retrieves an item.
func (s *MemoryStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Count returns the number of items.
func (s *MemoryStore[K, V]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
