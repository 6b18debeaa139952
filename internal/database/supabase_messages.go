// Package database adapts the Supabase client to the messages backend.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
	"github.com/marketfeed/marketfeed/supabase/client"
)

const (
	messagesTable  = "messages"
	profilesTable  = "profiles"
	profileColumns = "id,username,full_name,avatar_url"
)

// =============================================================================
// Supabase Backend
// =============================================================================

// SupabaseBackend implements messages.Backend over PostgREST, GoTrue and
// Realtime.
type SupabaseBackend struct {
	client *client.Client
	log    *logger.Logger

	mu       sync.Mutex
	realtime *client.RealtimeClient
	rtOpts   []client.RealtimeOption
}

var _ messages.Backend = (*SupabaseBackend)(nil)

// SupabaseOption customises a SupabaseBackend.
type SupabaseOption func(*SupabaseBackend)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) SupabaseOption {
	return func(b *SupabaseBackend) { b.log = log }
}

// WithRealtimeOptions passes options to the realtime client.
func WithRealtimeOptions(opts ...client.RealtimeOption) SupabaseOption {
	return func(b *SupabaseBackend) { b.rtOpts = append(b.rtOpts, opts...) }
}

// NewSupabaseBackend creates a backend over c.
func NewSupabaseBackend(c *client.Client, opts ...SupabaseOption) *SupabaseBackend {
	b := &SupabaseBackend{
		client: c,
		log:    logger.NewDefault("supabase-backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchMessages returns every message sent or received by userID, oldest
// first.
func (b *SupabaseBackend) FetchMessages(ctx context.Context, userID string) ([]messages.Message, error) {
	var rows []messages.Message
	err := b.client.From(messagesTable).
		Select("*").
		Or("sender_id.eq."+userID, "receiver_id.eq."+userID).
		Order("created_at", true).
		Into(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	return rows, nil
}

// InsertMessage inserts draft into the messages table.
func (b *SupabaseBackend) InsertMessage(ctx context.Context, draft messages.Draft) error {
	if _, err := b.client.From(messagesTable).Insert(ctx, draft); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FetchProfile returns one profile by id.
func (b *SupabaseBackend) FetchProfile(ctx context.Context, userID string) (messages.Profile, error) {
	var p messages.Profile
	err := b.client.From(profilesTable).
		Select(profileColumns).
		Eq("id", userID).
		Single().
		Into(ctx, &p)
	if client.IsNoRows(err) {
		return messages.Profile{}, fmt.Errorf("profile %s: %w", userID, errors.ErrProfileNotFound)
	}
	if err != nil {
		return messages.Profile{}, fmt.Errorf("select profile %s: %w", userID, err)
	}
	return p, nil
}

// FetchProfiles returns the profiles among ids that exist, in no particular
// order.
func (b *SupabaseBackend) FetchProfiles(ctx context.Context, ids []string) ([]messages.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []messages.Profile
	err := b.client.From(profilesTable).
		Select(profileColumns).
		In("id", ids).
		Into(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	return rows, nil
}

// CurrentUser returns the id of the user owning the session token.
func (b *SupabaseBackend) CurrentUser(ctx context.Context) (string, error) {
	user, err := b.client.Auth().GetUser(ctx)
	switch {
	case stderrors.Is(err, client.ErrNoSession), client.IsUnauthorized(err):
		return "", fmt.Errorf("%w: %v", errors.ErrNotAuthenticated, err)
	case err != nil:
		return "", fmt.Errorf("get user: %w", err)
	}
	return user.ID, nil
}

// =============================================================================
// Realtime
// =============================================================================

// SubscribeMessages joins a realtime channel receiving every change to
// messages sent or received by userID. notify runs on its own goroutine.
//
// A self-message matches both bindings and may be delivered twice; the
// repeat is dropped so one change means one notify. A socket reconnect
// always notifies, since changes made while disconnected were missed.
func (b *SupabaseBackend) SubscribeMessages(ctx context.Context, userID string, notify func()) (messages.Subscription, error) {
	rt, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	log := b.log.WithField("user_id", userID)
	var (
		mu   sync.Mutex
		last string
	)
	ch := rt.Channel("messages:"+userID,
		func(change client.Change) {
			if change.Type != client.ChangeReconnect {
				key := changeKey(change)
				mu.Lock()
				dup := key != "" && key == last
				last = key
				mu.Unlock()
				if dup {
					return
				}
			}
			log.WithField("type", change.Type).Debug("message change")
			go notify()
		},
		client.PostgresChangesFilter{Event: "*", Schema: "public", Table: messagesTable, Filter: "sender_id=eq." + userID},
		client.PostgresChangesFilter{Event: "*", Schema: "public", Table: messagesTable, Filter: "receiver_id=eq." + userID},
	)
	if err := ch.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("join %s: %w", ch.Topic(), err)
	}

	return messages.SubscriptionFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ch.Unsubscribe(ctx)
	}), nil
}

// changeKey identifies one row change; it is empty when the frame carries
// nothing to tell changes apart.
func changeKey(c client.Change) string {
	id := c.Record.Get("id").String()
	if id == "" {
		id = c.OldRecord.Get("id").String()
	}
	if id == "" && c.CommitTimestamp == "" {
		return ""
	}
	return c.Type + "|" + c.CommitTimestamp + "|" + id
}

func (b *SupabaseBackend) connect(ctx context.Context) (*client.RealtimeClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.realtime == nil {
		opts := append([]client.RealtimeOption{client.WithRealtimeLogger(b.log.Named("realtime"))}, b.rtOpts...)
		b.realtime = b.client.Realtime(opts...)
	}
	if err := b.realtime.Connect(ctx); err != nil {
		return nil, fmt.Errorf("realtime connect: %w", err)
	}
	return b.realtime, nil
}

// Close disconnects the realtime socket.
func (b *SupabaseBackend) Close() error {
	b.mu.Lock()
	rt := b.realtime
	b.realtime = nil
	b.mu.Unlock()

	if rt == nil {
		return nil
	}
	return rt.Disconnect()
}
