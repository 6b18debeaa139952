// Package postgres implements the messages backend directly on PostgreSQL,
// with change notification over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

// NotifyChannel is the channel the messages trigger publishes on.
const NotifyChannel = "messages_changed"

// Listener is the subset of *pq.Listener the store uses.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// ListenerFactory opens a Listener.
type ListenerFactory func(log *logger.Logger) (Listener, error)

// Store implements messages.Backend backed by PostgreSQL. There is no
// session service: the store acts as the configured user.
type Store struct {
	db          *sqlx.DB
	userID      string
	newListener ListenerFactory
	log         *logger.Logger
	now         func() time.Time
}

var _ messages.Backend = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithUser sets the user the store authenticates as.
func WithUser(userID string) Option {
	return func(s *Store) { s.userID = userID }
}

// WithListenerFactory replaces the pq.Listener used for subscriptions.
func WithListenerFactory(f ListenerFactory) Option {
	return func(s *Store) { s.newListener = f }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store using the provided database handle. dsn is used to
// open notification listeners.
func New(db *sqlx.DB, dsn string, opts ...Option) *Store {
	s := &Store{
		db:  db,
		log: logger.NewDefault("postgres-store"),
		now: func() time.Time { return time.Now().UTC() },
	}
	s.newListener = PQListener(dsn)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and returns a Store.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db, dsn, opts...), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- MessageStore -----------------------------------------------------------

func (s *Store) FetchMessages(ctx context.Context, userID string) ([]messages.Message, error) {
	var rows []messages.Message
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, sender_id, receiver_id, content, created_at, COALESCE(listing_id::text, '') AS listing_id
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	return rows, nil
}

type messageRow struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	messages.Draft
}

func (s *Store) InsertMessage(ctx context.Context, draft messages.Draft) error {
	row := messageRow{ID: uuid.NewString(), CreatedAt: s.now(), Draft: draft}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, listing_id, created_at)
		VALUES (:id, :sender_id, :receiver_id, :content, NULLIF(:listing_id, '')::uuid, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// --- ProfileSource ----------------------------------------------------------

const profileColumns = `id, username, COALESCE(full_name, '') AS full_name, COALESCE(avatar_url, '') AS avatar_url`

func (s *Store) FetchProfile(ctx context.Context, userID string) (messages.Profile, error) {
	var p messages.Profile
	err := s.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return messages.Profile{}, fmt.Errorf("profile %s: %w", userID, errors.ErrProfileNotFound)
	}
	if err != nil {
		return messages.Profile{}, fmt.Errorf("select profile: %w", err)
	}
	return p, nil
}

// FetchProfiles implements messages.ProfileBatcher.
func (s *Store) FetchProfiles(ctx context.Context, ids []string) ([]messages.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []messages.Profile
	err := s.db.SelectContext(ctx, &rows, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	return rows, nil
}

// --- Authenticator ----------------------------------------------------------

func (s *Store) CurrentUser(context.Context) (string, error) {
	if s.userID == "" {
		return "", errors.ErrNotAuthenticated
	}
	return s.userID, nil
}

// --- ChangeFeed -------------------------------------------------------------

// SubscribeMessages listens on NotifyChannel and calls notify for changes
// involving userID. A dropped and re-established connection also calls
// notify since changes may have been missed.
func (s *Store) SubscribeMessages(ctx context.Context, userID string, notify func()) (messages.Subscription, error) {
	l, err := s.newListener(s.log)
	if err != nil {
		return nil, fmt.Errorf("open listener: %w", err)
	}
	if err := l.Listen(NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.listen(l, userID, notify, done)
	}()

	var once sync.Once
	return messages.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			close(done)
			err = l.Close()
			wg.Wait()
		})
		return err
	}), nil
}

func (s *Store) listen(l Listener, userID string, notify func(), done <-chan struct{}) {
	log := s.log.WithField("user_id", userID)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case n, ok := <-l.NotificationChannel():
			if !ok {
				return
			}
			if n == nil {
				log.Debug("listener reconnected")
				go notify()
				continue
			}
			payload := gjson.Parse(n.Extra)
			if payload.Get("sender_id").String() != userID && payload.Get("receiver_id").String() != userID {
				continue
			}
			log.WithField("op", payload.Get("op").String()).Debug("message change")
			go notify()
		case <-ping.C:
			if err := l.Ping(); err != nil {
				log.WithError(err).Warn("listener ping failed")
			}
		}
	}
}

// PQListener opens *pq.Listener connections to dsn.
func PQListener(dsn string) ListenerFactory {
	return func(log *logger.Logger) (Listener, error) {
		l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.WithError(err).WithField("event", int(ev)).Warn("postgres listener event")
			}
		})
		return l, nil
	}
}
