// Package cache provides a Redis tier for resolved profiles so several
// clients share lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/marketfeed/marketfeed/internal/messages"
)

const (
	keyPrefix  = "marketfeed:profile:"
	defaultTTL = 10 * time.Minute
)

// kv is the part of redis.Cmdable the store needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ProfileStore implements messages.SharedProfileStore on Redis.
type ProfileStore struct {
	rdb kv
	ttl time.Duration
}

var _ messages.SharedProfileStore = (*ProfileStore)(nil)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*ProfileStore, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewProfileStore(rdb, opts.TTL), rdb, nil
}

// NewProfileStore wraps an existing client. A zero ttl uses ten minutes.
func NewProfileStore(rdb redis.Cmdable, ttl time.Duration) *ProfileStore {
	return newProfileStore(rdb, ttl)
}

func newProfileStore(rdb kv, ttl time.Duration) *ProfileStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ProfileStore{rdb: rdb, ttl: ttl}
}

func key(userID string) string { return keyPrefix + userID }

// GetProfile returns a cached profile. A miss is ok=false with a nil error.
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (messages.Profile, bool, error) {
	raw, err := s.rdb.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return messages.Profile{}, false, nil
	}
	if err != nil {
		return messages.Profile{}, false, fmt.Errorf("redis get: %w", err)
	}

	var p messages.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return messages.Profile{}, false, fmt.Errorf("decode cached profile %s: %w", userID, err)
	}
	return p, true, nil
}

// SetProfile caches p for the store's TTL.
func (s *ProfileStore) SetProfile(ctx context.Context, p messages.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key(p.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Forget drops a cached profile, e.g. after the user edits it.
func (s *ProfileStore) Forget(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
