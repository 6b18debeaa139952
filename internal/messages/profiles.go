package messages

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketfeed/marketfeed/internal/app/metrics"
	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

const defaultLookupTimeout = 15 * time.Second

// ProfileResult is the outcome of a profile lookup.
type ProfileResult struct {
	Profile Profile
	Err     error
}

// SharedProfileStore is an optional second cache tier shared between
// processes. Misses return ok=false with a nil error.
type SharedProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, bool, error)
	SetProfile(ctx context.Context, p Profile) error
}

// ProfileCache remembers resolved profiles. Get answers from memory only
// while an entry is younger than the max age (zero by default, so every Get
// re-reads the profile); Peek returns whatever is remembered, however old.
// Concurrent lookups of the same id share one backend call. Failed lookups
// are not remembered, and a profile found missing is forgotten.
//
// The shared tier is consulted only for ids with no in-memory entry, so a
// fresh process starts from it and then keeps itself current.
type ProfileCache struct {
	source  ProfileSource
	shared  SharedProfileStore
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
	log     *logger.Logger

	group singleflight.Group

	mu       sync.RWMutex
	profiles map[string]cachedProfile
}

type cachedProfile struct {
	profile Profile
	at      time.Time
}

// ProfileCacheOption customises a ProfileCache.
type ProfileCacheOption func(*ProfileCache)

// WithSharedStore adds a shared tier consulted before the source.
func WithSharedStore(store SharedProfileStore) ProfileCacheOption {
	return func(c *ProfileCache) { c.shared = store }
}

// WithLookupTimeout bounds each backend lookup.
func WithLookupTimeout(d time.Duration) ProfileCacheOption {
	return func(c *ProfileCache) { c.timeout = d }
}

// WithMaxAge lets Get answer from memory for entries younger than d.
func WithMaxAge(d time.Duration) ProfileCacheOption {
	return func(c *ProfileCache) { c.maxAge = d }
}

// WithCacheClock overrides time.Now. Used by tests.
func WithCacheClock(now func() time.Time) ProfileCacheOption {
	return func(c *ProfileCache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(log *logger.Logger) ProfileCacheOption {
	return func(c *ProfileCache) { c.log = log }
}

// NewProfileCache creates an empty cache over source.
func NewProfileCache(source ProfileSource, opts ...ProfileCacheOption) *ProfileCache {
	c := &ProfileCache{
		source:   source,
		timeout:  defaultLookupTimeout,
		now:      time.Now,
		log:      logger.NewDefault("profile-cache"),
		profiles: make(map[string]cachedProfile),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Peek returns a cached profile without fetching.
func (c *ProfileCache) Peek(userID string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.profiles[userID]
	return e.profile, ok
}

// Fresh reports whether Get would answer userID from memory.
func (c *ProfileCache) Fresh(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.profiles[userID]
	return ok && c.now().Sub(e.at) < c.maxAge
}

// Put stores p in the in-memory tier.
func (c *ProfileCache) Put(p Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = cachedProfile{profile: p, at: c.now()}
	c.mu.Unlock()
}

// Forget drops userID from the in-memory tier.
func (c *ProfileCache) Forget(userID string) {
	c.mu.Lock()
	delete(c.profiles, userID)
	c.mu.Unlock()
}

// Len returns the number of cached profiles.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}

// Get returns a future for userID's profile. The channel receives exactly
// one result and is then closed. The backend call is shared with any other
// in-flight Get for the same id and is not cancelled when ctx is; ctx only
// bounds how long this caller waits.
func (c *ProfileCache) Get(ctx context.Context, userID string) <-chan ProfileResult {
	out := make(chan ProfileResult, 1)

	if c.Fresh(userID) {
		if p, ok := c.Peek(userID); ok {
			metrics.RecordProfileLookup("hit")
			out <- ProfileResult{Profile: p}
			close(out)
			return out
		}
	}

	shared := c.group.DoChan(userID, func() (any, error) {
		return c.resolve(context.WithoutCancel(ctx), userID)
	})

	go func() {
		defer close(out)
		select {
		case res := <-shared:
			if res.Err != nil {
				out <- ProfileResult{Err: res.Err}
				return
			}
			out <- ProfileResult{Profile: res.Val.(Profile)}
		case <-ctx.Done():
			out <- ProfileResult{Err: ctx.Err()}
		}
	}()
	return out
}

func (c *ProfileCache) resolve(ctx context.Context, userID string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, known := c.Peek(userID); c.shared != nil && !known {
		p, ok, err := c.shared.GetProfile(ctx, userID)
		switch {
		case err != nil:
			c.log.WithContext(ctx).WithError(err).WithField("user_id", userID).Warn("shared profile cache read failed")
		case ok:
			metrics.RecordProfileLookup("shared_hit")
			c.Put(p)
			return p, nil
		}
	}

	p, err := c.source.FetchProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrProfileNotFound) {
			c.Forget(userID)
		}
		metrics.RecordProfileLookup("error")
		return Profile{}, err
	}
	metrics.RecordProfileLookup("fetched")
	c.Put(p)

	if c.shared != nil {
		if err := c.shared.SetProfile(ctx, p); err != nil {
			c.log.WithContext(ctx).WithError(err).WithField("user_id", userID).Warn("shared profile cache write failed")
		}
	}
	return p, nil
}
