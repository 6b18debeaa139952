package messages_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

type memoryShared struct {
	mu       sync.Mutex
	profiles map[string]messages.Profile
	getErr   error
	sets     int
}

func (m *memoryShared) GetProfile(_ context.Context, id string) (messages.Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return messages.Profile{}, false, m.getErr
	}
	p, ok := m.profiles[id]
	return p, ok, nil
}

func (m *memoryShared) SetProfile(_ context.Context, p messages.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	m.sets++
	return nil
}

func newCache(be messages.ProfileSource, opts ...messages.ProfileCacheOption) *messages.ProfileCache {
	opts = append([]messages.ProfileCacheOption{messages.WithCacheLogger(logger.NewDiscard())}, opts...)
	return messages.NewProfileCache(be, opts...)
}

func TestProfileCacheDeduplicatesConcurrentLookups(t *testing.T) {
	be := newBackend(t)
	be.ProfileGate = make(chan struct{})
	cache := newCache(be)

	futures := make([]<-chan messages.ProfileResult, 8)
	for i := range futures {
		futures[i] = cache.Get(context.Background(), userA)
	}

	require.Eventually(t, func() bool { return be.ProfileCalls(userA) == 1 }, time.Second, time.Millisecond)
	close(be.ProfileGate)

	for _, f := range futures {
		res := <-f
		require.NoError(t, res.Err)
		assert.Equal(t, "alice", res.Profile.Username)
	}
	assert.Equal(t, 1, be.ProfileCalls(userA))

	p, ok := cache.Peek(userA)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Username)

	// without a max age the next Get re-reads
	res := <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, be.ProfileCalls(userA))
}

func TestProfileCacheMaxAge(t *testing.T) {
	be := newBackend(t)
	now := base
	cache := newCache(be, messages.WithMaxAge(time.Minute), messages.WithCacheClock(func() time.Time { return now }))

	res := <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.True(t, cache.Fresh(userA))

	now = now.Add(30 * time.Second)
	res = <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, be.ProfileCalls(userA))

	be.AddProfile(messages.Profile{ID: userA, Username: "alice2"})
	now = now.Add(time.Minute)
	assert.False(t, cache.Fresh(userA))
	res = <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, "alice2", res.Profile.Username)
	assert.Equal(t, 2, be.ProfileCalls(userA))
}

func TestProfileCacheForgetsMissingProfiles(t *testing.T) {
	be := newBackend(t)
	cache := newCache(be)
	cache.Put(messages.Profile{ID: "ghost", Username: "gone"})

	res := <-cache.Get(context.Background(), "ghost")
	assert.ErrorIs(t, res.Err, errors.ErrProfileNotFound)
	_, ok := cache.Peek("ghost")
	assert.False(t, ok)
}

func TestProfileCacheDoesNotCacheFailures(t *testing.T) {
	be := newBackend(t)
	be.ProfileErrs[userA] = stderrors.New("503")
	cache := newCache(be)

	res := <-cache.Get(context.Background(), userA)
	require.Error(t, res.Err)
	_, ok := cache.Peek(userA)
	assert.False(t, ok)

	delete(be.ProfileErrs, userA)
	res = <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, be.ProfileCalls(userA))
	assert.Equal(t, 1, cache.Len())
}

func TestProfileCacheCallerCancellation(t *testing.T) {
	be := newBackend(t)
	be.ProfileGate = make(chan struct{})
	cache := newCache(be)

	ctx, cancel := context.WithCancel(context.Background())
	future := cache.Get(ctx, userA)
	cancel()

	res := <-future
	assert.ErrorIs(t, res.Err, context.Canceled)

	// the shared lookup keeps going for other callers
	close(be.ProfileGate)
	res = <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, "alice", res.Profile.Username)
}

func TestProfileCacheSharedTier(t *testing.T) {
	be := newBackend(t)
	shared := &memoryShared{profiles: map[string]messages.Profile{
		userB: {ID: userB, Username: "bob-from-redis"},
	}}
	cache := newCache(be, messages.WithSharedStore(shared))

	res := <-cache.Get(context.Background(), userB)
	require.NoError(t, res.Err)
	assert.Equal(t, "bob-from-redis", res.Profile.Username)
	assert.Zero(t, be.ProfileCalls(userB))

	res = <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, be.ProfileCalls(userA))
	assert.Equal(t, 1, shared.sets)
	assert.Contains(t, shared.profiles, userA)
}

func TestProfileCacheSharedTierErrorFallsBack(t *testing.T) {
	be := newBackend(t)
	shared := &memoryShared{profiles: map[string]messages.Profile{}, getErr: stderrors.New("redis down")}
	cache := newCache(be, messages.WithSharedStore(shared))

	res := <-cache.Get(context.Background(), userA)
	require.NoError(t, res.Err)
	assert.Equal(t, "alice", res.Profile.Username)
}
