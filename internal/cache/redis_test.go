package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketfeed/marketfeed/internal/messages"
)

type fakeKV struct {
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, k string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[k]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, k string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.data[k] = string(value.([]byte))
	f.ttls[k] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestProfileStoreRoundTrip(t *testing.T) {
	kv := newFakeKV()
	store := newProfileStore(kv, 0)
	ctx := context.Background()

	_, ok, err := store.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	p := messages.Profile{ID: "a", Username: "alice", FullName: "Alice"}
	require.NoError(t, store.SetProfile(ctx, p))
	assert.Equal(t, defaultTTL, kv.ttls["marketfeed:profile:a"])

	got, ok, err := store.GetProfile(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	require.NoError(t, store.Forget(ctx, "a"))
	_, ok, err = store.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProfileStoreErrors(t *testing.T) {
	kv := newFakeKV()
	store := newProfileStore(kv, time.Minute)

	kv.data["marketfeed:profile:bad"] = "{not json"
	_, _, err := store.GetProfile(context.Background(), "bad")
	assert.ErrorContains(t, err, "decode cached profile")

	kv.getErr = errors.New("connection refused")
	_, ok, err := store.GetProfile(context.Background(), "a")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx := context.Background()
	store, rdb, err := New(ctx, Options{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	defer rdb.Close()

	p := messages.Profile{ID: "integration-user", Username: "it"}
	require.NoError(t, store.SetProfile(ctx, p))
	defer store.Forget(ctx, p.ID)

	got, ok, err := store.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)
}
