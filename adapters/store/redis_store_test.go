package store_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/core"
)

// newRedisStore connects to TEST_REDIS_URL when set and to an in-process
// miniredis otherwise. The returned server is nil for a real Redis.
func newRedisStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	var (
		opts   *redis.Options
		server *miniredis.Miniredis
	)
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		var err error
		opts, err = redis.ParseURL(url)
		require.NoError(t, err)
	} else {
		server = miniredis.RunT(t)
		opts = &redis.Options{Addr: server.Addr()}
	}

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewRedisStore(client, time.Hour)
	require.NoError(t, s.Ping(context.Background()))
	return s, server
}

func TestRedisStore_Challenge(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	address := "wallet-" + uuid.NewString()

	require.NoError(t, s.PutChallenge(ctx, core.Challenge{
		Address:   address,
		Text:      "sign me",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	assert.ErrorIs(t, s.ConsumeChallenge(ctx, address, "nope"), core.ErrChallengeMismatch)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ConsumeChallenge(ctx, address, "sign me") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.ErrorIs(t, s.ConsumeChallenge(ctx, address, "sign me"), core.ErrChallengeExpiredOrConsumed)
}

func TestRedisStore_Session(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, s.PutSession(ctx, core.Session{
		ID: id, OwnerID: "owner", Address: "wallet", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "owner", got.OwnerID)

	require.NoError(t, s.DeleteSession(ctx, id))
	_, err = s.GetSession(ctx, id)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRedisStore_Usage(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	id := core.UserIdentity(uuid.NewString())
	bucket := core.DateBucket(time.Now())

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.IncrementUsageBelow(ctx, id, bucket, 5); err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), allowed.Load())

	n, err := s.IncrementUsage(ctx, id, bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = s.GetUsage(ctx, id, bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestRedisStore_IncrementWindow(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	key := "login:" + uuid.NewString()
	end := time.Now().Add(time.Minute)

	n, err := s.IncrementWindow(ctx, key, end)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementWindow(ctx, key, end)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisStore_PlainIncrementLosesNoUpdates(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	id := core.AnonymousIdentity(uuid.NewString())
	bucket := core.DateBucket(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementUsage(ctx, id, bucket)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := s.GetUsage(ctx, id, bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
}

func TestRedisStore_Expiry(t *testing.T) {
	s, server := newRedisStore(t)
	if server == nil {
		t.Skip("expiry is driven by the in-process server clock")
	}
	ctx := context.Background()
	address := "wallet-" + uuid.NewString()
	now := time.Now()

	require.NoError(t, s.PutChallenge(ctx, core.Challenge{
		Address: address, Text: "sign me", IssuedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	id := uuid.NewString()
	require.NoError(t, s.PutSession(ctx, core.Session{
		ID: id, OwnerID: "owner", Address: "wallet", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))
	key := "login:" + uuid.NewString()
	_, err := s.IncrementWindow(ctx, key, now.Add(time.Minute))
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)

	assert.ErrorIs(t, s.ConsumeChallenge(ctx, address, "sign me"), core.ErrChallengeExpiredOrConsumed)
	_, err = s.GetSession(ctx, id)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	n, err := s.IncrementWindow(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, server := newRedisStore(t)
	if server == nil {
		t.Skip("needs a server the test can stop")
	}
	ctx := context.Background()
	server.Close()

	assert.ErrorIs(t, s.Ping(ctx), core.ErrStorageUnavailable)
	_, _, err := s.IncrementUsageBelow(ctx, core.UserIdentity("u"), core.DateBucket(time.Now()), 5)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.ErrorIs(t, s.ConsumeChallenge(ctx, "wallet", "sign me"), core.ErrStorageUnavailable)
}
