package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "lease:123-example-st", Key("123-example-st"))
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	a, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = l.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	b, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// an expired holder may be replaced, and its late release is harmless.
	now = now.Add(2 * time.Minute)
	c, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, c.Release(ctx))
}

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocal()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func newRedis(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "evidence:"), mr
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedis(t)

	a, err := l.Acquire(ctx, Key("t1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("evidence:lease:t1"))
	assert.Equal(t, "lease:t1", a.Key())

	_, err = l.Acquire(ctx, Key("t1"), time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("evidence:lease:t1"))
}

func TestRedisLocker_ExpiredReleaseKeepsSuccessor(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedis(t)

	a, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	b, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	assert.True(t, mr.Exists("evidence:k"))

	require.NoError(t, b.Release(ctx))
	assert.False(t, mr.Exists("evidence:k"))
}

func TestRedisLocker_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	l := NewRedis(client, "")
	_, err := l.Acquire(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}
