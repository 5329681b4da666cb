package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisWindow_LimitAndRetryAfter(t *testing.T) {
	_, client := newTestRedis(t)
	w := NewRedisWindow(client, "test:", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := w.Allow(ctx, "k", epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := w.Allow(ctx, "k", epoch.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 57*time.Second, d.RetryAfter)
	assert.WithinDuration(t, epoch.Add(time.Minute), d.ResetAt, 0)

	d, err = w.Allow(ctx, "k", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed, "oldest hit has left the window")
}

func TestRedisWindow_StoresUnderPrefix(t *testing.T) {
	mr, client := newTestRedis(t)
	w := NewRedisWindow(client, "test:anon:", 5, time.Minute)

	_, err := w.Allow(context.Background(), "1.2.3.4", epoch)
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:anon:1.2.3.4"))
	members, err := mr.ZMembers("test:anon:1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRedisWindow_SharedAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewRedisWindow(client, "p:", 2, time.Minute)
	b := NewRedisWindow(client, "p:", 2, time.Minute)
	ctx := context.Background()

	d1, _ := a.Allow(ctx, "k", epoch)
	d2, _ := b.Allow(ctx, "k", epoch.Add(time.Second))
	d3, _ := a.Allow(ctx, "k", epoch.Add(2*time.Second))

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
}

func TestRedisWindow_ConnectionError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	w := NewRedisWindow(client, "p:", 2, time.Minute)

	_, err := w.Allow(context.Background(), "k", epoch)
	assert.Error(t, err)
	assert.Error(t, w.Ping(context.Background()))
}
