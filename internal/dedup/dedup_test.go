package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisWindow(t *testing.T) (*RedisWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWindow(client, "transcode"), mr
}

func TestWindow_ClaimLifecycle(t *testing.T) {
	redisWindow, _ := newRedisWindow(t)

	windows := map[string]Window{
		"redis":  redisWindow,
		"memory": NewMemoryWindow(),
	}

	for name, w := range windows {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "b1:v.mp4:abc:720p"

			ok, err := w.Claim(ctx, id, "node-a/1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = w.Claim(ctx, id, "node-b/1", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must fail while held")

			ok, err = w.Renew(ctx, id, "node-b/1", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "only the owner renews")

			ok, err = w.Renew(ctx, id, "node-a/1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// release by a stranger is a no-op
			require.NoError(t, w.Release(ctx, id, "node-b/1"))
			ok, err = w.Claim(ctx, id, "node-b/1", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, w.Release(ctx, id, "node-a/1"))
			ok, err = w.Claim(ctx, id, "node-b/1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestWindow_Completed(t *testing.T) {
	redisWindow, _ := newRedisWindow(t)

	windows := map[string]Window{
		"redis":  redisWindow,
		"memory": NewMemoryWindow(),
	}

	for name, w := range windows {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := w.LookupCompleted(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, w.MarkCompleted(ctx, "id", []byte(`{"job_id":"id"}`), time.Hour))
			payload, found, err := w.LookupCompleted(ctx, "id")
			require.NoError(t, err)
			assert.True(t, found)
			assert.JSONEq(t, `{"job_id":"id"}`, string(payload))
		})
	}
}

func TestRedisWindow_ClaimExpires(t *testing.T) {
	w, mr := newRedisWindow(t)
	ctx := context.Background()

	ok, err := w.Claim(ctx, "id", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("transcode:claim:id"))

	mr.FastForward(11 * time.Second)

	ok, err = w.Renew(ctx, "id", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "expired claim cannot be renewed")

	ok, err = w.Claim(ctx, "id", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWindow_Unavailable(t *testing.T) {
	w, mr := newRedisWindow(t)
	mr.Close()

	_, err := w.Claim(context.Background(), "id", "a", time.Second)
	require.Error(t, err)
	_, _, err = w.LookupCompleted(context.Background(), "id")
	require.Error(t, err)
}

func TestMemoryWindow_Expiry(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := w.Claim(ctx, "id", "a", time.Minute)
	require.True(t, ok)
	require.NoError(t, w.MarkCompleted(ctx, "id", []byte("x"), time.Hour))

	now = now.Add(2 * time.Minute)
	ok, _ = w.Claim(ctx, "id", "b", time.Minute)
	assert.True(t, ok, "stale claim is taken over")

	_, found, _ := w.LookupCompleted(ctx, "id")
	assert.True(t, found)

	now = now.Add(2 * time.Hour)
	_, found, _ = w.LookupCompleted(ctx, "id")
	assert.False(t, found)
}
