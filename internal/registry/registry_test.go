package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterListDeregister(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registries := map[string]Registry{
		"redis": NewRedisRegistry(client, "transcode", 30*time.Second),
		"local": NewLocalRegistry(),
	}

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, reg := range registries {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, reg.Register(ctx, Node{ID: "node-b", Hostname: "h2", StartedAt: started, MaxConcurrent: 4}))
			require.NoError(t, reg.Register(ctx, Node{ID: "node-a", Hostname: "h1", StartedAt: started, MaxConcurrent: 8, HardwareDevice: "nvenc"}))
			require.NoError(t, reg.Heartbeat(ctx, Node{ID: "node-a", Hostname: "h1", StartedAt: started, MaxConcurrent: 8, InFlight: 3, HardwareDevice: "nvenc"}))

			nodes, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, "node-a", nodes[0].ID)
			assert.Equal(t, 3, nodes[0].InFlight)
			assert.Equal(t, 8, nodes[0].MaxConcurrent)
			assert.Equal(t, "nvenc", nodes[0].HardwareDevice)
			assert.True(t, started.Equal(nodes[0].StartedAt))
			assert.False(t, nodes[0].LastSeen.IsZero())

			require.NoError(t, reg.Deregister(ctx, "node-b"))
			nodes, err = reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, "node-a", nodes[0].ID)
		})
	}
}

func TestRedisRegistry_ExpiredNodesPruned(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	reg := NewRedisRegistry(client, "transcode", 15*time.Second)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Node{ID: "gone"}))
	mr.FastForward(16 * time.Second)
	require.NoError(t, reg.Register(ctx, Node{ID: "alive"}))

	nodes, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "alive", nodes[0].ID)

	members, err := mr.Members("transcode:nodes")
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, members)
}

func TestRedisRegistry_EmptyList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	nodes, err := NewRedisRegistry(client, "transcode", time.Minute).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
