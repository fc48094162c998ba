// Package registry publishes worker nodes to a shared directory so operators
// can see which nodes are alive and what they are doing.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Node describes one worker process
type Node struct {
	ID             string    `json:"id"`
	Hostname       string    `json:"hostname"`
	StartedAt      time.Time `json:"started_at"`
	LastSeen       time.Time `json:"last_seen"`
	MaxConcurrent  int       `json:"max_concurrent"`
	InFlight       int       `json:"in_flight"`
	HardwareDevice string    `json:"hardware_device,omitempty"`
	Draining       bool      `json:"draining"`
}

// Registry is an eventually-consistent directory of live nodes
type Registry interface {
	Register(ctx context.Context, node Node) error
	Heartbeat(ctx context.Context, node Node) error
	Deregister(ctx context.Context, nodeID string) error
	List(ctx context.Context) ([]Node, error)
}

// RedisRegistry stores each node as a hash that expires unless heartbeated
type RedisRegistry struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a registry whose entries live for ttl after the last heartbeat
func NewRedisRegistry(client redis.Cmdable, prefix string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) nodeKey(id string) string {
	return r.prefix + ":node:" + id
}

func (r *RedisRegistry) setKey() string {
	return r.prefix + ":nodes"
}

func (r *RedisRegistry) Register(ctx context.Context, node Node) error {
	return r.write(ctx, node)
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, node Node) error {
	return r.write(ctx, node)
}

func (r *RedisRegistry) write(ctx context.Context, node Node) error {
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now().UTC()
	}
	key := r.nodeKey(node.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"id":              node.ID,
			"hostname":        node.Hostname,
			"started_at":      node.StartedAt.UTC().Format(time.RFC3339Nano),
			"last_seen":       node.LastSeen.UTC().Format(time.RFC3339Nano),
			"max_concurrent":  node.MaxConcurrent,
			"in_flight":       node.InFlight,
			"hardware_device": node.HardwareDevice,
			"draining":        strconv.FormatBool(node.Draining),
		})
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, r.setKey(), node.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish node %s: %w", node.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, nodeID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.nodeKey(nodeID))
		pipe.SRem(ctx, r.setKey(), nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deregister node %s: %w", nodeID, err)
	}
	return nil
}

// List returns live nodes ordered by id and prunes members whose hash expired
func (r *RedisRegistry) List(ctx context.Context) ([]Node, error) {
	ids, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	if len(ids) == 0 {
		return []Node{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.nodeKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}

	nodes := make([]Node, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		nodes = append(nodes, decodeNode(fields))
	}
	if len(stale) > 0 {
		// best effort; a failed prune is retried on the next List
		r.client.SRem(ctx, r.setKey(), stale...)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func decodeNode(fields map[string]string) Node {
	n := Node{
		ID:             fields["id"],
		Hostname:       fields["hostname"],
		HardwareDevice: fields["hardware_device"],
	}
	n.StartedAt, _ = time.Parse(time.RFC3339Nano, fields["started_at"])
	n.LastSeen, _ = time.Parse(time.RFC3339Nano, fields["last_seen"])
	n.MaxConcurrent, _ = strconv.Atoi(fields["max_concurrent"])
	n.InFlight, _ = strconv.Atoi(fields["in_flight"])
	n.Draining, _ = strconv.ParseBool(fields["draining"])
	return n
}

// LocalRegistry only knows about nodes in this process. Used when redis is disabled.
type LocalRegistry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{nodes: make(map[string]Node)}
}

func (r *LocalRegistry) Register(_ context.Context, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now().UTC()
	}
	r.nodes[node.ID] = node
	return nil
}

func (r *LocalRegistry) Heartbeat(ctx context.Context, node Node) error {
	return r.Register(ctx, node)
}

func (r *LocalRegistry) Deregister(_ context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
	return nil
}

func (r *LocalRegistry) List(_ context.Context) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
