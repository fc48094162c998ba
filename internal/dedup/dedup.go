// Package dedup tracks which job identities are being processed or were
// recently completed, so redelivered requests are recognized.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a time-bounded record of claimed and completed job identities
type Window interface {
	// Claim takes the identity for owner; false when someone else holds it
	Claim(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error)
	// Renew extends a claim held by owner; false when the claim was lost
	Renew(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error)
	// Release drops a claim held by owner
	Release(ctx context.Context, identity, owner string) error
	// MarkCompleted records that the identity reached Completed
	MarkCompleted(ctx context.Context, identity string, payload []byte, ttl time.Duration) error
	// LookupCompleted returns the stored completion payload, if any
	LookupCompleted(ctx context.Context, identity string) ([]byte, bool, error)
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisWindow keeps claims and completion markers in Redis
type RedisWindow struct {
	client redis.Cmdable
	prefix string
}

// NewRedisWindow creates a window under key prefix
func NewRedisWindow(client redis.Cmdable, prefix string) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix}
}

func (w *RedisWindow) claimKey(identity string) string {
	return w.prefix + ":claim:" + identity
}

func (w *RedisWindow) doneKey(identity string) string {
	return w.prefix + ":done:" + identity
}

// Claim uses SET NX PX
func (w *RedisWindow) Claim(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	ok, err := w.client.SetNX(ctx, w.claimKey(identity), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", identity, err)
	}
	return ok, nil
}

// Renew extends the claim only if owner still holds it
func (w *RedisWindow) Renew(ctx context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, w.client, []string{w.claimKey(identity)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew claim on %s: %w", identity, err)
	}
	return n == 1, nil
}

// Release deletes the claim only if owner still holds it
func (w *RedisWindow) Release(ctx context.Context, identity, owner string) error {
	if err := releaseScript.Run(ctx, w.client, []string{w.claimKey(identity)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release claim on %s: %w", identity, err)
	}
	return nil
}

// MarkCompleted stores the completion payload for ttl
func (w *RedisWindow) MarkCompleted(ctx context.Context, identity string, payload []byte, ttl time.Duration) error {
	if err := w.client.Set(ctx, w.doneKey(identity), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", identity, err)
	}
	return nil
}

// LookupCompleted reads the completion marker
func (w *RedisWindow) LookupCompleted(ctx context.Context, identity string) ([]byte, bool, error) {
	payload, err := w.client.Get(ctx, w.doneKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up %s: %w", identity, err)
	}
	return payload, true, nil
}

type entry struct {
	value   string
	payload []byte
	expires time.Time
}

// MemoryWindow is a process-local Window for single-node deployments and tests
type MemoryWindow struct {
	mu     sync.Mutex
	claims map[string]entry
	done   map[string]entry
	now    func() time.Time
}

// NewMemoryWindow creates an empty in-process window
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		claims: make(map[string]entry),
		done:   make(map[string]entry),
		now:    time.Now,
	}
}

func (w *MemoryWindow) live(m map[string]entry, key string) (entry, bool) {
	e, ok := m[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !w.now().Before(e.expires) {
		delete(m, key)
		return entry{}, false
	}
	return e, true
}

func (w *MemoryWindow) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return w.now().Add(ttl)
}

func (w *MemoryWindow) Claim(_ context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, held := w.live(w.claims, identity); held {
		return false, nil
	}
	w.claims[identity] = entry{value: owner, expires: w.expiry(ttl)}
	return true, nil
}

func (w *MemoryWindow) Renew(_ context.Context, identity, owner string, ttl time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, held := w.live(w.claims, identity)
	if !held || e.value != owner {
		return false, nil
	}
	e.expires = w.expiry(ttl)
	w.claims[identity] = e
	return true, nil
}

func (w *MemoryWindow) Release(_ context.Context, identity, owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, held := w.live(w.claims, identity); held && e.value == owner {
		delete(w.claims, identity)
	}
	return nil
}

func (w *MemoryWindow) MarkCompleted(_ context.Context, identity string, payload []byte, ttl time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done[identity] = entry{payload: append([]byte(nil), payload...), expires: w.expiry(ttl)}
	return nil
}

func (w *MemoryWindow) LookupCompleted(_ context.Context, identity string) ([]byte, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.live(w.done, identity)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.payload...), true, nil
}
