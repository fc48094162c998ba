// Package gate provides a bounded counting gate used for job admission and
// hardware encoder sessions.
package gate

import (
	"context"
	"sync/atomic"
)

type token struct{}

// Gate is a counting semaphore backed by a token channel.
// A Gate with capacity 0 is unlimited.
type Gate struct {
	name   string
	tokens chan token
	inUse  atomic.Int64
	peak   atomic.Int64
}

// New creates a gate of the given capacity. capacity <= 0 means unlimited.
func New(name string, capacity int) *Gate {
	g := &Gate{name: name}
	if capacity > 0 {
		g.tokens = make(chan token, capacity)
	}
	return g
}

// Name returns the gate name used in logs and metrics
func (g *Gate) Name() string {
	return g.name
}

// Capacity returns the gate size, 0 when unlimited
func (g *Gate) Capacity() int {
	if g.tokens == nil {
		return 0
	}
	return cap(g.tokens)
}

// Acquire blocks until a token is free or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	if g.tokens != nil {
		select {
		case g.tokens <- token{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.track()
	return nil
}

// TryAcquire takes a token without blocking
func (g *Gate) TryAcquire() bool {
	if g.tokens != nil {
		select {
		case g.tokens <- token{}:
		default:
			return false
		}
	}
	g.track()
	return true
}

// Release returns a token taken by Acquire or TryAcquire
func (g *Gate) Release() {
	if g.inUse.Add(-1) < 0 {
		g.inUse.Add(1)
		panic("gate: release without acquire on " + g.name)
	}
	if g.tokens != nil {
		<-g.tokens
	}
}

// InUse returns the number of tokens currently held
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Peak returns the highest number of tokens held at once
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}

func (g *Gate) track() {
	n := g.inUse.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}
