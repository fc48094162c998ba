package queue

import "sync"

// OffsetTracker follows the offsets of one partition that were handed out
// and reports how far the committed position may advance. Offsets must be
// added in increasing order.
type OffsetTracker struct {
	mu      sync.Mutex
	pending []int64
	done    map[int64]bool
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{done: make(map[int64]bool)}
}

// Add registers an offset that is now in flight
func (t *OffsetTracker) Add(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, offset)
}

// Done marks offset as finished. It returns the highest offset below which
// everything has finished, and true when that position moved.
func (t *OffsetTracker) Done(offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[offset] = true

	var (
		highest  int64
		advanced bool
	)
	for len(t.pending) > 0 && t.done[t.pending[0]] {
		highest = t.pending[0]
		delete(t.done, highest)
		t.pending = t.pending[1:]
		advanced = true
	}
	return highest, advanced
}

// Pending returns how many offsets are still in flight
func (t *OffsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
