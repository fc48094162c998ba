package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

// JobStatus is the in-flight view of one admitted job
type JobStatus struct {
	JobID     string       `json:"job_id"`
	VideoID   string       `json:"video_id,omitempty"`
	Profile   string       `json:"profile,omitempty"`
	Stage     domain.Stage `json:"stage"`
	Attempt   int          `json:"attempt"`
	Partition string       `json:"partition"`
	StartedAt time.Time    `json:"started_at"`
}

// tracker holds the jobs that currently own an admission slot
type tracker struct {
	mu   sync.RWMutex
	seq  uint64
	jobs map[uint64]*JobStatus
}

func newTracker() *tracker {
	return &tracker{jobs: make(map[uint64]*JobStatus)}
}

func (t *tracker) add(status JobStatus) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	t.jobs[t.seq] = &status
	return t.seq
}

func (t *tracker) setStage(id uint64, stage domain.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.jobs[id]; ok {
		s.Stage = stage
	}
}

func (t *tracker) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

func (t *tracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *tracker) snapshot() []JobStatus {
	t.mu.RLock()
	out := make([]JobStatus, 0, len(t.jobs))
	for _, s := range t.jobs {
		out = append(out, *s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *tracker) find(jobID string) (JobStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.jobs {
		if s.JobID == jobID {
			return *s, true
		}
	}
	return JobStatus{}, false
}
