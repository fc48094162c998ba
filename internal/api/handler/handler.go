package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/metadata"
	"github.com/cuongbtq/transcode-worker/internal/profile"
	"github.com/cuongbtq/transcode-worker/internal/queue"
	"github.com/cuongbtq/transcode-worker/internal/registry"
	"github.com/cuongbtq/transcode-worker/internal/worker"
)

// WorkerState is the read-only view of the local worker
type WorkerState interface {
	Ready() bool
	Draining() bool
	InFlight() []worker.JobStatus
	Job(jobID string) (worker.JobStatus, bool)
	Node() registry.Node
}

// RecordReader reads per-video records
type RecordReader interface {
	Get(ctx context.Context, recordID string) (*metadata.Record, error)
}

// HealthChecker verifies a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Service   string
	Version   string
	StartedAt time.Time
	Worker    WorkerState
	Catalog   *profile.Catalog
	Registry  registry.Registry
	Publisher queue.Publisher
	Records   RecordReader
	// Database is optional; when set /health reports whether it answers
	Database  HealthChecker
}

// JobHandler serves the in-flight job view and replays
type JobHandler struct {
	logger    *slog.Logger
	worker    WorkerState
	catalog   *profile.Catalog
	publisher queue.Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		worker:    deps.Worker,
		catalog:   deps.Catalog,
		publisher: deps.Publisher,
	}
}

// SystemHandler serves health, readiness, profiles, nodes and video records
type SystemHandler struct {
	logger    *slog.Logger
	service   string
	version   string
	startedAt time.Time
	worker    WorkerState
	catalog   *profile.Catalog
	registry  registry.Registry
	records   RecordReader
	database  HealthChecker
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	startedAt := deps.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return &SystemHandler{
		logger:    deps.Logger,
		service:   deps.Service,
		version:   deps.Version,
		startedAt: startedAt,
		worker:    deps.Worker,
		catalog:   deps.Catalog,
		registry:  deps.Registry,
		records:   deps.Records,
		database:  deps.Database,
	}
}
