// Package worker admits job requests from the queue, runs each through the
// pipeline and settles the delivery once the job reached a terminal outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/dedup"
	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/gate"
	"github.com/cuongbtq/transcode-worker/internal/metrics"
	"github.com/cuongbtq/transcode-worker/internal/pipeline"
	"github.com/cuongbtq/transcode-worker/internal/queue"
	"github.com/cuongbtq/transcode-worker/internal/registry"
)

// settleTimeout bounds ack, retry and publish calls after a job finished
const settleTimeout = 30 * time.Second

// Runner runs one job to a terminal outcome
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, onStage func(domain.Stage)) *domain.Outcome
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	NodeID    string
	Source    queue.Source
	Publisher queue.Publisher
	Pipeline  Runner
	// Dedup is optional; without it every delivery runs the pipeline
	Dedup    dedup.Window
	Registry registry.Registry
	Metrics  *metrics.Metrics

	MaxConcurrent     int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	HeartbeatInterval time.Duration
	ClaimTTL          time.Duration
	ClaimPollInterval time.Duration
	CompletedTTL      time.Duration
	ShutdownTimeout   time.Duration
	HardwareDevice    string
}

// Worker represents the transcode job worker of one node
type Worker struct {
	cfg       Config
	logger    *slog.Logger
	admission *gate.Gate
	inflight  *tracker
	metrics   *metrics.Metrics
	registry  registry.Registry
	startedAt time.Time

	wg       sync.WaitGroup
	draining atomic.Bool
	fatal    chan error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	c := *cfg
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 3 * c.HeartbeatInterval
	}
	if c.ClaimPollInterval <= 0 {
		c.ClaimPollInterval = time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Registry == nil {
		c.Registry = registry.NewLocalRegistry()
	}
	if c.NodeID == "" {
		c.NodeID, _ = os.Hostname()
	}

	return &Worker{
		cfg:       c,
		logger:    c.Logger.With(slog.String("node_id", c.NodeID)),
		admission: gate.New("admission", c.MaxConcurrent),
		inflight:  newTracker(),
		metrics:   c.Metrics,
		registry:  c.Registry,
		startedAt: time.Now().UTC(),
		fatal:     make(chan error, 1),
	}
}

// Start consumes job requests until ctx is canceled, the source fails or a
// job reports a configuration-fatal failure, then drains in-flight jobs.
// The returned error is non-nil only when the process should exit non-zero.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("max_concurrent", w.cfg.MaxConcurrent),
		slog.Int("max_attempts", w.cfg.MaxAttempts),
		slog.String("hardware_device", w.cfg.HardwareDevice),
	)

	if err := w.registry.Register(ctx, w.Node()); err != nil {
		w.logger.Warn("Failed to register node", slog.Any("error", err))
	}

	// jobs outlive the consume context so they can finish within the grace period
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	heartbeatDone := make(chan struct{})
	go w.sendNodeHeartbeat(consumeCtx, heartbeatDone)

	sourceDone := make(chan error, 1)
	go func() {
		sourceDone <- w.cfg.Source.Run(consumeCtx, w.handler(jobsCtx))
	}()

	var runErr error
	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case err := <-w.fatal:
		w.logger.Error("Configuration-fatal failure, stopping worker", slog.Any("error", err))
		runErr = err
	case err := <-sourceDone:
		sourceDone <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Queue source stopped", slog.Any("error", err))
			runErr = err
		}
	}

	w.draining.Store(true)
	stopConsuming()
	if err := <-sourceDone; err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("Queue source returned an error during shutdown", slog.Any("error", err))
	}
	<-heartbeatDone

	w.drain(cancelJobs)

	deregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.registry.Deregister(deregisterCtx, w.cfg.NodeID); err != nil {
		w.logger.Warn("Failed to deregister node", slog.Any("error", err))
	}

	if runErr == nil {
		select {
		case err := <-w.fatal:
			runErr = err
		default:
		}
	}
	w.logger.Info("Worker stopped")
	return runErr
}

// drain waits for in-flight jobs up to the shutdown timeout, then cancels
// them so their deliveries are released rather than acked
func (w *Worker) drain(cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	w.logger.Info("Waiting for in-flight jobs",
		slog.Int("in_flight", w.inflight.len()),
		slog.Duration("grace_period", w.cfg.ShutdownTimeout),
	)

	var grace <-chan time.Time
	if w.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(w.cfg.ShutdownTimeout)
		defer timer.Stop()
		grace = timer.C
	}

	select {
	case <-done:
		return
	case <-grace:
	}

	w.logger.Warn("Shutdown grace period expired, canceling in-flight jobs",
		slog.Int("in_flight", w.inflight.len()),
	)
	cancelJobs()
	<-done
}

// Ready reports whether the worker is admitting jobs
func (w *Worker) Ready() bool {
	return !w.draining.Load() && w.cfg.Source.Connected()
}

// Draining reports whether shutdown has begun
func (w *Worker) Draining() bool {
	return w.draining.Load()
}

// InFlight returns the jobs currently holding an admission slot, oldest first
func (w *Worker) InFlight() []JobStatus {
	return w.inflight.snapshot()
}

// Job returns the in-flight job with the given identity
func (w *Worker) Job(jobID string) (JobStatus, bool) {
	return w.inflight.find(jobID)
}

// Node describes this worker for the node registry
func (w *Worker) Node() registry.Node {
	host, _ := os.Hostname()
	return registry.Node{
		ID:             w.cfg.NodeID,
		Hostname:       host,
		StartedAt:      w.startedAt,
		LastSeen:       time.Now().UTC(),
		MaxConcurrent:  w.cfg.MaxConcurrent,
		InFlight:       w.inflight.len(),
		HardwareDevice: w.cfg.HardwareDevice,
		Draining:       w.draining.Load(),
	}
}

func (w *Worker) sendNodeHeartbeat(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.registry.Heartbeat(ctx, w.Node()); err != nil && ctx.Err() == nil {
				w.logger.Warn("Failed to send node heartbeat", slog.Any("error", err))
			}
		}
	}
}

// escalate stops the worker; only the first fatal error is kept
func (w *Worker) escalate(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}
