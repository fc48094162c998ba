package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/metrics"
	"github.com/cuongbtq/transcode-worker/internal/pipeline"
	"github.com/cuongbtq/transcode-worker/internal/queue"
	"github.com/google/uuid"
)

// processJob runs one admitted delivery and settles it. The delivery is
// acked only after a terminal outcome was handled: the completion published
// or the failure durably dead-lettered.
func (w *Worker) processJob(ctx context.Context, d queue.Delivery) {
	attempt := d.Attempt()

	req, err := domain.ParseJobRequest(d.Body())
	if err != nil {
		w.deadLetterRaw(ctx, d, attempt, err)
		return
	}

	identity := req.Identity()
	logger := w.logger.With(
		slog.String("job_id", identity),
		slog.Int("attempt", attempt),
		slog.String("partition", d.Partition()),
	)
	if req.JobID != "" && req.JobID != identity {
		logger.Warn("Ignoring job_id that does not match the request fingerprint",
			slog.String("received_job_id", req.JobID),
		)
	}

	owner := w.cfg.NodeID + "/" + uuid.NewString()
	proceed, settled := w.claim(ctx, d, identity, owner, logger)
	if !proceed {
		if !settled {
			w.release(d, "claim not acquired")
			w.metrics.JobFinished(metrics.OutcomeReleased, domain.StageReceived)
		}
		return
	}
	defer w.releaseClaim(identity, owner, logger)

	trackID := w.inflight.add(JobStatus{
		JobID:     identity,
		VideoID:   req.VideoID(),
		Profile:   req.Profile,
		Stage:     domain.StageReceived,
		Attempt:   attempt,
		Partition: d.Partition(),
		StartedAt: time.Now().UTC(),
	})
	defer w.inflight.remove(trackID)

	logger.Info("Processing job",
		slog.String("profile", req.Profile),
		slog.String("video_id", req.VideoID()),
	)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(heartbeatCtx, identity, owner, logger, heartbeatDone)

	outcome := w.cfg.Pipeline.Run(ctx, pipeline.Job{
		Request: req,
		Attempt: attempt,
		Final:   attempt >= w.cfg.MaxAttempts,
	}, func(stage domain.Stage) {
		w.inflight.setStage(trackID, stage)
	})

	stopHeartbeat()
	<-heartbeatDone

	if outcome.Attempt == 0 {
		outcome.Attempt = attempt
	}
	w.settle(ctx, d, req, outcome, logger)
}

// settle routes a terminal outcome: completion, retry, release or dead letter
func (w *Worker) settle(ctx context.Context, d queue.Delivery, req *domain.JobRequest, outcome *domain.Outcome, logger *slog.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if outcome.Succeeded() {
		w.complete(settleCtx, d, req, outcome, logger)
		return
	}

	failed := outcome.Failed
	switch {
	case ctx.Err() != nil:
		// forced shutdown; the job never reached a terminal state of its own
		logger.Warn("Job interrupted by shutdown, releasing message",
			slog.String("stage", string(failed.Stage)),
		)
		w.release(d, "job interrupted")
		w.metrics.JobFinished(metrics.OutcomeReleased, failed.Stage)

	case failed.Kind == domain.KindConfigurationFatal:
		w.release(d, "configuration fatal")
		w.metrics.JobFinished(metrics.OutcomeReleased, failed.Stage)
		w.escalate(failed.Err)

	case failed.Retryable && outcome.Attempt < w.cfg.MaxAttempts:
		w.retry(settleCtx, d, outcome, logger)

	default:
		w.deadLetter(settleCtx, d, req, outcome, logger)
	}
}

func (w *Worker) complete(ctx context.Context, d queue.Delivery, req *domain.JobRequest, outcome *domain.Outcome, logger *slog.Logger) {
	ev := domain.NewCompletionEvent(req, outcome, w.cfg.NodeID)
	if err := w.cfg.Publisher.PublishCompletion(ctx, ev); err != nil {
		logger.Error("Failed to publish completion event", slog.Any("error", err))
		if outcome.Attempt < w.cfg.MaxAttempts {
			// outputs and metadata are stored; a rerun reuses them and publishes again
			w.retry(ctx, d, outcome, logger)
			return
		}

		failed := domain.FailedOutcome(req.Identity(), domain.NewStageError(domain.StageCompleted,
			domain.KindTransientInfra, fmt.Errorf("completion not published: %w", err)))
		failed.Attempt = outcome.Attempt
		failed.Duration = outcome.Duration
		w.deadLetter(ctx, d, req, failed, logger)
		return
	}

	if w.cfg.Dedup != nil {
		payload, _ := json.Marshal(ev)
		if err := w.cfg.Dedup.MarkCompleted(ctx, ev.JobID, payload, w.cfg.CompletedTTL); err != nil {
			logger.Warn("Failed to record completion marker", slog.Any("error", err))
		}
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error("Failed to ACK message", slog.Any("error", err))
	}
	w.metrics.JobFinished(metrics.OutcomeCompleted, domain.StageCompleted)

	logger.Info("Job completed successfully",
		slog.Duration("duration", outcome.Duration),
		slog.String("encoder_path", string(outcome.Completed.EncoderPath)),
	)
}

func (w *Worker) retry(ctx context.Context, d queue.Delivery, outcome *domain.Outcome, logger *slog.Logger) {
	kind := domain.KindTransientInfra
	stage := domain.StageCompleted
	if outcome.Failed != nil {
		kind = outcome.Failed.Kind
		stage = outcome.Failed.Stage
	}
	delay := w.backoff(outcome.Attempt, kind)

	if err := d.Retry(ctx, delay); err != nil {
		logger.Error("Failed to schedule retry, releasing message",
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		w.release(d, "retry not scheduled")
		w.metrics.JobFinished(metrics.OutcomeReleased, stage)
		return
	}

	logger.Info("Job will be retried",
		slog.String("stage", string(stage)),
		slog.Int("next_attempt", outcome.Attempt+1),
		slog.Int("max_attempts", w.cfg.MaxAttempts),
		slog.Duration("delay", delay),
	)
	w.metrics.JobFinished(metrics.OutcomeRetried, stage)
}

func (w *Worker) deadLetter(ctx context.Context, d queue.Delivery, req *domain.JobRequest, outcome *domain.Outcome, logger *slog.Logger) {
	dl := domain.NewDeadLetter(req, outcome, w.cfg.NodeID)
	if outcome.Failed.Retryable {
		dl.Reason = fmt.Sprintf("%s after %d attempts: %s", domain.ErrMaxRetriesExceeded, outcome.Attempt, dl.Reason)
	}

	if err := w.cfg.Publisher.PublishDeadLetter(ctx, dl); err != nil {
		// never ack a failure that is not durably recorded
		logger.Error("Failed to publish dead letter, releasing message", slog.Any("error", err))
		w.release(d, "dead letter not published")
		w.metrics.JobFinished(metrics.OutcomeReleased, outcome.Failed.Stage)
		return
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error("Failed to ACK message", slog.Any("error", err))
	}
	w.metrics.DeadLettered()
	w.metrics.JobFinished(metrics.OutcomeDeadLetter, outcome.Failed.Stage)

	logger.Warn("Job dead-lettered",
		slog.String("stage", string(dl.Stage)),
		slog.String("kind", string(dl.Kind)),
		slog.String("reason", dl.Reason),
	)
}

// deadLetterRaw routes a message that is not a valid job request
func (w *Worker) deadLetterRaw(ctx context.Context, d queue.Delivery, attempt int, reason error) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	w.logger.Error("Failed to parse job request",
		slog.String("partition", d.Partition()),
		slog.Any("error", reason),
	)

	dl := domain.NewRawDeadLetter(d.Body(), reason, attempt, w.cfg.NodeID)
	if err := w.cfg.Publisher.PublishDeadLetter(settleCtx, dl); err != nil {
		w.logger.Error("Failed to publish dead letter for malformed message", slog.Any("error", err))
		w.release(d, "dead letter not published")
		w.metrics.JobFinished(metrics.OutcomeReleased, domain.StageReceived)
		return
	}
	if err := d.Ack(settleCtx); err != nil {
		w.logger.Error("Failed to ACK malformed message", slog.Any("error", err))
	}
	w.metrics.DeadLettered()
	w.metrics.JobFinished(metrics.OutcomeDeadLetter, domain.StageReceived)
}

// claim takes the dedup claim for identity. It returns proceed=false when the
// job must not run here; settled reports whether the delivery was already
// acked in that case.
func (w *Worker) claim(ctx context.Context, d queue.Delivery, identity, owner string, logger *slog.Logger) (proceed, settled bool) {
	window := w.cfg.Dedup
	if window == nil {
		return true, false
	}

	for {
		if _, done, err := window.LookupCompleted(ctx, identity); err != nil {
			logger.Warn("Dedup lookup failed, running job anyway", slog.Any("error", err))
			return true, false
		} else if done {
			logger.Info("Job already completed recently, acknowledging duplicate")
			if err := d.Ack(ctx); err != nil {
				logger.Error("Failed to ACK duplicate message", slog.Any("error", err))
			}
			w.metrics.JobFinished(metrics.OutcomeSkipped, domain.StageReceived)
			return false, true
		}

		ok, err := window.Claim(ctx, identity, owner, w.cfg.ClaimTTL)
		if err != nil {
			logger.Warn("Dedup claim failed, running job anyway", slog.Any("error", err))
			return true, false
		}
		if ok {
			return true, false
		}

		logger.Debug("Job claimed by another worker, waiting",
			slog.Duration("poll_interval", w.cfg.ClaimPollInterval),
		)
		if !waitUntil(ctx, time.Now().Add(w.cfg.ClaimPollInterval)) {
			return false, false
		}
	}
}

func (w *Worker) releaseClaim(identity, owner string, logger *slog.Logger) {
	if w.cfg.Dedup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.cfg.Dedup.Release(ctx, identity, owner); err != nil {
		logger.Warn("Failed to release job claim", slog.Any("error", err))
	}
}

// sendJobHeartbeat keeps the dedup claim alive while the job runs
func (w *Worker) sendJobHeartbeat(ctx context.Context, identity, owner string, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	if w.cfg.Dedup == nil {
		return
	}

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.cfg.Dedup.Renew(ctx, identity, owner, w.cfg.ClaimTTL)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.Warn("Failed to renew job claim", slog.Any("error", err))
			case err == nil && !ok:
				logger.Warn("Job claim lost; another worker may run this job")
			}
		}
	}
}

// backoff returns base*2^(attempt-1) capped at the max delay. Resource
// exhaustion starts from twice the base.
func (w *Worker) backoff(attempt int, kind domain.Kind) time.Duration {
	base := w.cfg.RetryBaseDelay
	if kind == domain.KindResourceExhausted {
		base *= 2
	}
	limit := w.cfg.RetryMaxDelay
	if limit <= 0 {
		limit = base
	}

	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}
