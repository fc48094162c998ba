package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/queue"
)

// handler admits one delivery at a time. It blocks the source while the
// admission gate is full, so no more messages are pulled than can run.
func (w *Worker) handler(jobsCtx context.Context) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) {
		if w.draining.Load() {
			w.release(d, "worker draining")
			return
		}

		if notBefore := d.NotBefore(); !notBefore.IsZero() {
			if !waitUntil(ctx, notBefore) {
				w.release(d, "shutdown while waiting for retry delay")
				return
			}
		}

		if err := w.admission.Acquire(ctx); err != nil {
			w.release(d, "shutdown while waiting for admission")
			return
		}
		w.metrics.JobAdmitted()

		w.logger.Debug("Job admitted",
			slog.String("partition", d.Partition()),
			slog.Int("attempt", d.Attempt()),
			slog.Int("in_use", w.admission.InUse()),
		)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.admission.Release()
			w.processJob(jobsCtx, d)
		}()
	}
}

// release gives a delivery back to the broker without running it
func (w *Worker) release(d queue.Delivery, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := d.Release(ctx); err != nil {
		w.logger.Error("Failed to release message",
			slog.String("partition", d.Partition()),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Debug("Message released",
		slog.String("partition", d.Partition()),
		slog.String("reason", reason),
	)
}

// waitUntil sleeps until t; false when ctx ended first
func waitUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
