package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
)

// processJob runs one delivery under the job timeout with a lease heartbeat
func (w *Worker) processJob(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendJobHeartbeat(jobCtx, cancel, delivery, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatStopped
	}()

	start := time.Now()
	err := w.executor.Execute(jobCtx, msg)

	if err != nil && !errors.Is(err, domain.ErrJobTerminal) && !w.shouldRequeueJob(err) {
		// A sandbox can die before it records the failure.
		w.ensureFailed(msg.JobID)
	}

	w.logger.Info("Job finished",
		slog.String("job_id", msg.JobID),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	return err
}

// ensureFailed marks a job FAILED unless it already reached a terminal status
func (w *Worker) ensureFailed(jobID string) {
	if w.storage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.storage.FailJob(ctx, jobID)
	if err != nil && !errors.Is(err, domain.ErrJobTerminal) && !errors.Is(err, domain.ErrJobNotFound) {
		w.logger.Error("Failed to update job status to FAILED",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// sendJobHeartbeat periodically extends the lease and stamps the job heartbeat.
// Losing the lease cancels the job since another worker may now own it.
func (w *Worker) sendJobHeartbeat(ctx context.Context, cancelJob context.CancelFunc, delivery queue.Delivery, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	jobID := delivery.Message().JobID

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := delivery.Extend(ctx, w.leaseDuration); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					w.logger.Error("Lease lost, canceling job",
						slog.String("job_id", jobID),
					)
					cancelJob()
					return
				}
				w.logger.Warn("Failed to extend lease",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}

			if w.storage == nil {
				continue
			}
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			} else {
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			}
		}
	}
}
