package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/domain"
	"github.com/cuongbtq/hls-worker/internal/worker/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for delivery := range w.jobsChan {
		msg := delivery.Message()
		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.Int("attempt", delivery.Attempt()),
		)

		err := w.processJob(ctx, delivery)
		w.settle(workerName, delivery, err)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// settle acks or nacks the delivery according to the job outcome
func (w *Worker) settle(workerName string, delivery queue.Delivery, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID := delivery.Message().JobID
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", jobID),
	)

	if err == nil || errors.Is(err, domain.ErrJobTerminal) {
		if err == nil {
			w.succeeded.Add(1)
		} else {
			w.skipped.Add(1)
		}
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			logger.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
			return
		}
		logger.Info("Message ACKed", slog.Bool("skipped", err != nil))
		return
	}

	requeue := w.shouldRequeueJob(err)
	if requeue {
		w.requeued.Add(1)
	} else {
		w.failed.Add(1)
	}

	logger.Error("Job processing failed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)

	nackErr := delivery.Nack(ctx, requeue)
	if requeue && errors.Is(nackErr, queue.ErrDeadLettered) {
		// Nothing will redeliver the job, so it has to end here.
		w.requeued.Add(-1)
		w.failed.Add(1)
		w.ensureFailed(jobID)
		logger.Warn("Retries exhausted, job failed", slog.Int("attempt", delivery.Attempt()))
		return
	}
	if nackErr != nil {
		logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
		return
	}
	logger.Info("Message NACKed", slog.Bool("requeue", requeue))
}

// shouldRequeueJob determines if a job should be requeued based on the error type.
// Only transient failures are requeued; the pipeline has already recorded a
// terminal status for everything else.
func (w *Worker) shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrInvalidMessage) || errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
