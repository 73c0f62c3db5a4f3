package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/hls-worker/internal/worker/queue"
)

// startMessageDispatcher hands leased deliveries to the worker pool until ctx
// is canceled or the source closes. The jobs channel is unbuffered, so a
// delivery is only taken from the source when a worker is free.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			jobID := delivery.Message().JobID

			select {
			case w.jobsChan <- delivery:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", jobID),
					slog.Int("attempt", delivery.Attempt()),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// Hand the message back so it can be reprocessed
				nackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := delivery.Nack(nackCtx, true); err != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				}
				cancel()
				return
			}
		}
	}
}
