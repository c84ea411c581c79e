package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ctbui/ticketd/internal/domain"
)

// consumerLoop is one goroutine of the processing pool. It looks the job up
// fresh from storage for every delivered message, runs the lifecycle, and
// releases anything that did not finish so the redrive policy can act.
// Failures never propagate out of the loop.
func (w *Worker) consumerLoop(ctx context.Context, num int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("consumer", num))
	logger.Info("Consumer started")

	for d := range w.jobsChan {
		logger.Debug("Consumer received job",
			slog.String("job_id", d.msg.JobID),
		)

		job, err := w.store.GetByID(ctx, d.msg.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				// no record to process; the message is useless
				logger.Warn("Job not found in storage, dropping message",
					slog.String("job_id", d.msg.JobID),
				)
				if ackErr := w.queue.Acknowledge(ctx, w.queueName, d.handle); ackErr != nil {
					logger.Warn("Failed to drop message for missing job",
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			logger.Error("Failed to load job, releasing message",
				slog.String("job_id", d.msg.JobID),
				slog.String("error", err.Error()),
			)
			w.release(ctx, d.handle, logger)
			continue
		}

		outcome := w.processOne(ctx, job, d.handle)
		if outcome != OutcomeSuccess {
			logger.Warn("Job processing did not finish, releasing message",
				slog.String("job_id", job.JobID),
				slog.String("outcome", outcome.String()),
			)
			w.release(ctx, d.handle, logger)
		}
	}

	logger.Info("Consumer stopped")
}

func (w *Worker) release(ctx context.Context, handle uint64, logger *slog.Logger) {
	if err := w.queue.Release(ctx, w.queueName, handle); err != nil {
		logger.Error("Failed to release message",
			slog.String("error", err.Error()),
		)
	}
}
