package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ctbui/ticketd/internal/domain"
)

// Outcome reports how ProcessOne disposed of a delivered message.
type Outcome int

const (
	// OutcomeSuccess: the job finished (or was already terminal) and the
	// message was acknowledged.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable: a transient failure exhausted the in-process
	// attempts; the message is released for the queue's redrive policy.
	OutcomeRetryable
	// OutcomeDropped: a permanent failure; the message is released and the
	// redrive policy decides final disposition.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Retry engine defaults.
const (
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// processOne runs the full lifecycle for one delivered message: idempotency
// gate, PROCESSING stamp with attempt count, bounded in-process retries with
// exponential backoff, and the final acknowledge-or-leave decision. Storage
// status is deliberately left at PROCESSING on failure; the queue's redrive
// policy, not this worker, decides final disposition.
func (w *Worker) processOne(ctx context.Context, job *domain.Job, handle uint64) Outcome {
	ctx, span := w.tracer.Start(ctx, "worker.processOne")
	defer span.End()

	start := time.Now()
	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.String("trace_id", job.TraceID),
	)

	// Idempotency gate: redundant at-least-once deliveries of a job that
	// already reached a terminal state degrade to an acknowledge-only
	// no-op. Work is never re-executed.
	if domain.IsTerminal(job.Status) {
		logger.Info("Job already processed, skipping",
			slog.String("status", job.Status),
		)
		if err := w.queue.Acknowledge(ctx, w.queueName, handle); err != nil {
			logger.Warn("Failed to acknowledge already-processed message",
				slog.String("error", err.Error()),
			)
		}
		return OutcomeSuccess
	}

	// Stamp PROCESSING with the bumped attempt count before any work, so a
	// crash mid-execution still leaves an accurate count for the next
	// delivery.
	if err := w.store.UpdateStatus(ctx, job.JobID, domain.JobStatusProcessing, domain.WithAttempts(job.Attempts+1)); err != nil {
		logger.Error("Failed to update job to PROCESSING",
			slog.String("error", err.Error()),
		)
		return OutcomeRetryable
	}

	for attempt := 0; attempt < w.maxRetries; attempt++ {
		err := w.attempt(ctx, job, attempt)
		if err == nil {
			if ackErr := w.queue.Acknowledge(ctx, w.queueName, handle); ackErr != nil {
				logger.Warn("Failed to acknowledge processed message",
					slog.String("error", ackErr.Error()),
				)
			}

			duration := time.Since(start)
			w.metrics.Emit("JobsProcessed", 1, domain.UnitCount)
			w.metrics.Emit("JobProcessingDuration", float64(duration.Milliseconds()), domain.UnitMilliseconds)

			logger.Info("Job processed successfully",
				slog.Duration("duration", duration),
				slog.Int("attempts", job.Attempts+1+attempt),
			)
			return OutcomeSuccess
		}

		logger.Warn("Job processing attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !domain.IsRetryable(err) {
			logger.Error("Permanent failure, leaving message for redrive",
				slog.String("error", err.Error()),
			)
			w.metrics.Emit("JobsProcessedFailed", 1, domain.UnitCount)
			return OutcomeDropped
		}

		if attempt < w.maxRetries-1 {
			delay := w.backoffDelay(attempt)
			logger.Info("Retrying with exponential backoff",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
			)
			w.sleep(ctx, delay)
			continue
		}

		logger.Error("Max retries exceeded, leaving message for redrive",
			slog.String("error", err.Error()),
		)
		w.metrics.Emit("JobsProcessedFailed", 1, domain.UnitCount)
	}

	return OutcomeRetryable
}

// attempt executes the job's work once and on success records the SUCCEEDED
// status with result and final attempt count.
func (w *Worker) attempt(ctx context.Context, job *domain.Job, attempt int) error {
	impl, ok := w.registry.Lookup(job.JobType)
	if !ok {
		return domain.NewPermanentWorkError(fmt.Errorf("unknown job type: %s", job.JobType))
	}

	result, err := impl.Execute(ctx, job)
	if err != nil {
		return err
	}

	return w.store.UpdateStatus(ctx, job.JobID, domain.JobStatusSucceeded,
		domain.WithResult(result),
		domain.WithAttempts(job.Attempts+1+attempt),
	)
}

// backoffDelay computes min(initial * multiplier^attempt, max) with attempt
// zero-indexed per in-process retry.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	delay := float64(w.initialBackoff) * math.Pow(w.backoffMultiplier, float64(attempt))
	if capped := float64(w.maxBackoff); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// blockingSleep waits out the backoff on the consumer goroutine, returning
// early only on shutdown.
func blockingSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
