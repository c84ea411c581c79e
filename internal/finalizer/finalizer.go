// Package finalizer consumes messages the queue gave up redelivering and
// stamps the referenced jobs as permanently failed.
package finalizer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ctbui/ticketd/internal/domain"
)

// DefaultErrorMessage is recorded when a dead-lettered message carries no
// error text of its own.
const DefaultErrorMessage = "Job failed after max retries"

const errorPause = 5 * time.Second

// Config holds finalizer dependencies.
type Config struct {
	Store   domain.Store
	Queue   domain.Queue
	Metrics domain.Metrics
	Logger  *slog.Logger

	// QueueName is the dead-letter destination. Required.
	QueueName string

	ReceiveBatchSize int
	ReceiveWait      time.Duration
}

// Finalizer drains the dead-letter destination.
type Finalizer struct {
	store   domain.Store
	queue   domain.Queue
	metrics domain.Metrics
	logger  *slog.Logger

	queueName        string
	receiveBatchSize int
	receiveWait      time.Duration

	sleep func(ctx context.Context, d time.Duration)
}

// ErrQueueNameRequired is returned when no dead-letter destination is
// configured. Fatal at startup.
var ErrQueueNameRequired = errors.New("finalizer queue name is required")

// New creates a finalizer from config.
func New(cfg *Config) (*Finalizer, error) {
	if cfg.QueueName == "" {
		return nil, ErrQueueNameRequired
	}

	f := &Finalizer{
		store:            cfg.Store,
		queue:            cfg.Queue,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		queueName:        cfg.QueueName,
		receiveBatchSize: cfg.ReceiveBatchSize,
		receiveWait:      cfg.ReceiveWait,
		sleep:            pause,
	}
	if f.metrics == nil {
		f.metrics = domain.NopMetrics{}
	}
	if f.receiveBatchSize <= 0 {
		f.receiveBatchSize = 10
	}
	if f.receiveWait <= 0 {
		f.receiveWait = 20 * time.Second
	}
	return f, nil
}

// Run consumes the dead-letter destination until ctx is cancelled. Poll-loop
// errors are transient: log, pause, continue.
func (f *Finalizer) Run(ctx context.Context) error {
	f.logger.Info("Finalizer started", slog.String("queue", f.queueName))

	for {
		if ctx.Err() != nil {
			f.logger.Info("Finalizer stopped - context canceled")
			return nil
		}

		deliveries, err := f.queue.ReceiveBatch(ctx, f.queueName, f.receiveBatchSize, f.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("Finalizer stopped - context canceled")
				return nil
			}
			f.logger.Error("Failed to receive dead-letter messages",
				slog.String("error", err.Error()),
			)
			f.sleep(ctx, errorPause)
			continue
		}

		for _, d := range deliveries {
			if err := f.Finalize(ctx, d.Body); err != nil {
				f.logger.Error("Failed to finalize job, releasing message",
					slog.String("error", err.Error()),
				)
				if relErr := f.queue.Release(ctx, f.queueName, d.Handle); relErr != nil {
					f.logger.Error("Failed to release dead-letter message",
						slog.String("error", relErr.Error()),
					)
				}
				continue
			}
			if ackErr := f.queue.Acknowledge(ctx, f.queueName, d.Handle); ackErr != nil {
				f.logger.Warn("Failed to acknowledge dead-letter message",
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// Finalize handles one dead-lettered message body: parse the job id and
// stamp the job FAILED_FINAL with the carried error text. Unparsable bodies
// and bodies without a job id are dropped with a warning; they are a poison-
// message safety valve, not a retryable condition. The status update is
// unconditional, which makes Finalize itself idempotent.
func (f *Finalizer) Finalize(ctx context.Context, body []byte) error {
	msg, err := domain.DecodeJobMessage(body)
	if err != nil {
		f.logger.Warn("Failed to parse dead-letter message, dropping",
			slog.String("error", err.Error()),
			slog.String("body", string(body)),
		)
		return nil
	}

	if msg.JobID == "" {
		f.logger.Warn("Dead-letter message missing jobId, dropping")
		return nil
	}

	errText := msg.Error
	if errText == "" {
		errText = DefaultErrorMessage
	}

	if err := f.store.UpdateStatus(ctx, msg.JobID, domain.JobStatusFailedFinal, domain.WithError(errText)); err != nil {
		return err
	}

	f.metrics.Emit("JobsFinalized", 1, domain.UnitCount)
	f.logger.Info("Marked job as FAILED_FINAL",
		slog.String("job_id", msg.JobID),
		slog.String("trace_id", msg.TraceID),
	)
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
