package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ctbui/ticketd/internal/domain"
)

// errorPause is how long the dispatcher backs off after a poll-loop error.
const errorPause = 5 * time.Second

// dispatch long-polls the queue and feeds deliveries to the consumer pool.
// Any error in the loop is treated as transient: log, pause briefly,
// continue. Only cancellation ends the loop.
func (w *Worker) dispatch(ctx context.Context) {
	w.logger.Info("Dispatcher started", slog.String("queue", w.queueName))

	for {
		if ctx.Err() != nil {
			w.logger.Info("Dispatcher stopped - context canceled")
			return
		}

		deliveries, err := w.queue.ReceiveBatch(ctx, w.queueName, w.receiveBatchSize, w.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Dispatcher stopped - context canceled")
				return
			}
			w.logger.Error("Failed to receive messages",
				slog.String("error", err.Error()),
			)
			w.sleep(ctx, errorPause)
			continue
		}

		if len(deliveries) == 0 {
			continue
		}

		w.logger.Debug("Received messages", slog.Int("count", len(deliveries)))

		for i, d := range deliveries {
			msg, err := domain.DecodeJobMessage(d.Body)
			if err != nil {
				w.logger.Error("Failed to parse message body",
					slog.String("error", err.Error()),
					slog.String("body", string(d.Body)),
				)
				// malformed bodies can never succeed, drop them
				if ackErr := w.queue.Acknowledge(ctx, w.queueName, d.Handle); ackErr != nil {
					w.logger.Warn("Failed to drop malformed message",
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			if msg.JobID == "" {
				w.logger.Warn("Message missing jobId, dropping",
					slog.String("body", string(d.Body)),
				)
				if ackErr := w.queue.Acknowledge(ctx, w.queueName, d.Handle); ackErr != nil {
					w.logger.Warn("Failed to drop message without jobId",
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &delivery{msg: msg, handle: d.Handle}:
			case <-ctx.Done():
				// hand back everything not yet dispatched
				for _, rest := range deliveries[i:] {
					if err := w.queue.ChangeVisibility(ctx, w.queueName, rest.Handle, 0); err != nil {
						w.logger.Warn("Failed to return message on shutdown",
							slog.String("error", err.Error()),
						)
					}
				}
				w.logger.Info("Dispatcher stopped while dispatching")
				return
			}
		}

		w.emitQueueDepth(ctx)
	}
}

// emitQueueDepth reports the backlog when the queue implementation can
// observe it.
func (w *Worker) emitQueueDepth(ctx context.Context) {
	type depther interface {
		Depth(ctx context.Context, destination string) (int, error)
	}

	d, ok := w.queue.(depther)
	if !ok {
		return
	}
	depth, err := d.Depth(ctx, w.queueName)
	if err != nil {
		w.logger.Warn("Failed to get queue depth", slog.String("error", err.Error()))
		return
	}
	w.metrics.Emit("QueueDepth", float64(depth), domain.UnitCount)
}
