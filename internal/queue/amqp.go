// Package queue adapts the shared RabbitMQ client to the queue collaborator
// contract.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/shared/rabbitmq"
)

// AMQPQueue implements domain.Queue on a RabbitMQ client. Destinations are
// routed by name, so queues are bound with a routing key equal to their
// queue name. Redrive to the dead-letter destination is broker-side: the
// jobs queue carries a delivery limit and a dead-letter exchange (see
// shared/rabbitmq), and Release counts against that limit.
type AMQPQueue struct {
	client      *rabbitmq.Client
	logger      *slog.Logger
	consumerTag string
}

// NewAMQPQueue wraps a connected client.
func NewAMQPQueue(client *rabbitmq.Client, logger *slog.Logger) *AMQPQueue {
	return &AMQPQueue{
		client:      client,
		logger:      logger,
		consumerTag: "ticketd-" + uuid.New().String()[:8],
	}
}

// Publish sends a persistent message to the destination and returns the
// assigned message id.
func (q *AMQPQueue) Publish(ctx context.Context, destination string, body []byte, attributes map[string]string) (string, error) {
	headers := make(amqp.Table, len(attributes))
	for k, v := range attributes {
		headers[k] = v
	}

	messageID := uuid.New().String()
	publishing := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   messageID,
		Headers:     headers,
		Body:        body,
	}

	if err := q.client.PublishWithRetry(ctx, destination, publishing); err != nil {
		return "", err
	}
	return messageID, nil
}

// ReceiveBatch long-polls the destination for up to maxMessages, blocking up
// to wait for the first message and draining whatever else is immediately
// available after it.
func (q *AMQPQueue) ReceiveBatch(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]domain.Delivery, error) {
	deliveries, err := q.client.Consume(destination, q.consumerTag)
	if err != nil {
		return nil, err
	}

	var batch []domain.Delivery

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, amqp.ErrClosed
		}
		batch = append(batch, domain.Delivery{Body: d.Body, Handle: d.DeliveryTag})
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < maxMessages {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, domain.Delivery{Body: d.Body, Handle: d.DeliveryTag})
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Acknowledge removes a delivered message from the queue.
func (q *AMQPQueue) Acknowledge(_ context.Context, _ string, handle uint64) error {
	return q.client.GetChannel().Ack(handle, false)
}

// Release returns a delivered message for redelivery, incrementing its
// broker-side delivery count.
func (q *AMQPQueue) Release(_ context.Context, _ string, handle uint64) error {
	return q.client.GetChannel().Nack(handle, false, true)
}

// ChangeVisibility approximates visibility-timeout adjustment: AMQP keeps no
// per-message visibility clock, so the message is simply made visible again
// immediately regardless of the requested timeout.
func (q *AMQPQueue) ChangeVisibility(ctx context.Context, destination string, handle uint64, _ time.Duration) error {
	return q.Release(ctx, destination, handle)
}

// Depth reports the ready-message backlog of a destination.
func (q *AMQPQueue) Depth(_ context.Context, destination string) (int, error) {
	return q.client.QueueDepth(destination)
}
