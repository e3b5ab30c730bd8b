package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// RabbitMQConsumer feeds due retry messages from RetryQueueName to a
// handler. A failed job is requeued once; a second failure, or a payload
// that cannot be decoded, is dead-lettered to DLQName.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx ends, resubscribing after broker failures.
func (c *RabbitMQConsumer) Consume(ctx context.Context, handler JobHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}

	wait := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		c.logger.Warn("retry consumer interrupted", zap.Error(err), zap.Duration("retryIn", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, handler JobHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(RetryQueueName, connectionName, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", RetryQueueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler JobHandler) error {
	var (
		outcome settlement
		msg     RetryMessage
	)

	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Warn("dead-lettering undecodable retry message", zap.Error(err), zap.String("messageId", d.MessageId))
		outcome = settleDeadLetter
	} else if err := msg.Validate(); err != nil {
		c.logger.Warn("dead-lettering invalid retry message", zap.Error(err), zap.String("messageId", msg.MessageID()))
		outcome = settleDeadLetter
	} else {
		jobCtx := ctx
		if msg.CorrelationID != "" {
			jobCtx = observability.WithCorrelationID(ctx, msg.CorrelationID)
		}
		outcome = settleAck
		if err := handler(jobCtx, msg.Job()); err != nil {
			outcome = retryOrDeadLetter(d.Redelivered)
			observability.WithContextLogger(c.logger, jobCtx).Warn("retry job failed",
				zap.String("messageId", msg.MessageID()),
				zap.Bool("redelivered", d.Redelivered),
				zap.Error(err),
			)
		}
	}

	return settle(d, outcome)
}

func retryOrDeadLetter(redelivered bool) settlement {
	if redelivered {
		return settleDeadLetter
	}
	return settleRequeue
}

func settle(d amqp.Delivery, outcome settlement) error {
	var err error
	switch outcome {
	case settleRequeue:
		err = d.Nack(false, true)
	case settleDeadLetter:
		err = d.Reject(false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
