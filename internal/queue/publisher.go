package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"github.com/kursadbilgin/attestation-engine/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

// Publish parks msg in the delay queue for delay. A non-positive delay
// publishes straight to the retry queue.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg RetryMessage, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid retry message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retry message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	queue, publishing := buildPublishing(msg, payload, delay, p.now())
	if queue != RetryQueueName {
		if err := declareDelayQueue(ch, queue, delay); err != nil {
			return err
		}
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

// Schedule adapts Publish to the orchestrator's retry scheduler.
func (p *RabbitMQPublisher) Schedule(ctx context.Context, job domain.ReattemptJob, delay time.Duration) error {
	msg := RetryMessageFromJob(job)
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}
	return p.Publish(ctx, msg, delay)
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func buildPublishing(msg RetryMessage, payload []byte, delay time.Duration, now time.Time) (string, amqp.Publishing) {
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		MessageId:     msg.MessageID(),
		CorrelationId: msg.CorrelationID,
		Body:          payload,
	}

	if delay <= 0 {
		return RetryQueueName, publishing
	}
	return delayQueueName(delay), publishing
}

func delayQueueName(delay time.Duration) string {
	return DelayQueuePrefix + strconv.FormatInt(delayMillis(delay), 10)
}

// delayMillis renders a delay in whole milliseconds, rounded up.
func delayMillis(delay time.Duration) int64 {
	return int64((delay + time.Millisecond - 1) / time.Millisecond)
}
