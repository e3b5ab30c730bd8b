package queue

import (
	"context"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// Publisher schedules retry messages on the broker.
type Publisher interface {
	Publish(ctx context.Context, msg RetryMessage, delay time.Duration) error
	Close() error
}

// JobHandler runs the delivery attempt carried by a due retry message.
type JobHandler func(ctx context.Context, job domain.ReattemptJob) error

// Consumer consumes due retry messages.
type Consumer interface {
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

const (
	// RetryQueueName receives retry messages once their delay has passed.
	RetryQueueName = "attestation.retry"
	// DelayQueuePrefix names the delay queues, one per distinct delay in
	// milliseconds. Each has a queue-wide TTL, so messages expire in order,
	// and dead-letters to RetryQueueName.
	DelayQueuePrefix = "attestation.retry.delay."
	// DLQName collects retry messages rejected by the consumer.
	DLQName = "dlq.attestation.retry"
)

// QueueNames returns the long lived queues of the topology. Delay queues
// are declared on demand and expire when idle.
func QueueNames() []string {
	return []string{RetryQueueName, DLQName}
}
