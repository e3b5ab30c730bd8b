package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName     = "attestation.dlx"
	connectionName      = "attestation-engine"
	heartbeat           = 10 * time.Second
	reconnectBackoff    = time.Second
	maxReconnectBackoff = 30 * time.Second
	// delayQueueIdleTTL is how long an unused delay queue outlives its
	// message TTL before the broker deletes it.
	delayQueueIdleTTL = 10 * time.Minute
)

// RabbitMQ holds one broker connection, redialing it when it drops. Every
// channel it hands out has the retry topology declared.
type RabbitMQ struct {
	url string

	mu     sync.RWMutex
	dialMu sync.Mutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Ping opens and closes a channel. Used as a readiness check.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.channel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			// The connection is half dead; forget it and redial once.
			lastErr = err
			r.discard(conn)
			continue
		}

		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
	return nil, fmt.Errorf("failed to open rabbitmq channel: %w", lastErr)
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.current(); conn != nil {
		return conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.DialConfig(r.url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": connectionName},
		})
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (r *RabbitMQ) discard(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	wait *= 2
	if wait > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return wait
}

// declareTopology wires retry -> dlq: consumer rejections on the retry
// queue land in the dlq through the dlx. Delay queues feeding the retry
// queue are declared per publish by declareDelayQueue.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{name: DLQName},
		{name: RetryQueueName, args: amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": RetryQueueName,
		}},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", q.name, err)
		}
	}

	if err := ch.QueueBind(DLQName, RetryQueueName, dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", DLQName, err)
	}
	return nil
}

// declareDelayQueue declares the queue parking messages for ttl. Every
// message in it shares the TTL, so they expire in publish order and the
// broker dead-letters them through the default exchange to RetryQueueName.
func declareDelayQueue(ch *amqp.Channel, name string, ttl time.Duration) error {
	args := delayQueueArgs(ttl)
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare delay queue %q: %w", name, err)
	}
	return nil
}

func delayQueueArgs(ttl time.Duration) amqp.Table {
	ms := delayMillis(ttl)
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-expires":                 ms + delayQueueIdleTTL.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": RetryQueueName,
	}
}
