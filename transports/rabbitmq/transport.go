// Package rabbitmq provides the RabbitMQ transport: one bound consume queue
// per transport, sends through the default exchange with the address as the
// routing key.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/conduit-go/internal/reliability"
	"github.com/glimte/conduit-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements the dispatcher's transport contract over AMQP 0.9.1
type Transport struct {
	url   string
	queue string

	prefetchCount      int
	durable            bool
	deadLetterExchange string
	connectPolicy      reliability.RetryPolicy
	logger             *slog.Logger

	conn       *amqp.Connection
	consumeCh  *amqp.Channel
	publishCh  *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithPrefetchCount sets how many unacknowledged deliveries the broker hands
// out ahead of processing
func WithPrefetchCount(count int) TransportOption {
	return func(t *Transport) {
		if count > 0 {
			t.prefetchCount = count
		}
	}
}

// WithDurableQueues toggles durable queue declaration
func WithDurableQueues(durable bool) TransportOption {
	return func(t *Transport) {
		t.durable = durable
	}
}

// WithDeadLetterExchange routes rejected deliveries to a dead letter exchange
func WithDeadLetterExchange(exchange string) TransportOption {
	return func(t *Transport) {
		t.deadLetterExchange = exchange
	}
}

// WithConnectRetryPolicy sets the retry policy used while establishing the
// initial connection
func WithConnectRetryPolicy(policy reliability.RetryPolicy) TransportOption {
	return func(t *Transport) {
		t.connectPolicy = policy
	}
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport connects to RabbitMQ and binds the transport to one consume
// queue. The queue is declared if it does not exist.
func NewTransport(url, queue string, options ...TransportOption) (*Transport, error) {
	if url == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}

	t := &Transport{
		url:           url,
		queue:         queue,
		prefetchCount: 10,
		durable:       true,
		connectPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5),
		logger:        slog.Default(),
		declared:      make(map[string]bool),
	}
	for _, opt := range options {
		opt(t)
	}

	if err := t.connect(); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Transport) connect() error {
	err := reliability.Retry(context.Background(), t.connectPolicy, func() error {
		conn, err := amqp.Dial(t.url)
		if err != nil {
			t.logger.Warn("failed to connect to RabbitMQ, retrying", "error", err)
			return err
		}
		t.conn = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	consumeCh, err := t.conn.Channel()
	if err != nil {
		t.conn.Close()
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	publishCh, err := t.conn.Channel()
	if err != nil {
		consumeCh.Close()
		t.conn.Close()
		return fmt.Errorf("failed to open publish channel: %w", err)
	}

	if err := consumeCh.Qos(t.prefetchCount, 0, false); err != nil {
		t.closeAll(consumeCh, publishCh)
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := consumeCh.QueueDeclare(t.queue, t.durable, false, false, false, t.queueArgs()); err != nil {
		t.closeAll(consumeCh, publishCh)
		return fmt.Errorf("failed to declare queue %s: %w", t.queue, err)
	}

	deliveries, err := consumeCh.Consume(t.queue, "", false, false, false, false, nil)
	if err != nil {
		t.closeAll(consumeCh, publishCh)
		return fmt.Errorf("failed to consume from queue %s: %w", t.queue, err)
	}

	t.consumeCh = consumeCh
	t.publishCh = publishCh
	t.deliveries = deliveries
	t.declared[t.queue] = true

	t.logger.Info("RabbitMQ transport connected",
		"queue", t.queue,
		"prefetchCount", t.prefetchCount,
	)
	return nil
}

func (t *Transport) closeAll(channels ...*amqp.Channel) {
	for _, ch := range channels {
		if ch != nil {
			ch.Close()
		}
	}
	if t.conn != nil {
		t.conn.Close()
	}
}

func (t *Transport) queueArgs() amqp.Table {
	if t.deadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": t.deadLetterExchange}
}

// Receive implements messaging.Transport
func (t *Transport) Receive(ctx context.Context) (messaging.Delivery, error) {
	select {
	case d, ok := <-t.deliveries:
		if !ok {
			return nil, fmt.Errorf("consume channel closed")
		}
		return &amqpDelivery{delivery: d}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements messaging.Transport. The destination queue is declared on
// first use so sends to endpoints that have not started yet are not lost.
func (t *Transport) Send(ctx context.Context, address string, body []byte) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if err := t.ensureQueue(address); err != nil {
		return err
	}

	return t.publishCh.PublishWithContext(ctx,
		"",      // default exchange
		address, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (t *Transport) ensureQueue(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	if t.declared[address] {
		return nil
	}

	if _, err := t.publishCh.QueueDeclare(address, t.durable, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", address, err)
	}
	t.declared[address] = true
	return nil
}

// Ping verifies the connection with a passive declare of a built-in exchange
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	if t.conn == nil || t.conn.IsClosed() {
		return fmt.Errorf("connection is closed")
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange check failed: %w", err)
	}
	return nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if t.consumeCh != nil {
		t.consumeCh.Close()
	}
	if t.publishCh != nil {
		t.publishCh.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// amqpDelivery adapts amqp.Delivery to messaging.Delivery
type amqpDelivery struct {
	delivery amqp.Delivery
}

func (d *amqpDelivery) Body() []byte {
	return d.delivery.Body
}

func (d *amqpDelivery) Headers() map[string]string {
	headers := make(map[string]string, len(d.delivery.Headers))
	for k, v := range d.delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	if d.delivery.Redelivered {
		headers["x-redelivered"] = "true"
	}
	return headers
}

func (d *amqpDelivery) Ack() error {
	return d.delivery.Ack(false)
}

func (d *amqpDelivery) Nack(redeliver bool) error {
	return d.delivery.Nack(false, redeliver)
}
