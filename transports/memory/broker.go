// Package memory provides an in-process broker and transport for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/conduit-go/messaging"
)

// Broker is an in-process message broker. Endpoints bind a transport to an
// address; sends to any address are queued and delivered to whichever
// transport is bound there. Intended for tests and single-process wiring.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]chan *queuedMessage
	deadLetters map[string][][]byte
	queueDepth  int
	closed      bool
}

type queuedMessage struct {
	body        []byte
	headers     map[string]string
	redelivered bool
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithQueueDepth sets the per-queue buffer size
func WithQueueDepth(depth int) BrokerOption {
	return func(b *Broker) {
		if depth > 0 {
			b.queueDepth = depth
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:      make(map[string]chan *queuedMessage),
		deadLetters: make(map[string][][]byte),
		queueDepth:  1024,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Bind returns a transport that receives from the given address. Sends
// through the transport reach any address on the broker.
func (b *Broker) Bind(address string) (*Transport, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	return &Transport{
		broker:  b,
		address: address,
		queue:   b.queueLocked(address),
	}, nil
}

// DeadLetters returns the bodies rejected without redelivery at an address
func (b *Broker) DeadLetters(address string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	letters := b.deadLetters[address]
	result := make([][]byte, len(letters))
	copy(result, letters)
	return result
}

// Depth returns the number of messages waiting at an address
func (b *Broker) Depth(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, exists := b.queues[address]
	if !exists {
		return 0
	}
	return len(queue)
}

// Close shuts the broker down; subsequent sends and binds fail
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) queueLocked(address string) chan *queuedMessage {
	queue, exists := b.queues[address]
	if !exists {
		queue = make(chan *queuedMessage, b.queueDepth)
		b.queues[address] = queue
	}
	return queue
}

func (b *Broker) enqueue(address string, msg *queuedMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	queue := b.queueLocked(address)
	b.mu.Unlock()

	select {
	case queue <- msg:
		return nil
	default:
		return fmt.Errorf("queue %s is full", address)
	}
}

func (b *Broker) deadLetter(address string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters[address] = append(b.deadLetters[address], body)
}

// Transport is a broker binding satisfying the dispatcher's transport
// contract
type Transport struct {
	broker  *Broker
	address string
	queue   chan *queuedMessage
}

// Address returns the receive address this transport is bound to
func (t *Transport) Address() string {
	return t.address
}

// Receive blocks until a message arrives at the bound address
func (t *Transport) Receive(ctx context.Context) (messaging.Delivery, error) {
	select {
	case msg := <-t.queue:
		return &delivery{transport: t, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send queues raw bytes at an address
func (t *Transport) Send(ctx context.Context, address string, body []byte) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return t.broker.enqueue(address, &queuedMessage{body: body})
}

// Ping reports whether the broker still accepts work
func (t *Transport) Ping(ctx context.Context) error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	if t.broker.closed {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close is a no-op; the broker owns the queues
func (t *Transport) Close() error {
	return nil
}

type delivery struct {
	transport *Transport
	msg       *queuedMessage

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte {
	return d.msg.body
}

func (d *delivery) Headers() map[string]string {
	headers := make(map[string]string, len(d.msg.headers)+1)
	for k, v := range d.msg.headers {
		headers[k] = v
	}
	if d.msg.redelivered {
		headers["x-redelivered"] = "true"
	}
	return headers
}

func (d *delivery) Ack() error {
	return d.settle(func() error { return nil })
}

func (d *delivery) Nack(redeliver bool) error {
	return d.settle(func() error {
		if redeliver {
			return d.transport.broker.enqueue(d.transport.address, &queuedMessage{
				body:        d.msg.body,
				headers:     d.msg.headers,
				redelivered: true,
			})
		}
		d.transport.broker.deadLetter(d.transport.address, d.msg.body)
		return nil
	})
}

func (d *delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("delivery already settled")
	}
	d.settled = true
	return fn()
}
