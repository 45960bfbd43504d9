package messaging

import (
	"context"
)

// Delivery represents one raw message delivery pulled from a transport
type Delivery interface {
	// Body returns the raw message bytes
	Body() []byte

	// Headers returns transport-level headers
	Headers() map[string]string

	// Ack marks the delivery as successfully processed
	Ack() error

	// Nack rejects the delivery. With redeliver the transport requeues it;
	// without, it is routed per transport policy (typically a dead letter).
	Nack(redeliver bool) error
}

// Transport is the narrow contract the dispatcher consumes. Durability,
// queue/topic semantics and partitioning are transport responsibilities.
type Transport interface {
	// Receive blocks until the next delivery arrives or ctx is done
	Receive(ctx context.Context) (Delivery, error)

	// Send transmits raw bytes to an address
	Send(ctx context.Context, address string, body []byte) error

	// Close releases transport resources
	Close() error
}
