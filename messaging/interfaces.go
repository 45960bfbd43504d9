package messaging

import (
	"context"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/pipeline"
)

// Serializer converts envelopes to and from their wire form
type Serializer interface {
	// Serialize serializes an envelope to bytes
	Serialize(env *contracts.Envelope) ([]byte, error)

	// Deserialize parses bytes into an envelope. Malformed input fails with
	// a contracts.SerializationError.
	Deserialize(data []byte) (*contracts.Envelope, error)
}

// Consumer processes one delivery. Implementations signal non-retryable
// failures by returning a contracts.PermanentError.
type Consumer interface {
	Consume(ctx context.Context, delivery *pipeline.DeliveryContext) error
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc func(ctx context.Context, delivery *pipeline.DeliveryContext) error

// Consume implements Consumer
func (f ConsumerFunc) Consume(ctx context.Context, delivery *pipeline.DeliveryContext) error {
	return f(ctx, delivery)
}

// Scope is a per-delivery resolution scope. It is created before the filter
// chain runs and closed when the delivery resolves.
type Scope interface {
	// Resolve returns the consumer instance for a consumer type tag
	Resolve(consumerType string) (Consumer, error)

	// Close releases scope resources
	Close() error
}

// ScopeFactory creates consumption scopes
type ScopeFactory interface {
	CreateScope() Scope
}
