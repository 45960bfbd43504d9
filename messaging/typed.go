package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/pipeline"
	"github.com/glimte/conduit-go/serialization"
)

// typedConsumer decodes the envelope body into a registered payload type
// before handing it to the wrapped handler
type typedConsumer struct {
	registry serialization.TypeRegistry
	handler  func(ctx context.Context, delivery *pipeline.DeliveryContext, payload interface{}) error
}

// NewTypedConsumer wraps a handler that wants the payload as a decoded
// instance rather than raw JSON. The message type must be registered; an
// unregistered type is a configuration fault and is not retried.
func NewTypedConsumer(registry serialization.TypeRegistry, handler func(ctx context.Context, delivery *pipeline.DeliveryContext, payload interface{}) error) (Consumer, error) {
	if registry == nil {
		return nil, fmt.Errorf("type registry cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	return &typedConsumer{registry: registry, handler: handler}, nil
}

// Consume implements Consumer
func (c *typedConsumer) Consume(ctx context.Context, delivery *pipeline.DeliveryContext) error {
	env := delivery.Envelope()

	payload, err := c.registry.CreateInstance(env.Type)
	if err != nil {
		return contracts.Permanent(fmt.Errorf("no payload type registered for %s: %w", env.Type, err))
	}

	if err := env.UnmarshalPayload(payload); err != nil {
		return contracts.NewSerializationError(fmt.Sprintf("malformed %s payload", env.Type), err)
	}

	return c.handler(ctx, delivery, payload)
}
