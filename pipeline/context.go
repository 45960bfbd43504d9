package pipeline

import (
	"context"
	"fmt"

	"github.com/glimte/conduit-go/contracts"
)

// OutboundSink receives the outbound operations issued during message
// processing. The dispatcher installs a transport-facing sink; an outbox
// filter swaps in a buffering sink for the duration of the inner chain.
type OutboundSink interface {
	// Send transmits an envelope to an explicit destination address
	Send(ctx context.Context, destination string, env *contracts.Envelope) error

	// Publish transmits an envelope to the address derived from its type tag
	Publish(ctx context.Context, env *contracts.Envelope) error
}

// DeliveryContext carries the mutable per-delivery state for one physical
// delivery: the envelope being processed, the attempt counter, the outbound
// sink and an opaque consumption scope. It lives from delivery receipt until
// ack/nack and is never shared between deliveries.
type DeliveryContext struct {
	ctx      context.Context
	envelope *contracts.Envelope
	scope    interface{}
	sink     OutboundSink
	attempt  int
}

// NewDeliveryContext creates the processing context for one delivery
func NewDeliveryContext(ctx context.Context, envelope *contracts.Envelope, scope interface{}) *DeliveryContext {
	return &DeliveryContext{
		ctx:      ctx,
		envelope: envelope,
		scope:    scope,
	}
}

// Context returns the cancellation context for this delivery
func (d *DeliveryContext) Context() context.Context {
	return d.ctx
}

// Envelope returns the envelope being processed
func (d *DeliveryContext) Envelope() *contracts.Envelope {
	return d.envelope
}

// Scope returns the consumption scope handle. The pipeline treats it as
// opaque; the dispatcher knows its concrete type.
func (d *DeliveryContext) Scope() interface{} {
	return d.scope
}

// Attempt returns the zero-based delivery attempt counter
func (d *DeliveryContext) Attempt() int {
	return d.attempt
}

// nextAttempt advances the attempt counter before a retry
func (d *DeliveryContext) nextAttempt() {
	d.attempt++
}

// SetSink installs the outbound sink for this delivery
func (d *DeliveryContext) SetSink(sink OutboundSink) {
	d.sink = sink
}

// swapSink replaces the sink and returns the previous one. Used by the
// outbox filter to interpose its buffer around the inner chain.
func (d *DeliveryContext) swapSink(sink OutboundSink) OutboundSink {
	prev := d.sink
	d.sink = sink
	return prev
}

// Send transmits an envelope to the given destination. Under an outbox
// filter the operation is buffered until the protected region succeeds.
func (d *DeliveryContext) Send(destination string, env *contracts.Envelope) error {
	if d.sink == nil {
		return fmt.Errorf("delivery context has no outbound sink")
	}
	if destination == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	return d.sink.Send(d.ctx, destination, env)
}

// Publish transmits an envelope to the address derived from its type tag
func (d *DeliveryContext) Publish(env *contracts.Envelope) error {
	if d.sink == nil {
		return fmt.Errorf("delivery context has no outbound sink")
	}
	return d.sink.Publish(d.ctx, env)
}

// Respond sends a reply to the inbound envelope's reply address, carrying
// the inbound message ID as correlation ID.
func (d *DeliveryContext) Respond(messageType string, payload interface{}) error {
	reply, err := d.envelope.Reply(messageType, payload)
	if err != nil {
		return err
	}
	return d.Send(reply.Destination, reply)
}
