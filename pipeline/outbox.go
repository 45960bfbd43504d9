package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/conduit-go/contracts"
)

// operation is one buffered outbound call
type operation struct {
	destination string // empty for publish
	envelope    *contracts.Envelope
	publish     bool
}

// outboxBuffer records outbound operations in issue order instead of
// forwarding them. It is private to one invocation of the outbox filter.
type outboxBuffer struct {
	operations []operation
	flushed    bool
}

// Send implements OutboundSink
func (b *outboxBuffer) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	b.operations = append(b.operations, operation{destination: destination, envelope: env})
	return nil
}

// Publish implements OutboundSink
func (b *outboxBuffer) Publish(ctx context.Context, env *contracts.Envelope) error {
	b.operations = append(b.operations, operation{envelope: env, publish: true})
	return nil
}

// flush replays the buffer against the real sink, in original order, at most
// once. A replay failure aborts mid-buffer; the remaining operations are not
// retried here, which is why the outbox provides at-least-once rather than
// exactly-once semantics across redeliveries.
func (b *outboxBuffer) flush(ctx context.Context, sink OutboundSink) error {
	if b.flushed {
		return fmt.Errorf("outbox buffer already flushed")
	}
	b.flushed = true

	for _, op := range b.operations {
		var err error
		if op.publish {
			err = sink.Publish(ctx, op.envelope)
		} else {
			err = sink.Send(ctx, op.destination, op.envelope)
		}
		if err != nil {
			return fmt.Errorf("outbox flush failed: %w", err)
		}
	}

	return nil
}

// OutboxFilter buffers every send and publish issued during the inner chain
// and forwards them only after the inner chain succeeds. On an inner fault
// the buffer is discarded whole; no partial emission occurs.
//
// The buffering covers a single physical attempt. It does not deduplicate
// across redeliveries: replaying the same delivery replays the buffer again.
type OutboxFilter struct {
	logger *slog.Logger
}

// NewOutboxFilter creates an outbox filter
func NewOutboxFilter() *OutboxFilter {
	return &OutboxFilter{logger: slog.Default()}
}

// WithLogger sets the logger for the outbox filter
func (o *OutboxFilter) WithLogger(logger *slog.Logger) *OutboxFilter {
	o.logger = logger
	return o
}

// Apply implements Filter
func (o *OutboxFilter) Apply(ctx context.Context, delivery *DeliveryContext, next Handler) error {
	buffer := &outboxBuffer{}
	real := delivery.swapSink(buffer)
	defer delivery.swapSink(real)

	if err := next.Handle(ctx, delivery); err != nil {
		if len(buffer.operations) > 0 {
			o.logger.Debug("discarding outbox buffer after fault",
				"messageId", delivery.Envelope().ID,
				"bufferedOperations", len(buffer.operations),
			)
		}
		return err
	}

	if len(buffer.operations) == 0 {
		return nil
	}

	if real == nil {
		return fmt.Errorf("outbox cannot flush: delivery context has no outbound sink")
	}

	return buffer.flush(ctx, real)
}

// Name implements Filter
func (o *OutboxFilter) Name() string {
	return "OutboxFilter"
}
