package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/conduit-go/courier"
	"github.com/glimte/conduit-go/pipeline"
)

// Outcome tags how a routing slip ended
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeFaulted            Outcome = "faulted"
	OutcomeCompensationFailed Outcome = "compensation-failed"
)

// Completion is the terminal result of one routing slip. Exactly one of the
// event fields is set, matching the outcome.
type Completion struct {
	TrackingNumber     string
	Outcome            Outcome
	Completed          *courier.RoutingSlipCompleted
	Faulted            *courier.RoutingSlipFaulted
	CompensationFailed *courier.RoutingSlipCompensationFailed
}

// SyncBridge turns the asynchronous routing slip flow into a blocking call:
// Execute dispatches a slip and waits for its terminal event.
//
// The bridge is also a consumer. Bind it to the three terminal event types on
// the endpoint that receives them; dispatched slips whose events arrive
// elsewhere will wait until timeout.
type SyncBridge struct {
	sink           pipeline.OutboundSink
	replyAddress   string
	pending        map[string]chan Completion
	mu             sync.Mutex
	maxPending     int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// BridgeOption configures the SyncBridge
type BridgeOption func(*SyncBridge)

// WithDefaultTimeout sets how long Execute waits when the caller's context
// has no deadline
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(b *SyncBridge) {
		b.defaultTimeout = timeout
	}
}

// WithReplyAddress sets the queue this bridge consumes terminal events from.
// Execute stamps it onto each dispatched slip, so executors send the events
// back here no matter where they run.
func WithReplyAddress(address string) BridgeOption {
	return func(b *SyncBridge) {
		b.replyAddress = address
	}
}

// WithMaxPending bounds the number of concurrently awaited slips
func WithMaxPending(max int) BridgeOption {
	return func(b *SyncBridge) {
		b.maxPending = max
	}
}

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *SyncBridge) {
		b.logger = logger
	}
}

// NewSyncBridge creates a bridge that dispatches slips through the given sink
func NewSyncBridge(sink pipeline.OutboundSink, options ...BridgeOption) (*SyncBridge, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	b := &SyncBridge{
		sink:           sink,
		pending:        make(map[string]chan Completion),
		maxPending:     1000,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// Execute dispatches the routing slip and blocks until its terminal event
// arrives or the context expires. The slip keeps running either way; a
// timeout here only abandons the wait.
func (b *SyncBridge) Execute(ctx context.Context, slip courier.RoutingSlip) (*Completion, error) {
	if b.replyAddress != "" {
		if _, set := slip.ReplyAddress(); !set {
			slip = slip.WithReplyAddress(b.replyAddress)
		}
	}

	ch, err := b.register(slip.TrackingNumber)
	if err != nil {
		return nil, err
	}
	defer b.unregister(slip.TrackingNumber)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.defaultTimeout)
		defer cancel()
	}

	if err := courier.Dispatch(ctx, b.sink, slip); err != nil {
		return nil, fmt.Errorf("failed to dispatch routing slip: %w", err)
	}

	b.logger.Debug("awaiting routing slip", "trackingNumber", slip.TrackingNumber)

	select {
	case completion := <-ch:
		return &completion, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("routing slip %s did not complete: %w", slip.TrackingNumber, ctx.Err())
	}
}

func (b *SyncBridge) register(trackingNumber string) (chan Completion, error) {
	if trackingNumber == "" {
		return nil, fmt.Errorf("tracking number cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.maxPending {
		return nil, fmt.Errorf("too many pending routing slips (%d)", b.maxPending)
	}
	if _, exists := b.pending[trackingNumber]; exists {
		return nil, fmt.Errorf("routing slip %s is already awaited", trackingNumber)
	}

	ch := make(chan Completion, 1)
	b.pending[trackingNumber] = ch
	return ch, nil
}

func (b *SyncBridge) pendingTrackingNumbers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	numbers := make([]string, 0, len(b.pending))
	for trackingNumber := range b.pending {
		numbers = append(numbers, trackingNumber)
	}
	return numbers
}

func (b *SyncBridge) unregister(trackingNumber string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, trackingNumber)
}

// Consume implements the consumer contract for the terminal event types
func (b *SyncBridge) Consume(ctx context.Context, delivery *pipeline.DeliveryContext) error {
	env := delivery.Envelope()

	var completion Completion
	switch env.Type {
	case courier.MessageTypeCompleted:
		var event courier.RoutingSlipCompleted
		if err := env.UnmarshalPayload(&event); err != nil {
			return fmt.Errorf("malformed %s event: %w", env.Type, err)
		}
		completion = Completion{TrackingNumber: event.TrackingNumber, Outcome: OutcomeCompleted, Completed: &event}

	case courier.MessageTypeFaulted:
		var event courier.RoutingSlipFaulted
		if err := env.UnmarshalPayload(&event); err != nil {
			return fmt.Errorf("malformed %s event: %w", env.Type, err)
		}
		completion = Completion{TrackingNumber: event.TrackingNumber, Outcome: OutcomeFaulted, Faulted: &event}

	case courier.MessageTypeCompensationFailed:
		var event courier.RoutingSlipCompensationFailed
		if err := env.UnmarshalPayload(&event); err != nil {
			return fmt.Errorf("malformed %s event: %w", env.Type, err)
		}
		completion = Completion{TrackingNumber: event.TrackingNumber, Outcome: OutcomeCompensationFailed, CompensationFailed: &event}

	default:
		return fmt.Errorf("unexpected message type %s", env.Type)
	}

	b.mu.Lock()
	ch, awaited := b.pending[completion.TrackingNumber]
	b.mu.Unlock()

	if !awaited {
		// nobody is waiting; the slip may have been started elsewhere or the
		// waiter timed out
		b.logger.Debug("terminal event with no waiter",
			"trackingNumber", completion.TrackingNumber,
			"outcome", completion.Outcome,
		)
		return nil
	}

	select {
	case ch <- completion:
	default:
	}
	return nil
}
