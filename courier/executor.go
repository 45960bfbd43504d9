package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/pipeline"
)

// ExecutionResult is what a successful activity execution hands back: the
// data its Compensate needs, plus any variables to merge into the slip.
type ExecutionResult struct {
	CompensationData json.RawMessage
	Variables        map[string]json.RawMessage
}

// Activity is one forward step of a routing slip and its undo. Execute
// receives the arguments planned for it at build time; Compensate receives
// the data Execute returned.
//
// Execute errors are classified: retryable failures fault the delivery so the
// host's retry policy and transport redelivery apply, while permanent
// failures turn the slip around into compensation.
type Activity interface {
	Execute(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error)
	Compensate(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error
}

// Executor hosts activities and advances routing slips through them. It is a
// consumer: bind it to the RoutingSlip message type on each activity host
// endpoint.
type Executor struct {
	activities map[string]Activity
	logger     *slog.Logger
}

// ExecutorOption configures the Executor
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor with no hosted activities
func NewExecutor(options ...ExecutorOption) *Executor {
	e := &Executor{
		activities: make(map[string]Activity),
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// RegisterActivity hosts an activity under its itinerary name
func (e *Executor) RegisterActivity(name string, activity Activity) error {
	if name == "" {
		return fmt.Errorf("activity name cannot be empty")
	}
	if activity == nil {
		return fmt.Errorf("activity cannot be nil")
	}
	if _, exists := e.activities[name]; exists {
		return fmt.Errorf("activity %s already registered", name)
	}
	e.activities[name] = activity
	return nil
}

// Consume implements the consumer contract for routing slip hops
func (e *Executor) Consume(ctx context.Context, delivery *pipeline.DeliveryContext) error {
	var slip RoutingSlip
	if err := delivery.Envelope().UnmarshalPayload(&slip); err != nil {
		return contracts.NewSerializationError("malformed routing slip", err)
	}

	switch slip.State {
	case StateExecuting:
		return e.execute(ctx, delivery, slip)
	case StateCompensating:
		return e.compensate(ctx, delivery, slip)
	default:
		return contracts.Permanent(fmt.Errorf("routing slip %s arrived in terminal state %s", slip.TrackingNumber, slip.State))
	}
}

func (e *Executor) execute(ctx context.Context, delivery *pipeline.DeliveryContext, slip RoutingSlip) error {
	step, ok := slip.NextStep()
	if !ok {
		return contracts.Permanent(fmt.Errorf("routing slip %s is executing with an empty itinerary", slip.TrackingNumber))
	}

	activity, hosted := e.activities[step.Name]
	if !hosted {
		return contracts.Permanent(fmt.Errorf("activity %s is not hosted here", step.Name))
	}

	e.logger.Info("executing activity",
		"trackingNumber", slip.TrackingNumber,
		"activity", step.Name,
	)

	result, err := activity.Execute(ctx, step.Arguments, slip.Variables)
	if err != nil {
		if contracts.IsRetryable(err) {
			return fmt.Errorf("activity %s failed: %w", step.Name, err)
		}
		return e.turnAround(delivery, slip, step, err)
	}

	entry := CompensationEntry{Name: step.Name, Address: step.Address}
	var variables map[string]json.RawMessage
	if result != nil {
		entry.Data = result.CompensationData
		variables = result.Variables
	}

	next, completed := slip.MarkExecuted(entry, variables)
	if completed {
		e.logger.Info("routing slip completed",
			"trackingNumber", slip.TrackingNumber,
			"activity", step.Name,
		)
		return e.publishEvent(delivery, next, MessageTypeCompleted, RoutingSlipCompleted{
			TrackingNumber: next.TrackingNumber,
			CompletedAt:    time.Now().UTC(),
			Duration:       time.Since(next.CreatedAt),
			Variables:      next.Variables,
		})
	}

	nextStep, _ := next.NextStep()
	return e.forward(delivery, nextStep.Address, next)
}

// turnAround records the execution fault and routes the slip into its
// compensation phase. The faulted activity itself is not compensated; only
// the activities that completed before it are.
func (e *Executor) turnAround(delivery *pipeline.DeliveryContext, slip RoutingSlip, step ActivityStep, cause error) error {
	e.logger.Warn("activity faulted, compensating",
		"trackingNumber", slip.TrackingNumber,
		"activity", step.Name,
		"completedActivities", len(slip.CompensationLog),
		"error", cause,
	)

	compensating := slip.BeginCompensation(ActivityFault{
		ActivityName: step.Name,
		Address:      step.Address,
		Message:      cause.Error(),
		FaultedAt:    time.Now().UTC(),
	})

	entry, pending := compensating.NextCompensation()
	if !pending {
		// nothing completed before the fault, so nothing to undo
		return e.publishEvent(delivery, compensating, MessageTypeFaulted, RoutingSlipFaulted{
			TrackingNumber: compensating.TrackingNumber,
			FaultedAt:      time.Now().UTC(),
			Fault:          *compensating.Fault,
		})
	}

	return e.forward(delivery, entry.Address, compensating)
}

func (e *Executor) compensate(ctx context.Context, delivery *pipeline.DeliveryContext, slip RoutingSlip) error {
	entry, ok := slip.NextCompensation()
	if !ok {
		return contracts.Permanent(fmt.Errorf("routing slip %s is compensating with an empty log", slip.TrackingNumber))
	}

	activity, hosted := e.activities[entry.Name]
	if !hosted {
		return contracts.Permanent(fmt.Errorf("activity %s is not hosted here", entry.Name))
	}

	e.logger.Info("compensating activity",
		"trackingNumber", slip.TrackingNumber,
		"activity", entry.Name,
	)

	if err := activity.Compensate(ctx, entry.Data, slip.Variables); err != nil {
		if contracts.IsRetryable(err) {
			return fmt.Errorf("compensation of %s failed: %w", entry.Name, err)
		}

		failed := slip.MarkCompensationFailed()
		e.logger.Error("compensation failed, manual intervention required",
			"trackingNumber", failed.TrackingNumber,
			"activity", entry.Name,
			"remaining", len(failed.CompensationLog),
			"error", err,
		)
		return e.publishEvent(delivery, failed, MessageTypeCompensationFailed, RoutingSlipCompensationFailed{
			TrackingNumber: failed.TrackingNumber,
			FailedAt:       time.Now().UTC(),
			ActivityName:   entry.Name,
			Message:        err.Error(),
			Fault:          failed.Fault,
			Remaining:      failed.CompensationLog,
		})
	}

	next, exhausted := slip.MarkCompensated()
	if exhausted {
		e.logger.Info("routing slip compensated",
			"trackingNumber", next.TrackingNumber,
		)
		event := RoutingSlipFaulted{
			TrackingNumber: next.TrackingNumber,
			FaultedAt:      time.Now().UTC(),
		}
		if next.Fault != nil {
			event.Fault = *next.Fault
		}
		return e.publishEvent(delivery, next, MessageTypeFaulted, event)
	}

	nextEntry, _ := next.NextCompensation()
	return e.forward(delivery, nextEntry.Address, next)
}

// forward sends the slip to its next hop through the delivery's outbound
// sink, so it rides the same outbox as any other message the host sends
func (e *Executor) forward(delivery *pipeline.DeliveryContext, address string, slip RoutingSlip) error {
	env, err := contracts.NewEnvelope(MessageTypeRoutingSlip, slip,
		contracts.WithCorrelationID(slip.TrackingNumber),
	)
	if err != nil {
		return fmt.Errorf("failed to build routing slip envelope: %w", err)
	}
	return delivery.Send(address, env)
}

// publishEvent delivers a terminal event. Slips carrying a reply address get
// the event sent straight to their initiator; the rest are published to the
// type-derived address.
func (e *Executor) publishEvent(delivery *pipeline.DeliveryContext, slip RoutingSlip, messageType string, event interface{}) error {
	env, err := contracts.NewEnvelope(messageType, event,
		contracts.WithCorrelationID(slip.TrackingNumber),
	)
	if err != nil {
		return fmt.Errorf("failed to build %s event: %w", messageType, err)
	}
	if address, ok := slip.ReplyAddress(); ok {
		return delivery.Send(address, env)
	}
	return delivery.Publish(env)
}

// Dispatch starts a built routing slip by sending it to its first activity's
// address. Callers inside a delivery should prefer the delivery context's
// sink so the send is outbox-gated.
func Dispatch(ctx context.Context, sink pipeline.OutboundSink, slip RoutingSlip) error {
	if sink == nil {
		return fmt.Errorf("sink cannot be nil")
	}
	if slip.State != StateExecuting {
		return fmt.Errorf("routing slip %s cannot be dispatched in state %s", slip.TrackingNumber, slip.State)
	}

	step, ok := slip.NextStep()
	if !ok {
		return fmt.Errorf("routing slip %s has no itinerary", slip.TrackingNumber)
	}

	env, err := contracts.NewEnvelope(MessageTypeRoutingSlip, slip,
		contracts.WithCorrelationID(slip.TrackingNumber),
	)
	if err != nil {
		return fmt.Errorf("failed to build routing slip envelope: %w", err)
	}

	return sink.Send(ctx, step.Address, env)
}
