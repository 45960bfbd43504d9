package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedActivity lets each test script the forward and undo behavior
type scriptedActivity struct {
	execute    func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error)
	compensate func(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error
}

func (a *scriptedActivity) Execute(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
	if a.execute == nil {
		return &ExecutionResult{}, nil
	}
	return a.execute(ctx, arguments, variables)
}

func (a *scriptedActivity) Compensate(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
	if a.compensate == nil {
		return nil
	}
	return a.compensate(ctx, data, variables)
}

type sentEnvelope struct {
	address  string
	envelope *contracts.Envelope
}

// recordingSink captures everything the executor sends or publishes
type recordingSink struct {
	sent      []sentEnvelope
	published []*contracts.Envelope
}

func (s *recordingSink) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	s.sent = append(s.sent, sentEnvelope{address: destination, envelope: env})
	return nil
}

func (s *recordingSink) Publish(ctx context.Context, env *contracts.Envelope) error {
	s.published = append(s.published, env)
	return nil
}

// deliver runs one slip hop through the executor, capturing outbound traffic
func deliver(t *testing.T, executor *Executor, slip RoutingSlip) (*recordingSink, error) {
	t.Helper()

	env, err := contracts.NewEnvelope(MessageTypeRoutingSlip, slip,
		contracts.WithCorrelationID(slip.TrackingNumber),
	)
	require.NoError(t, err)

	sink := &recordingSink{}
	dctx := pipeline.NewDeliveryContext(context.Background(), env, nil)
	dctx.SetSink(sink)

	return sink, executor.Consume(context.Background(), dctx)
}

func slipFrom(t *testing.T, env *contracts.Envelope) RoutingSlip {
	t.Helper()

	var slip RoutingSlip
	require.NoError(t, env.UnmarshalPayload(&slip))
	return slip
}

func TestExecutorRunsItineraryToCompletion(t *testing.T) {
	executed := make([]string, 0, 3)
	hostFor := func(name string) *Executor {
		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity(name, &scriptedActivity{
			execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
				executed = append(executed, name)
				return &ExecutionResult{CompensationData: json.RawMessage(fmt.Sprintf(`{"undo":%q}`, name))}, nil
			},
		}))
		return executor
	}

	slip := buildSlip(t)

	// first hop
	sink, err := deliver(t, hostFor("ReserveStock"), slip)
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "queue.billing", sink.sent[0].address)

	forwarded := slipFrom(t, sink.sent[0].envelope)
	assert.Equal(t, StateExecuting, forwarded.State)
	require.Len(t, forwarded.CompensationLog, 1)
	assert.Equal(t, "ReserveStock", forwarded.CompensationLog[0].Name)
	assert.JSONEq(t, `{"undo":"ReserveStock"}`, string(forwarded.CompensationLog[0].Data))

	// second hop
	sink, err = deliver(t, hostFor("ChargeCard"), forwarded)
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "queue.shipping", sink.sent[0].address)
	forwarded = slipFrom(t, sink.sent[0].envelope)

	// final hop publishes the terminal event instead of forwarding
	sink, err = deliver(t, hostFor("ShipOrder"), forwarded)
	require.NoError(t, err)
	assert.Empty(t, sink.sent)
	require.Len(t, sink.published, 1)
	assert.Equal(t, MessageTypeCompleted, sink.published[0].Type)
	assert.Equal(t, slip.TrackingNumber, sink.published[0].CorrelationID)

	var completed RoutingSlipCompleted
	require.NoError(t, sink.published[0].UnmarshalPayload(&completed))
	assert.Equal(t, slip.TrackingNumber, completed.TrackingNumber)

	assert.Equal(t, []string{"ReserveStock", "ChargeCard", "ShipOrder"}, executed)
}

func TestExecutorSendsTerminalEventsToReplyAddress(t *testing.T) {
	t.Run("completion goes to the initiator", func(t *testing.T) {
		slip, err := NewBuilder().
			AddActivity("ReserveStock", "queue.stock", nil).
			WithReplyAddress("queue.initiator").
			Build()
		require.NoError(t, err)

		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{}))

		sink, err := deliver(t, executor, slip)
		require.NoError(t, err)

		assert.Empty(t, sink.published)
		require.Len(t, sink.sent, 1)
		assert.Equal(t, "queue.initiator", sink.sent[0].address)
		assert.Equal(t, MessageTypeCompleted, sink.sent[0].envelope.Type)
		assert.Equal(t, slip.TrackingNumber, sink.sent[0].envelope.CorrelationID)
	})

	t.Run("fault goes to the initiator", func(t *testing.T) {
		slip, err := NewBuilder().
			AddActivity("ReserveStock", "queue.stock", nil).
			WithReplyAddress("queue.initiator").
			Build()
		require.NoError(t, err)

		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{
			execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
				return nil, contracts.Permanent(fmt.Errorf("out of stock"))
			},
		}))

		sink, err := deliver(t, executor, slip)
		require.NoError(t, err)

		assert.Empty(t, sink.published)
		require.Len(t, sink.sent, 1)
		assert.Equal(t, "queue.initiator", sink.sent[0].address)
		assert.Equal(t, MessageTypeFaulted, sink.sent[0].envelope.Type)
	})

	t.Run("two initiators each get their own event", func(t *testing.T) {
		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{}))

		for _, initiator := range []string{"queue.web", "queue.batch"} {
			slip, err := NewBuilder().
				AddActivity("ReserveStock", "queue.stock", nil).
				WithReplyAddress(initiator).
				Build()
			require.NoError(t, err)

			sink, err := deliver(t, executor, slip)
			require.NoError(t, err)
			require.Len(t, sink.sent, 1)
			assert.Equal(t, initiator, sink.sent[0].address)
		}
	})
}

func TestExecutorMergesResultVariables(t *testing.T) {
	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{
		execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
			return &ExecutionResult{
				Variables: map[string]json.RawMessage{"reservation": json.RawMessage(`"r-9"`)},
			}, nil
		},
	}))

	sink, err := deliver(t, executor, buildSlip(t))
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)

	forwarded := slipFrom(t, sink.sent[0].envelope)
	var reservation string
	require.NoError(t, forwarded.Variable("reservation", &reservation))
	assert.Equal(t, "r-9", reservation)

	// builder variables are still there
	var orderID string
	require.NoError(t, forwarded.Variable("orderId", &orderID))
	assert.Equal(t, "order-42", orderID)
}

func TestExecutorTurnsAroundOnPermanentFault(t *testing.T) {
	slip := buildSlip(t)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ReserveStock", Address: "queue.stock"}, nil)

	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ChargeCard", &scriptedActivity{
		execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
			return nil, contracts.Permanent(fmt.Errorf("card declined"))
		},
	}))

	sink, err := deliver(t, executor, slip)
	require.NoError(t, err, "a compensatable fault resolves the delivery successfully")

	// the slip heads back to the completed activity's address
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "queue.stock", sink.sent[0].address)

	compensating := slipFrom(t, sink.sent[0].envelope)
	assert.Equal(t, StateCompensating, compensating.State)
	assert.Empty(t, compensating.Itinerary)
	require.NotNil(t, compensating.Fault)
	assert.Equal(t, "ChargeCard", compensating.Fault.ActivityName)
	assert.Contains(t, compensating.Fault.Message, "card declined")
}

func TestExecutorFaultsImmediatelyWithNothingToCompensate(t *testing.T) {
	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{
		execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
			return nil, contracts.Permanent(fmt.Errorf("out of stock"))
		},
	}))

	sink, err := deliver(t, executor, buildSlip(t))
	require.NoError(t, err)

	assert.Empty(t, sink.sent)
	require.Len(t, sink.published, 1)
	assert.Equal(t, MessageTypeFaulted, sink.published[0].Type)

	var faulted RoutingSlipFaulted
	require.NoError(t, sink.published[0].UnmarshalPayload(&faulted))
	assert.Equal(t, "ReserveStock", faulted.Fault.ActivityName)
}

func TestExecutorPropagatesRetryableFaults(t *testing.T) {
	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{
		execute: func(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*ExecutionResult, error) {
			return nil, contracts.Transient(fmt.Errorf("inventory service timeout"))
		},
	}))

	sink, err := deliver(t, executor, buildSlip(t))

	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
	assert.Empty(t, sink.sent, "a retryable fault must not move the slip")
	assert.Empty(t, sink.published)
}

func TestExecutorCompensatesAndPublishesFaulted(t *testing.T) {
	compensated := make([]string, 0, 2)
	hostFor := func(name string) *Executor {
		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity(name, &scriptedActivity{
			compensate: func(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
				compensated = append(compensated, name)
				return nil
			},
		}))
		return executor
	}

	slip := buildSlip(t)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ReserveStock", Address: "queue.stock"}, nil)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ChargeCard", Address: "queue.billing"}, nil)
	slip = slip.BeginCompensation(ActivityFault{ActivityName: "ShipOrder", Message: "no carrier available"})

	// most recent activity is undone first
	sink, err := deliver(t, hostFor("ChargeCard"), slip)
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "queue.stock", sink.sent[0].address)

	remaining := slipFrom(t, sink.sent[0].envelope)
	assert.Equal(t, StateCompensating, remaining.State)
	require.Len(t, remaining.CompensationLog, 1)

	// undoing the last entry exhausts the log and publishes the fault
	sink, err = deliver(t, hostFor("ReserveStock"), remaining)
	require.NoError(t, err)
	assert.Empty(t, sink.sent)
	require.Len(t, sink.published, 1)
	assert.Equal(t, MessageTypeFaulted, sink.published[0].Type)

	var faulted RoutingSlipFaulted
	require.NoError(t, sink.published[0].UnmarshalPayload(&faulted))
	assert.Equal(t, "ShipOrder", faulted.Fault.ActivityName)

	assert.Equal(t, []string{"ChargeCard", "ReserveStock"}, compensated)
}

func TestExecutorReportsCompensationFailure(t *testing.T) {
	slip := buildSlip(t)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ReserveStock", Address: "queue.stock"}, nil)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ChargeCard", Address: "queue.billing"}, nil)
	slip = slip.BeginCompensation(ActivityFault{ActivityName: "ShipOrder"})

	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ChargeCard", &scriptedActivity{
		compensate: func(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
			return contracts.Permanent(fmt.Errorf("refund rejected"))
		},
	}))

	sink, err := deliver(t, executor, slip)
	require.NoError(t, err)

	assert.Empty(t, sink.sent)
	require.Len(t, sink.published, 1)
	assert.Equal(t, MessageTypeCompensationFailed, sink.published[0].Type)

	var failed RoutingSlipCompensationFailed
	require.NoError(t, sink.published[0].UnmarshalPayload(&failed))
	assert.Equal(t, "ChargeCard", failed.ActivityName)
	assert.Contains(t, failed.Message, "refund rejected")
	require.Len(t, failed.Remaining, 2, "unfinished log is reported for manual unwind")
}

func TestExecutorRetriesTransientCompensationFaults(t *testing.T) {
	slip := buildSlip(t)
	slip, _ = slip.MarkExecuted(CompensationEntry{Name: "ReserveStock", Address: "queue.stock"}, nil)
	slip = slip.BeginCompensation(ActivityFault{ActivityName: "ChargeCard"})

	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("ReserveStock", &scriptedActivity{
		compensate: func(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
			return contracts.Transient(fmt.Errorf("inventory service timeout"))
		},
	}))

	sink, err := deliver(t, executor, slip)

	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
	assert.Empty(t, sink.published)
}

func TestExecutorRejectsInvalidSlips(t *testing.T) {
	t.Run("terminal state", func(t *testing.T) {
		slip := buildSlip(t)
		slip.State = StateCompleted

		_, err := deliver(t, NewExecutor(), slip)
		require.Error(t, err)
		assert.False(t, contracts.IsRetryable(err))
	})

	t.Run("activity not hosted here", func(t *testing.T) {
		executor := NewExecutor()
		require.NoError(t, executor.RegisterActivity("SomethingElse", &scriptedActivity{}))

		_, err := deliver(t, executor, buildSlip(t))
		require.Error(t, err)
		assert.False(t, contracts.IsRetryable(err))
	})

	t.Run("malformed payload", func(t *testing.T) {
		env, err := contracts.NewEnvelope(MessageTypeRoutingSlip, "not a slip")
		require.NoError(t, err)

		dctx := pipeline.NewDeliveryContext(context.Background(), env, nil)
		err = NewExecutor().Consume(context.Background(), dctx)

		var serErr *contracts.SerializationError
		require.ErrorAs(t, err, &serErr)
	})
}

func TestExecutorRegistration(t *testing.T) {
	executor := NewExecutor()
	require.NoError(t, executor.RegisterActivity("A", &scriptedActivity{}))

	assert.Error(t, executor.RegisterActivity("A", &scriptedActivity{}))
	assert.Error(t, executor.RegisterActivity("", &scriptedActivity{}))
	assert.Error(t, executor.RegisterActivity("B", nil))
}

func TestDispatch(t *testing.T) {
	t.Run("sends the slip to its first activity", func(t *testing.T) {
		slip := buildSlip(t)
		sink := &recordingSink{}

		require.NoError(t, Dispatch(context.Background(), sink, slip))

		require.Len(t, sink.sent, 1)
		assert.Equal(t, "queue.stock", sink.sent[0].address)
		assert.Equal(t, MessageTypeRoutingSlip, sink.sent[0].envelope.Type)
		assert.Equal(t, slip.TrackingNumber, sink.sent[0].envelope.CorrelationID)
	})

	t.Run("rejects non-executing slips", func(t *testing.T) {
		slip := buildSlip(t)
		slip.State = StateCompleted

		assert.Error(t, Dispatch(context.Background(), &recordingSink{}, slip))
	})

	t.Run("rejects a nil sink", func(t *testing.T) {
		assert.Error(t, Dispatch(context.Background(), nil, buildSlip(t)))
	})
}
