// Command conduit-demo runs an order saga over the in-memory broker: three
// activity hosts, a synchronous bridge, and one routing slip executed through
// them. Pass -fail to fault the billing step and watch the compensation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	conduit "github.com/glimte/conduit-go"
	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/courier"
	"github.com/glimte/conduit-go/transports/memory"
)

type reserveStock struct {
	logger *slog.Logger
}

func (a *reserveStock) Execute(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*courier.ExecutionResult, error) {
	a.logger.Info("reserving stock")
	return &courier.ExecutionResult{
		CompensationData: json.RawMessage(`{"reservationId":"r-1"}`),
	}, nil
}

func (a *reserveStock) Compensate(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
	a.logger.Info("releasing stock reservation", "data", string(data))
	return nil
}

type chargeCard struct {
	logger *slog.Logger
	fail   bool
}

func (a *chargeCard) Execute(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*courier.ExecutionResult, error) {
	if a.fail {
		return nil, contracts.Permanent(fmt.Errorf("card declined"))
	}
	a.logger.Info("charging card")
	return &courier.ExecutionResult{
		CompensationData: json.RawMessage(`{"chargeId":"c-1"}`),
	}, nil
}

func (a *chargeCard) Compensate(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
	a.logger.Info("refunding charge", "data", string(data))
	return nil
}

type shipOrder struct {
	logger *slog.Logger
}

func (a *shipOrder) Execute(ctx context.Context, arguments json.RawMessage, variables map[string]json.RawMessage) (*courier.ExecutionResult, error) {
	a.logger.Info("shipping order")
	return &courier.ExecutionResult{}, nil
}

func (a *shipOrder) Compensate(ctx context.Context, data json.RawMessage, variables map[string]json.RawMessage) error {
	return nil
}

func main() {
	fail := flag.Bool("fail", false, "fault the billing activity to trigger compensation")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(logger, *fail); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, fail bool) error {
	broker := memory.NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const eventsQueue = "queue.events"

	hosts := []struct {
		queue    string
		activity string
		impl     courier.Activity
	}{
		{"queue.stock", "ReserveStock", &reserveStock{logger: logger}},
		{"queue.billing", "ChargeCard", &chargeCard{logger: logger, fail: fail}},
		{"queue.shipping", "ShipOrder", &shipOrder{logger: logger}},
	}

	for _, host := range hosts {
		transport, err := broker.Bind(host.queue)
		if err != nil {
			return err
		}
		endpoint, err := conduit.NewEndpoint(host.queue, transport,
			conduit.WithLogger(logger),
			conduit.WithShutdownTimeout(time.Second),
		)
		if err != nil {
			return err
		}
		if err := endpoint.HostActivity(host.activity, host.impl); err != nil {
			return err
		}
		go endpoint.Run(ctx) //nolint:errcheck
	}

	eventsTransport, err := broker.Bind(eventsQueue)
	if err != nil {
		return err
	}
	eventsEndpoint, err := conduit.NewEndpoint(eventsQueue, eventsTransport,
		conduit.WithLogger(logger),
		conduit.WithShutdownTimeout(time.Second),
	)
	if err != nil {
		return err
	}
	slipBridge, err := eventsEndpoint.RoutingSlipBridge()
	if err != nil {
		return err
	}
	go eventsEndpoint.Run(ctx) //nolint:errcheck

	slip, err := courier.NewBuilder().
		AddActivity("ReserveStock", "queue.stock", nil).
		AddActivity("ChargeCard", "queue.billing", nil).
		AddActivity("ShipOrder", "queue.shipping", nil).
		SetVariable("orderId", "order-42").
		Build()
	if err != nil {
		return err
	}

	execCtx, execCancel := context.WithTimeout(ctx, 10*time.Second)
	defer execCancel()

	completion, err := slipBridge.Execute(execCtx, slip)
	if err != nil {
		return err
	}

	switch {
	case completion.Completed != nil:
		logger.Info("order completed",
			"trackingNumber", completion.TrackingNumber,
			"duration", completion.Completed.Duration,
		)
	case completion.Faulted != nil:
		logger.Warn("order faulted and was compensated",
			"trackingNumber", completion.TrackingNumber,
			"activity", completion.Faulted.Fault.ActivityName,
			"reason", completion.Faulted.Fault.Message,
		)
	case completion.CompensationFailed != nil:
		logger.Error("compensation failed, manual intervention required",
			"trackingNumber", completion.TrackingNumber,
			"activity", completion.CompensationFailed.ActivityName,
		)
	}

	return nil
}
