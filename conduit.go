// Package conduit wires the pieces into a runnable endpoint: a transport, a
// serializer, the consumer registry, the filter chain and the dispatcher.
package conduit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/conduit-go/bridge"
	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/courier"
	"github.com/glimte/conduit-go/health"
	"github.com/glimte/conduit-go/internal/reliability"
	"github.com/glimte/conduit-go/messaging"
	"github.com/glimte/conduit-go/pipeline"
	"github.com/glimte/conduit-go/serialization"
)

// Consumer type tags for the built-in consumers
const (
	executorConsumerType = "routing-slip-executor"
	bridgeConsumerType   = "routing-slip-bridge"
)

// Endpoint is the main entry point: one receive queue, its consumers and the
// processing chain around them. Register everything first, then Run.
type Endpoint struct {
	name       string
	transport  messaging.Transport
	serializer messaging.Serializer
	registry   *messaging.ConsumerRegistry
	scopes     *messaging.StaticScopeFactory
	sink       pipeline.OutboundSink

	executor   *courier.Executor
	syncBridge *bridge.SyncBridge

	concurrencyLimit int
	prefetchCount    int
	errorAddress     string
	shutdownTimeout  time.Duration
	retryPolicy      reliability.RetryPolicy
	extraFilters     []pipeline.Filter
	publishAddress   func(env *contracts.Envelope) string
	logger           *slog.Logger
	checks           *health.Registry
}

// EndpointOption configures the Endpoint
type EndpointOption func(*Endpoint)

// WithLogger sets the logger used by the endpoint and its filters
func WithLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithConcurrencyLimit bounds concurrently processed deliveries
func WithConcurrencyLimit(limit int) EndpointOption {
	return func(e *Endpoint) {
		e.concurrencyLimit = limit
	}
}

// WithPrefetchCount sets the transport prefetch hint
func WithPrefetchCount(count int) EndpointOption {
	return func(e *Endpoint) {
		e.prefetchCount = count
	}
}

// WithErrorAddress routes undeserializable deliveries to an address
func WithErrorAddress(address string) EndpointOption {
	return func(e *Endpoint) {
		e.errorAddress = address
	}
}

// WithShutdownTimeout bounds the drain of in-flight deliveries on shutdown
func WithShutdownTimeout(timeout time.Duration) EndpointOption {
	return func(e *Endpoint) {
		e.shutdownTimeout = timeout
	}
}

// WithRetryPolicy sets the delivery retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) EndpointOption {
	return func(e *Endpoint) {
		e.retryPolicy = policy
	}
}

// WithSerializer overrides the default JSON serializer
func WithSerializer(serializer messaging.Serializer) EndpointOption {
	return func(e *Endpoint) {
		e.serializer = serializer
	}
}

// WithEndpointFilters appends filters inside the standard chain, between the
// outbox and the consumer
func WithEndpointFilters(filters ...pipeline.Filter) EndpointOption {
	return func(e *Endpoint) {
		e.extraFilters = append(e.extraFilters, filters...)
	}
}

// WithPublishAddress overrides how publish destinations are derived from an
// envelope's type tag
func WithPublishAddress(fn func(env *contracts.Envelope) string) EndpointOption {
	return func(e *Endpoint) {
		e.publishAddress = fn
	}
}

// NewEndpoint creates an endpoint over an already connected transport
func NewEndpoint(name string, transport messaging.Transport, options ...EndpointOption) (*Endpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("endpoint name cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	e := &Endpoint{
		name:            name,
		transport:       transport,
		serializer:      serialization.NewJSONSerializer(),
		registry:        messaging.NewConsumerRegistry(),
		scopes:          messaging.NewStaticScopeFactory(),
		shutdownTimeout: 30 * time.Second,
		retryPolicy:     reliability.NewIntervalSequence(time.Second, 5*time.Second, 15*time.Second),
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}

	var sinkOptions []messaging.SinkOption
	if e.publishAddress != nil {
		sinkOptions = append(sinkOptions, messaging.WithSinkPublishAddress(e.publishAddress))
	}
	e.sink = messaging.NewTransportSink(transport, e.serializer, name, sinkOptions...)

	e.checks = health.NewRegistry()
	if pinger, ok := transport.(health.Pinger); ok {
		if err := e.checks.Register(health.NewPingChecker("transport", pinger)); err != nil {
			return nil, err
		}
	}
	if err := e.checks.Register(health.NewGoroutineChecker(500, 1000)); err != nil {
		return nil, err
	}

	return e, nil
}

// RegisterConsumer binds a consumer to a message type. The factory is invoked
// once per delivery, inside that delivery's scope.
func (e *Endpoint) RegisterConsumer(messageType, consumerType string, factory func() messaging.Consumer, filters ...pipeline.Filter) error {
	if err := e.scopes.RegisterConsumer(consumerType, factory); err != nil {
		return err
	}
	return e.registry.Bind(messageType, consumerType, filters...)
}

// HostActivity hosts a routing slip activity on this endpoint. The first call
// binds the executor to the routing slip message type.
func (e *Endpoint) HostActivity(name string, activity courier.Activity) error {
	if e.executor == nil {
		executor := courier.NewExecutor(courier.WithExecutorLogger(e.logger))
		if err := e.RegisterConsumer(courier.MessageTypeRoutingSlip, executorConsumerType, func() messaging.Consumer {
			return executor
		}); err != nil {
			return err
		}
		e.executor = executor
	}
	return e.executor.RegisterActivity(name, activity)
}

// RoutingSlipBridge returns the endpoint's synchronous routing slip bridge,
// creating and binding it on first call. The endpoint must be the one that
// receives the terminal events.
func (e *Endpoint) RoutingSlipBridge(options ...bridge.BridgeOption) (*bridge.SyncBridge, error) {
	if e.syncBridge != nil {
		return e.syncBridge, nil
	}

	options = append([]bridge.BridgeOption{
		bridge.WithBridgeLogger(e.logger),
		bridge.WithReplyAddress(e.name),
	}, options...)
	b, err := bridge.NewSyncBridge(e.sink, options...)
	if err != nil {
		return nil, err
	}

	factory := func() messaging.Consumer { return b }
	if err := e.scopes.RegisterConsumer(bridgeConsumerType, factory); err != nil {
		return nil, err
	}
	for _, messageType := range []string{
		courier.MessageTypeCompleted,
		courier.MessageTypeFaulted,
		courier.MessageTypeCompensationFailed,
	} {
		if err := e.registry.Bind(messageType, bridgeConsumerType); err != nil {
			return nil, err
		}
	}

	e.syncBridge = b
	return b, nil
}

// Sink returns the endpoint's outbound sink for sends made outside a
// delivery. Sends inside a consumer should go through the delivery context so
// they ride the outbox.
func (e *Endpoint) Sink() pipeline.OutboundSink {
	return e.sink
}

// Send serializes and sends an envelope to an address
func (e *Endpoint) Send(ctx context.Context, address string, env *contracts.Envelope) error {
	return e.sink.Send(ctx, address, env)
}

// Publish serializes and publishes an envelope to its type-derived address
func (e *Endpoint) Publish(ctx context.Context, env *contracts.Envelope) error {
	return e.sink.Publish(ctx, env)
}

// Run builds the dispatcher from everything registered so far and processes
// deliveries until ctx is cancelled
func (e *Endpoint) Run(ctx context.Context) error {
	dispatcher, err := e.buildDispatcher()
	if err != nil {
		return err
	}
	return dispatcher.Run(ctx)
}

func (e *Endpoint) buildDispatcher() (*messaging.EndpointDispatcher, error) {
	filters := []pipeline.Filter{
		pipeline.NewLoggingFilter(e.logger),
		pipeline.NewRetryFilter(e.retryPolicy).WithLogger(e.logger),
		pipeline.NewOutboxFilter(),
	}
	filters = append(filters, e.extraFilters...)

	options := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(e.logger),
		messaging.WithFilters(filters...),
		messaging.WithShutdownTimeout(e.shutdownTimeout),
		messaging.WithOutboundSink(e.sink),
	}
	if e.errorAddress != "" {
		options = append(options, messaging.WithErrorAddress(e.errorAddress))
	}

	return messaging.NewEndpointDispatcher(
		messaging.EndpointConfig{
			Name:             e.name,
			ConcurrencyLimit: e.concurrencyLimit,
			PrefetchCount:    e.prefetchCount,
		},
		e.transport,
		e.serializer,
		e.scopes,
		e.registry,
		options...,
	)
}

// Health runs the endpoint's health checks
func (e *Endpoint) Health(ctx context.Context) []health.CheckResult {
	return e.checks.Check(ctx)
}

// RegisterHealthCheck adds a custom health checker
func (e *Endpoint) RegisterHealthCheck(checker health.Checker) error {
	return e.checks.Register(checker)
}

// Close releases the underlying transport
func (e *Endpoint) Close() error {
	return e.transport.Close()
}
