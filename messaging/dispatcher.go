package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/pipeline"
	"golang.org/x/sync/semaphore"
)

// EndpointConfig describes one receive endpoint. PrefetchCount is advisory
// for transports that support pre-fetching more messages than are processed
// concurrently; the dispatcher itself only enforces ConcurrencyLimit.
type EndpointConfig struct {
	Name             string
	ConcurrencyLimit int
	PrefetchCount    int
}

// EndpointDispatcher pulls deliveries from a transport, deserializes them,
// bounds concurrency with a counting limiter and drives each delivery through
// the filter chains compiled for its bound consumers.
//
// A delivery bound to several consumers fans out to independent sub-chains;
// it is acknowledged only after every sub-chain resolves, and any sub-chain
// fault drives the delivery's overall outcome to a negative acknowledgment.
type EndpointDispatcher struct {
	config     EndpointConfig
	transport  Transport
	serializer Serializer
	scopes     ScopeFactory
	registry   *ConsumerRegistry

	filters         []pipeline.Filter
	chains          map[string]*pipeline.Chain
	limiter         *semaphore.Weighted
	sink            pipeline.OutboundSink
	errorAddress    string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	wg              sync.WaitGroup
}

// DispatcherOption configures the EndpointDispatcher
type DispatcherOption func(*EndpointDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *EndpointDispatcher) {
		d.logger = logger
	}
}

// WithFilters sets the outer filter stages applied, in registration order,
// around every consumer invocation
func WithFilters(filters ...pipeline.Filter) DispatcherOption {
	return func(d *EndpointDispatcher) {
		d.filters = append(d.filters, filters...)
	}
}

// WithErrorAddress sets the destination for deliveries that fail
// deserialization
func WithErrorAddress(address string) DispatcherOption {
	return func(d *EndpointDispatcher) {
		d.errorAddress = address
	}
}

// WithShutdownTimeout bounds how long in-flight deliveries may run after the
// dispatcher stops pulling new ones
func WithShutdownTimeout(timeout time.Duration) DispatcherOption {
	return func(d *EndpointDispatcher) {
		d.shutdownTimeout = timeout
	}
}

// WithOutboundSink replaces the dispatcher's default transport sink. Use it
// to share a sink configured elsewhere, such as one with a custom publish
// address.
func WithOutboundSink(sink pipeline.OutboundSink) DispatcherOption {
	return func(d *EndpointDispatcher) {
		d.sink = sink
	}
}

// NewEndpointDispatcher creates a dispatcher for one endpoint. The consumer
// registry must be fully populated: filter chains are compiled here, once,
// and shared read-only by all concurrent invocations.
func NewEndpointDispatcher(config EndpointConfig, transport Transport, serializer Serializer, scopes ScopeFactory, registry *ConsumerRegistry, options ...DispatcherOption) (*EndpointDispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if serializer == nil {
		return nil, fmt.Errorf("serializer cannot be nil")
	}
	if scopes == nil {
		return nil, fmt.Errorf("scope factory cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("consumer registry cannot be nil")
	}

	if config.Name == "" {
		config.Name = "endpoint"
	}
	if config.ConcurrencyLimit <= 0 {
		config.ConcurrencyLimit = 10
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = config.ConcurrencyLimit
	}

	d := &EndpointDispatcher{
		config:          config,
		transport:       transport,
		serializer:      serializer,
		scopes:          scopes,
		registry:        registry,
		limiter:         semaphore.NewWeighted(int64(config.ConcurrencyLimit)),
		shutdownTimeout: 30 * time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}
	if d.sink == nil {
		d.sink = NewTransportSink(transport, serializer, config.Name)
	}

	if err := d.compileChains(); err != nil {
		return nil, err
	}

	return d, nil
}

// chainKey identifies one compiled sub-chain
func chainKey(messageType, consumerType string) string {
	return messageType + "|" + consumerType
}

// compileChains builds one immutable chain per consumer binding, ending in
// that consumer's invocation
func (d *EndpointDispatcher) compileChains() error {
	d.chains = make(map[string]*pipeline.Chain)

	for _, messageType := range d.registry.MessageTypes() {
		for _, binding := range d.registry.Bindings(messageType) {
			filters := make([]pipeline.Filter, 0, len(d.filters)+len(binding.Filters))
			filters = append(filters, d.filters...)
			filters = append(filters, binding.Filters...)

			chain, err := pipeline.Compile(&consumerInvoker{consumerType: binding.ConsumerType}, filters...)
			if err != nil {
				return fmt.Errorf("failed to compile chain for %s/%s: %w", messageType, binding.ConsumerType, err)
			}

			d.chains[chainKey(messageType, binding.ConsumerType)] = chain
		}
	}

	return nil
}

// Run pulls and dispatches deliveries until ctx is cancelled or the transport
// fails, then drains in-flight work up to the shutdown timeout. Deliveries
// still running at the deadline are abandoned unacknowledged; the transport's
// redelivery policy takes over from there.
func (d *EndpointDispatcher) Run(ctx context.Context) error {
	d.logger.Info("endpoint dispatcher started",
		"endpoint", d.config.Name,
		"concurrencyLimit", d.config.ConcurrencyLimit,
		"prefetchCount", d.config.PrefetchCount,
	)

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	// a transport failure still drains in-flight work below before Run returns
	var runErr error

	for {
		delivery, err := d.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			runErr = fmt.Errorf("transport receive failed: %w", err)
			break
		}

		if err := d.limiter.Acquire(ctx, 1); err != nil {
			// shutting down with a delivery in hand: give it back
			if nackErr := delivery.Nack(true); nackErr != nil {
				d.logger.Warn("failed to return delivery during shutdown", "error", nackErr)
			}
			break
		}

		d.wg.Add(1)
		go func(del Delivery) {
			defer d.wg.Done()
			defer d.limiter.Release(1)
			d.dispatch(workCtx, del)
		}(delivery)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("endpoint dispatcher stopped", "endpoint", d.config.Name)
	case <-time.After(d.shutdownTimeout):
		d.logger.Warn("shutdown deadline reached, abandoning in-flight deliveries",
			"endpoint", d.config.Name,
			"timeout", d.shutdownTimeout,
		)
		cancelWork()
	}

	return runErr
}

// dispatch resolves one delivery end to end: deserialize, fan out to every
// bound consumer's sub-chain, then ack or nack exactly once.
func (d *EndpointDispatcher) dispatch(ctx context.Context, delivery Delivery) {
	env, err := d.serializer.Deserialize(delivery.Body())
	if err != nil {
		d.rejectPoison(ctx, delivery, err)
		return
	}

	bindings := d.registry.Bindings(env.Type)
	if len(bindings) == 0 {
		// no matching consumer completes successfully without reaching
		// inner stages
		d.logger.Warn("no consumer bound for message type",
			"endpoint", d.config.Name,
			"messageType", env.Type,
			"messageId", env.ID,
		)
		d.ack(delivery, env)
		return
	}

	scope := d.scopes.CreateScope()
	defer func() {
		if err := scope.Close(); err != nil {
			d.logger.Warn("failed to close consumption scope", "messageId", env.ID, "error", err)
		}
	}()

	var faults []error
	for _, binding := range bindings {
		chain := d.chains[chainKey(env.Type, binding.ConsumerType)]
		if chain == nil {
			faults = append(faults, fmt.Errorf("no compiled chain for %s/%s", env.Type, binding.ConsumerType))
			continue
		}

		dctx := pipeline.NewDeliveryContext(ctx, env, scope)
		dctx.SetSink(d.sink)

		if err := chain.Invoke(ctx, dctx); err != nil {
			faults = append(faults, fmt.Errorf("consumer %s failed: %w", binding.ConsumerType, err))
		}
	}

	if len(faults) > 0 {
		d.logger.Error("delivery faulted",
			"endpoint", d.config.Name,
			"messageId", env.ID,
			"messageType", env.Type,
			"consumers", len(bindings),
			"error", errors.Join(faults...),
		)
		if err := delivery.Nack(true); err != nil {
			d.logger.Error("failed to nack delivery", "messageId", env.ID, "error", err)
		}
		return
	}

	d.ack(delivery, env)
}

// rejectPoison routes an undeserializable delivery to the error address and
// rejects it without redelivery. Retrying malformed input cannot succeed.
func (d *EndpointDispatcher) rejectPoison(ctx context.Context, delivery Delivery, cause error) {
	d.logger.Error("rejecting malformed delivery",
		"endpoint", d.config.Name,
		"error", cause,
	)

	if d.errorAddress != "" {
		if err := d.transport.Send(ctx, d.errorAddress, delivery.Body()); err != nil {
			d.logger.Error("failed to route malformed delivery to error address",
				"errorAddress", d.errorAddress,
				"error", err,
			)
		}
	}

	if err := delivery.Nack(false); err != nil {
		d.logger.Error("failed to reject malformed delivery", "error", err)
	}
}

// ack acknowledges a delivery, logging on failure
func (d *EndpointDispatcher) ack(delivery Delivery, env *contracts.Envelope) {
	if err := delivery.Ack(); err != nil {
		d.logger.Error("failed to ack delivery", "messageId", env.ID, "error", err)
		return
	}
	d.logger.Debug("delivery acknowledged",
		"endpoint", d.config.Name,
		"messageId", env.ID,
		"messageType", env.Type,
	)
}

// consumerInvoker is the terminal chain stage: it resolves the bound consumer
// from the delivery's scope and invokes it
type consumerInvoker struct {
	consumerType string
}

// Handle implements pipeline.Handler
func (c *consumerInvoker) Handle(ctx context.Context, delivery *pipeline.DeliveryContext) error {
	scope, ok := delivery.Scope().(Scope)
	if !ok {
		return fmt.Errorf("delivery context has no consumption scope")
	}

	consumer, err := scope.Resolve(c.consumerType)
	if err != nil {
		// a missing registration is a configuration error, not a transient one
		return contracts.Permanent(fmt.Errorf("failed to resolve consumer %s: %w", c.consumerType, err))
	}

	return consumer.Consume(ctx, delivery)
}

// SinkOption configures a transport sink
type SinkOption func(*transportSink)

// WithSinkPublishAddress overrides how the sink derives publish destinations
func WithSinkPublishAddress(fn func(env *contracts.Envelope) string) SinkOption {
	return func(s *transportSink) {
		s.publishAddress = fn
	}
}

// NewTransportSink returns an outbound sink that serializes envelopes and
// hands them to the transport. The dispatcher installs one on every delivery
// context; initiators outside a delivery can use it directly.
func NewTransportSink(transport Transport, serializer Serializer, source string, options ...SinkOption) pipeline.OutboundSink {
	s := &transportSink{
		transport:  transport,
		serializer: serializer,
		source:     source,
		publishAddress: func(env *contracts.Envelope) string {
			return env.Type
		},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// transportSink is the transport-facing outbound sink installed on every
// delivery context
type transportSink struct {
	transport      Transport
	serializer     Serializer
	source         string
	publishAddress func(env *contracts.Envelope) string
}

// Send implements pipeline.OutboundSink
func (s *transportSink) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	out := env.Clone()
	out.Destination = destination
	if out.Source == "" {
		out.Source = s.source
	}

	body, err := s.serializer.Serialize(out)
	if err != nil {
		return fmt.Errorf("failed to serialize outbound envelope: %w", err)
	}

	return s.transport.Send(ctx, destination, body)
}

// Publish implements pipeline.OutboundSink
func (s *transportSink) Publish(ctx context.Context, env *contracts.Envelope) error {
	return s.Send(ctx, s.publishAddress(env), env)
}
