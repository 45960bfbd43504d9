package messaging

import (
	"fmt"
	"sync"

	"github.com/glimte/conduit-go/pipeline"
)

// ConsumerBinding binds one consumer type to a message type, optionally with
// filters specific to that consumer's sub-chain.
type ConsumerBinding struct {
	ConsumerType string
	Filters      []pipeline.Filter
}

// ConsumerRegistry is the explicit message-type-to-consumer table built at
// startup. Dispatch is a plain map lookup; no runtime type inspection.
type ConsumerRegistry struct {
	bindings map[string][]ConsumerBinding
	mu       sync.RWMutex
}

// NewConsumerRegistry creates an empty consumer registry
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{
		bindings: make(map[string][]ConsumerBinding),
	}
}

// Bind registers a consumer type for a message type tag
func (r *ConsumerRegistry) Bind(messageType, consumerType string, filters ...pipeline.Filter) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if consumerType == "" {
		return fmt.Errorf("consumer type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.bindings[messageType] {
		if existing.ConsumerType == consumerType {
			return fmt.Errorf("consumer %s already bound to message type %s", consumerType, messageType)
		}
	}

	r.bindings[messageType] = append(r.bindings[messageType], ConsumerBinding{
		ConsumerType: consumerType,
		Filters:      filters,
	})

	return nil
}

// Bindings returns the consumer bindings for a message type
func (r *ConsumerRegistry) Bindings(messageType string) []ConsumerBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings, exists := r.bindings[messageType]
	if !exists {
		return nil
	}

	result := make([]ConsumerBinding, len(bindings))
	copy(result, bindings)
	return result
}

// MessageTypes returns all message types with at least one binding
func (r *ConsumerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.bindings))
	for messageType := range r.bindings {
		types = append(types, messageType)
	}
	return types
}

// StaticScopeFactory resolves consumers from a fixed table of factory
// functions. It satisfies ScopeFactory for hosts that do not bring their own
// dependency-injection container.
type StaticScopeFactory struct {
	factories map[string]func() Consumer
	mu        sync.RWMutex
}

// NewStaticScopeFactory creates an empty static scope factory
func NewStaticScopeFactory() *StaticScopeFactory {
	return &StaticScopeFactory{
		factories: make(map[string]func() Consumer),
	}
}

// RegisterConsumer registers a consumer factory under a consumer type tag
func (f *StaticScopeFactory) RegisterConsumer(consumerType string, factory func() Consumer) error {
	if consumerType == "" {
		return fmt.Errorf("consumer type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.factories[consumerType]; exists {
		return fmt.Errorf("consumer type %s already registered", consumerType)
	}

	f.factories[consumerType] = factory
	return nil
}

// CreateScope implements ScopeFactory
func (f *StaticScopeFactory) CreateScope() Scope {
	return &staticScope{factory: f}
}

// staticScope resolves fresh consumer instances per delivery
type staticScope struct {
	factory *StaticScopeFactory
}

// Resolve implements Scope
func (s *staticScope) Resolve(consumerType string) (Consumer, error) {
	s.factory.mu.RLock()
	factory, exists := s.factory.factories[consumerType]
	s.factory.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no consumer registered for type %s", consumerType)
	}

	return factory(), nil
}

// Close implements Scope
func (s *staticScope) Close() error {
	return nil
}
