package serialization

import (
	"fmt"
	"sync"
)

// TypeRegistry maps message type tags to payload factory functions. It is
// populated once at startup and looked up by table at dispatch time; no
// runtime type inspection is involved.
type TypeRegistry interface {
	// Register registers a payload factory under a type name
	Register(typeName string, factory func() interface{}) error

	// CreateInstance creates a new payload instance for the type name
	CreateInstance(typeName string) (interface{}, error)

	// IsRegistered checks if a type is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type names
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	factories map[string]func() interface{}
	mu        sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		factories: make(map[string]func() interface{}),
	}
}

// Register registers a payload factory under a type name
func (r *DefaultTypeRegistry) Register(typeName string, factory func() interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("type name %s already registered", typeName)
	}

	r.factories[typeName] = factory
	return nil
}

// CreateInstance creates a new payload instance for the type name
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (interface{}, error) {
	r.mu.RLock()
	factory, exists := r.factories[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	return factory(), nil
}

// IsRegistered checks if a type is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[typeName]
	return exists
}

// ListTypes returns all registered type names
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typeName := range r.factories {
		types = append(types, typeName)
	}

	return types
}
