package pipeline

import (
	"context"
	"fmt"
)

// Handler is the terminal stage of a compiled chain, or the "next" reference
// a filter invokes to continue inward.
type Handler interface {
	Handle(ctx context.Context, delivery *DeliveryContext) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, delivery *DeliveryContext) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, delivery *DeliveryContext) error {
	return f(ctx, delivery)
}

// Filter is a composable unit of pipeline behavior. A filter may inspect or
// transform the delivery on the way in, call next to continue the chain, and
// react to the inner outcome on the way out. A filter that does not call next
// short-circuits the chain.
//
// Filters hold no per-invocation state; anything delivery-scoped lives on the
// DeliveryContext.
type Filter interface {
	Apply(ctx context.Context, delivery *DeliveryContext, next Handler) error

	// Name returns the filter name for logging and debugging
	Name() string
}

// FilterFunc is a function adapter for Filter
type FilterFunc struct {
	name string
	fn   func(ctx context.Context, delivery *DeliveryContext, next Handler) error
}

// NewFilterFunc creates a function-based filter
func NewFilterFunc(name string, fn func(ctx context.Context, delivery *DeliveryContext, next Handler) error) *FilterFunc {
	return &FilterFunc{name: name, fn: fn}
}

// Apply implements Filter
func (f *FilterFunc) Apply(ctx context.Context, delivery *DeliveryContext, next Handler) error {
	return f.fn(ctx, delivery, next)
}

// Name implements Filter
func (f *FilterFunc) Name() string {
	return f.name
}

// stage links one filter to the rest of the compiled chain through an
// explicit next reference
type stage struct {
	filter Filter
	next   Handler
}

// Handle implements Handler
func (s *stage) Handle(ctx context.Context, delivery *DeliveryContext) error {
	return s.filter.Apply(ctx, delivery, s.next)
}

// Chain is a compiled, immutable filter pipeline. It is built once at startup
// and holds no mutable per-call state, so a single chain is safe for unlimited
// concurrent invocation.
type Chain struct {
	head  Handler
	names []string
}

// Compile links the given filters, in registration order, in front of the
// terminal handler. Invocation walks the filters front to back going in and
// unwinds in exact reverse order going out.
func Compile(terminal Handler, filters ...Filter) (*Chain, error) {
	if terminal == nil {
		return nil, fmt.Errorf("terminal handler cannot be nil")
	}

	names := make([]string, 0, len(filters))
	for _, f := range filters {
		if f == nil {
			return nil, fmt.Errorf("filter cannot be nil")
		}
		names = append(names, f.Name())
	}

	head := terminal
	for i := len(filters) - 1; i >= 0; i-- {
		head = &stage{filter: filters[i], next: head}
	}

	return &Chain{head: head, names: names}, nil
}

// Invoke runs the compiled chain against one delivery
func (c *Chain) Invoke(ctx context.Context, delivery *DeliveryContext) error {
	return c.head.Handle(ctx, delivery)
}

// Filters returns the names of the compiled filters in registration order
func (c *Chain) Filters() []string {
	names := make([]string, len(c.names))
	copy(names, c.names)
	return names
}
