package courier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder assembles a routing slip. Errors accumulate and surface once from
// Build, so call sites can chain without checking every step.
type Builder struct {
	trackingNumber string
	itinerary      []ActivityStep
	variables      map[string]json.RawMessage
	err            error
}

// NewBuilder creates a routing slip builder with a fresh tracking number
func NewBuilder() *Builder {
	return &Builder{
		trackingNumber: uuid.New().String(),
		variables:      make(map[string]json.RawMessage),
	}
}

// WithTrackingNumber overrides the generated tracking number
func (b *Builder) WithTrackingNumber(trackingNumber string) *Builder {
	if b.err != nil {
		return b
	}
	if trackingNumber == "" {
		b.err = fmt.Errorf("tracking number cannot be empty")
		return b
	}
	b.trackingNumber = trackingNumber
	return b
}

// AddActivity appends an itinerary step. Arguments are marshaled to JSON and
// handed to the activity's Execute unchanged; pass nil for none.
func (b *Builder) AddActivity(name, address string, arguments interface{}) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("activity name cannot be empty")
		return b
	}
	if address == "" {
		b.err = fmt.Errorf("activity %s: address cannot be empty", name)
		return b
	}

	var raw json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			b.err = fmt.Errorf("activity %s: failed to marshal arguments: %w", name, err)
			return b
		}
		raw = data
	}

	b.itinerary = append(b.itinerary, ActivityStep{
		Name:      name,
		Address:   address,
		Arguments: raw,
	})
	return b
}

// WithReplyAddress records where the initiator wants the slip's terminal
// event delivered. Without it, terminal events are published to the
// type-derived address.
func (b *Builder) WithReplyAddress(address string) *Builder {
	if b.err != nil {
		return b
	}
	if address == "" {
		b.err = fmt.Errorf("reply address cannot be empty")
		return b
	}
	return b.SetVariable(VariableReplyAddress, address)
}

// SetVariable stores a named value visible to every activity on the slip
func (b *Builder) SetVariable(name string, value interface{}) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("variable name cannot be empty")
		return b
	}

	data, err := json.Marshal(value)
	if err != nil {
		b.err = fmt.Errorf("variable %s: failed to marshal value: %w", name, err)
		return b
	}

	b.variables[name] = data
	return b
}

// Build finalizes the routing slip in its executing state
func (b *Builder) Build() (RoutingSlip, error) {
	if b.err != nil {
		return RoutingSlip{}, b.err
	}
	if len(b.itinerary) == 0 {
		return RoutingSlip{}, fmt.Errorf("routing slip requires at least one activity")
	}

	itinerary := make([]ActivityStep, len(b.itinerary))
	copy(itinerary, b.itinerary)

	variables := make(map[string]json.RawMessage, len(b.variables))
	for name, value := range b.variables {
		variables[name] = value
	}

	return RoutingSlip{
		TrackingNumber: b.trackingNumber,
		CreatedAt:      time.Now().UTC(),
		State:          StateExecuting,
		Itinerary:      itinerary,
		Variables:      variables,
	}, nil
}
