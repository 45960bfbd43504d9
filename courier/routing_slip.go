package courier

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageTypeRoutingSlip is the envelope type tag carried by every routing
// slip hop
const MessageTypeRoutingSlip = "RoutingSlip"

// VariableReplyAddress names the slip variable holding the initiator's reply
// address. Terminal events are sent there when it is set.
const VariableReplyAddress = "replyAddress"

// State tags the phase a routing slip is in. Terminal states are never
// forwarded to another activity host.
type State string

const (
	StateExecuting          State = "executing"
	StateCompensating       State = "compensating"
	StateCompleted          State = "completed"
	StateFaulted            State = "faulted"
	StateCompensationFailed State = "compensation-failed"
)

// Terminal reports whether the state admits no further transitions
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFaulted, StateCompensationFailed:
		return true
	}
	return false
}

// ActivityStep is one planned hop in the itinerary
type ActivityStep struct {
	Name      string          `json:"name"`
	Address   string          `json:"address"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CompensationEntry records one completed activity so it can be undone. The
// data blob is produced by the activity's Execute and handed back verbatim to
// its Compensate.
type CompensationEntry struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ActivityFault describes the execution failure that turned the slip around
type ActivityFault struct {
	ActivityName string    `json:"activityName"`
	Address      string    `json:"address"`
	Message      string    `json:"message"`
	FaultedAt    time.Time `json:"faultedAt"`
}

// RoutingSlip is the complete, self-contained saga state. It travels inside
// the message; no coordinator service holds a copy. Every transition returns
// a new value, so a host crash between receive and ack leaves the in-flight
// slip untouched for redelivery.
type RoutingSlip struct {
	TrackingNumber  string                     `json:"trackingNumber"`
	CreatedAt       time.Time                  `json:"createdAt"`
	State           State                      `json:"state"`
	Itinerary       []ActivityStep             `json:"itinerary"`
	CompensationLog []CompensationEntry        `json:"compensationLog,omitempty"`
	Variables       map[string]json.RawMessage `json:"variables,omitempty"`
	Fault           *ActivityFault             `json:"fault,omitempty"`
}

// NextStep returns the itinerary step the slip is waiting on
func (s RoutingSlip) NextStep() (ActivityStep, bool) {
	if len(s.Itinerary) == 0 {
		return ActivityStep{}, false
	}
	return s.Itinerary[0], true
}

// NextCompensation returns the most recently logged compensation entry.
// Compensation unwinds the log back to front.
func (s RoutingSlip) NextCompensation() (CompensationEntry, bool) {
	if len(s.CompensationLog) == 0 {
		return CompensationEntry{}, false
	}
	return s.CompensationLog[len(s.CompensationLog)-1], true
}

// Variable unmarshals a named variable into target
func (s RoutingSlip) Variable(name string, target interface{}) error {
	raw, exists := s.Variables[name]
	if !exists {
		return fmt.Errorf("variable %s not set", name)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal variable %s: %w", name, err)
	}
	return nil
}

// ReplyAddress returns the initiator's reply address, if one was recorded on
// the slip
func (s RoutingSlip) ReplyAddress() (string, bool) {
	var address string
	if err := s.Variable(VariableReplyAddress, &address); err != nil || address == "" {
		return "", false
	}
	return address, true
}

// WithReplyAddress returns a copy of the slip carrying the initiator's reply
// address in its variable bag
func (s RoutingSlip) WithReplyAddress(address string) RoutingSlip {
	next := s.clone()
	if next.Variables == nil {
		next.Variables = make(map[string]json.RawMessage, 1)
	}
	raw, _ := json.Marshal(address)
	next.Variables[VariableReplyAddress] = raw
	return next
}

// MarkExecuted transitions the slip past its current itinerary step: the step
// is removed, its compensation entry is logged and any result variables are
// merged. The second result reports whether the itinerary is now exhausted
// and the slip completed.
func (s RoutingSlip) MarkExecuted(entry CompensationEntry, variables map[string]json.RawMessage) (RoutingSlip, bool) {
	next := s.clone()
	if len(next.Itinerary) > 0 {
		next.Itinerary = next.Itinerary[1:]
	}
	next.CompensationLog = append(next.CompensationLog, entry)

	if len(variables) > 0 {
		if next.Variables == nil {
			next.Variables = make(map[string]json.RawMessage, len(variables))
		}
		for name, value := range variables {
			next.Variables[name] = value
		}
	}

	if len(next.Itinerary) == 0 {
		next.State = StateCompleted
		return next, true
	}
	return next, false
}

// BeginCompensation turns the slip around: the fault is recorded and the
// state moves to compensating. The remaining itinerary is dropped; only the
// compensation log matters from here on.
func (s RoutingSlip) BeginCompensation(fault ActivityFault) RoutingSlip {
	next := s.clone()
	next.State = StateCompensating
	next.Itinerary = nil
	next.Fault = &fault
	return next
}

// MarkCompensated pops the most recent compensation entry. The second result
// reports whether the log is now empty and the slip has reached its faulted
// terminal state.
func (s RoutingSlip) MarkCompensated() (RoutingSlip, bool) {
	next := s.clone()
	if len(next.CompensationLog) > 0 {
		next.CompensationLog = next.CompensationLog[:len(next.CompensationLog)-1]
	}
	if len(next.CompensationLog) == 0 {
		next.State = StateFaulted
		return next, true
	}
	return next, false
}

// MarkCompensationFailed moves the slip to its compensation-failed terminal
// state. Entries still in the log at that point require manual intervention.
func (s RoutingSlip) MarkCompensationFailed() RoutingSlip {
	next := s.clone()
	next.State = StateCompensationFailed
	return next
}

// clone deep-copies the mutable parts so transitions never alias the input
func (s RoutingSlip) clone() RoutingSlip {
	next := s

	if s.Itinerary != nil {
		next.Itinerary = make([]ActivityStep, len(s.Itinerary))
		copy(next.Itinerary, s.Itinerary)
	}
	if s.CompensationLog != nil {
		next.CompensationLog = make([]CompensationEntry, len(s.CompensationLog))
		copy(next.CompensationLog, s.CompensationLog)
	}
	if s.Variables != nil {
		next.Variables = make(map[string]json.RawMessage, len(s.Variables))
		for name, value := range s.Variables {
			next.Variables[name] = value
		}
	}
	if s.Fault != nil {
		fault := *s.Fault
		next.Fault = &fault
	}

	return next
}
