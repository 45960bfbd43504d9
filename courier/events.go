package courier

import (
	"encoding/json"
	"time"
)

// Terminal event type tags. Exactly one terminal event is published per
// routing slip.
const (
	MessageTypeCompleted          = "RoutingSlipCompleted"
	MessageTypeFaulted            = "RoutingSlipFaulted"
	MessageTypeCompensationFailed = "RoutingSlipCompensationFailed"
)

// RoutingSlipCompleted is published when the itinerary runs to completion
type RoutingSlipCompleted struct {
	TrackingNumber string                     `json:"trackingNumber"`
	CompletedAt    time.Time                  `json:"completedAt"`
	Duration       time.Duration              `json:"duration"`
	Variables      map[string]json.RawMessage `json:"variables,omitempty"`
}

// RoutingSlipFaulted is published when an activity faulted and every logged
// compensation ran successfully
type RoutingSlipFaulted struct {
	TrackingNumber string        `json:"trackingNumber"`
	FaultedAt      time.Time     `json:"faultedAt"`
	Fault          ActivityFault `json:"fault"`
}

// RoutingSlipCompensationFailed is published when a compensation itself
// faulted. The slip's remaining compensation log is included so an operator
// can finish the unwind by hand.
type RoutingSlipCompensationFailed struct {
	TrackingNumber string              `json:"trackingNumber"`
	FailedAt       time.Time           `json:"failedAt"`
	ActivityName   string              `json:"activityName"`
	Message        string              `json:"message"`
	Fault          *ActivityFault      `json:"fault,omitempty"`
	Remaining      []CompensationEntry `json:"remaining,omitempty"`
}
