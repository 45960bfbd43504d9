package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire-level representation of a message. It is constructed
// once and treated as immutable afterwards; code that needs to vary addressing
// or headers works on a copy obtained through Clone or the With helpers.
type Envelope struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Source         string            `json:"source,omitempty"`
	Destination    string            `json:"destination,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body"`
}

// EnvelopeOption configures envelope construction
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithConversationID sets the conversation ID
func WithConversationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.ConversationID = id
	}
}

// WithSource sets the source address
func WithSource(address string) EnvelopeOption {
	return func(e *Envelope) {
		e.Source = address
	}
}

// WithDestination sets the destination address
func WithDestination(address string) EnvelopeOption {
	return func(e *Envelope) {
		e.Destination = address
	}
}

// WithReplyTo sets the reply address
func WithReplyTo(address string) EnvelopeOption {
	return func(e *Envelope) {
		e.ReplyTo = address
	}
}

// WithHeader sets a single header value
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// NewEnvelope creates an envelope with a generated ID and current timestamp.
// The payload is marshaled to JSON and stored as the body.
func NewEnvelope(messageType string, payload interface{}, options ...EnvelopeOption) (*Envelope, error) {
	if messageType == "" {
		return nil, fmt.Errorf("message type cannot be empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}

	for _, opt := range options {
		opt(env)
	}

	return env, nil
}

// Clone returns a deep copy of the envelope
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.Headers != nil {
		clone.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}

	if e.Body != nil {
		clone.Body = make(json.RawMessage, len(e.Body))
		copy(clone.Body, e.Body)
	}

	return &clone
}

// Reply creates a reply envelope addressed to this envelope's reply address.
// The reply carries the original message ID as its correlation ID and keeps
// the conversation ID.
func (e *Envelope) Reply(messageType string, payload interface{}) (*Envelope, error) {
	if e.ReplyTo == "" {
		return nil, fmt.Errorf("envelope %s has no reply address", e.ID)
	}

	correlationID := e.CorrelationID
	if correlationID == "" {
		correlationID = e.ID
	}

	return NewEnvelope(messageType, payload,
		WithDestination(e.ReplyTo),
		WithCorrelationID(correlationID),
		WithConversationID(e.ConversationID),
	)
}

// UnmarshalPayload decodes the envelope body into target
func (e *Envelope) UnmarshalPayload(target interface{}) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("envelope %s has no body", e.ID)
	}
	if err := json.Unmarshal(e.Body, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload of %s: %w", e.Type, err)
	}
	return nil
}
