package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/conduit-go/contracts"
)

// JSONSerializer converts envelopes to and from their JSON wire form.
// Malformed input is rejected with a contracts.SerializationError so the
// dispatcher can route it to the error destination without retrying.
type JSONSerializer struct {
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithPrettyPrint enables pretty printing
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serialize serializes an envelope to its wire form
func (s *JSONSerializer) Serialize(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope %s has no message type", env.ID)
	}

	if s.prettyPrint {
		return json.MarshalIndent(env, "", "  ")
	}
	return json.Marshal(env)
}

// Deserialize parses wire bytes into an envelope, validating the fields the
// core depends on
func (s *JSONSerializer) Deserialize(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, contracts.NewSerializationError("empty message body", nil)
	}

	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, contracts.NewSerializationError("invalid envelope JSON", err)
	}

	if env.ID == "" {
		return nil, contracts.NewSerializationError("envelope has no message id", nil)
	}
	if env.Type == "" {
		return nil, contracts.NewSerializationError("envelope has no message type", nil)
	}

	return &env, nil
}
