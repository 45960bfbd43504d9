package serialization

import (
	"testing"

	"github.com/glimte/conduit-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializer(t *testing.T) {
	serializer := NewJSONSerializer()

	t.Run("round-trips an envelope", func(t *testing.T) {
		env, err := contracts.NewEnvelope("OrderSubmitted", map[string]string{"orderId": "42"},
			contracts.WithCorrelationID("corr-1"),
			contracts.WithReplyTo("queue.replies"),
			contracts.WithHeader("tenant", "acme"),
		)
		require.NoError(t, err)

		data, err := serializer.Serialize(env)
		require.NoError(t, err)

		decoded, err := serializer.Deserialize(data)
		require.NoError(t, err)

		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, "OrderSubmitted", decoded.Type)
		assert.Equal(t, "corr-1", decoded.CorrelationID)
		assert.Equal(t, "queue.replies", decoded.ReplyTo)
		assert.Equal(t, "acme", decoded.Headers["tenant"])
		assert.JSONEq(t, string(env.Body), string(decoded.Body))
	})

	t.Run("rejects nil and untyped envelopes", func(t *testing.T) {
		_, err := serializer.Serialize(nil)
		assert.Error(t, err)

		_, err = serializer.Serialize(&contracts.Envelope{ID: "x"})
		assert.Error(t, err)
	})

	t.Run("empty input is a serialization fault", func(t *testing.T) {
		_, err := serializer.Deserialize(nil)

		var serErr *contracts.SerializationError
		require.ErrorAs(t, err, &serErr)
		assert.False(t, contracts.IsRetryable(err))
	})

	t.Run("invalid JSON is a serialization fault", func(t *testing.T) {
		_, err := serializer.Deserialize([]byte("{not json"))

		var serErr *contracts.SerializationError
		assert.ErrorAs(t, err, &serErr)
	})

	t.Run("missing id or type is a serialization fault", func(t *testing.T) {
		_, err := serializer.Deserialize([]byte(`{"type":"X","body":{}}`))
		var serErr *contracts.SerializationError
		assert.ErrorAs(t, err, &serErr)

		_, err = serializer.Deserialize([]byte(`{"id":"1","body":{}}`))
		assert.ErrorAs(t, err, &serErr)
	})
}

func TestTypeRegistry(t *testing.T) {
	type orderSubmitted struct {
		OrderID string `json:"orderId"`
	}

	t.Run("creates instances from registered factories", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("OrderSubmitted", func() interface{} { return &orderSubmitted{} }))

		assert.True(t, registry.IsRegistered("OrderSubmitted"))

		instance, err := registry.CreateInstance("OrderSubmitted")
		require.NoError(t, err)
		assert.IsType(t, &orderSubmitted{}, instance)

		assert.Equal(t, []string{"OrderSubmitted"}, registry.ListTypes())
	})

	t.Run("rejects duplicates and invalid input", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("X", func() interface{} { return &orderSubmitted{} }))

		assert.Error(t, registry.Register("X", func() interface{} { return &orderSubmitted{} }))
		assert.Error(t, registry.Register("", func() interface{} { return nil }))
		assert.Error(t, registry.Register("Y", nil))
	})

	t.Run("unknown type fails", func(t *testing.T) {
		registry := NewTypeRegistry()
		_, err := registry.CreateInstance("Nope")
		assert.Error(t, err)
	})
}
