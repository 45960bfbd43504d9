package pipeline

import (
	"context"
	"testing"

	"github.com/glimte/conduit-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryContext(t *testing.T) {
	t.Run("exposes envelope and scope", func(t *testing.T) {
		env := testEnvelope(t)
		scope := struct{ name string }{"scope"}

		dctx := NewDeliveryContext(context.Background(), env, scope)

		assert.Same(t, env, dctx.Envelope())
		assert.Equal(t, scope, dctx.Scope())
		assert.Equal(t, 0, dctx.Attempt())
	})

	t.Run("send requires a sink", func(t *testing.T) {
		dctx := NewDeliveryContext(context.Background(), testEnvelope(t), nil)

		env, err := contracts.NewEnvelope("Out", nil)
		require.NoError(t, err)

		assert.ErrorContains(t, dctx.Send("queue.a", env), "no outbound sink")
		assert.ErrorContains(t, dctx.Publish(env), "no outbound sink")
	})

	t.Run("send requires a destination", func(t *testing.T) {
		dctx := NewDeliveryContext(context.Background(), testEnvelope(t), nil)
		dctx.SetSink(&recordingSink{})

		env, err := contracts.NewEnvelope("Out", nil)
		require.NoError(t, err)

		assert.ErrorContains(t, dctx.Send("", env), "destination cannot be empty")
	})

	t.Run("respond targets the reply address with correlation", func(t *testing.T) {
		inbound, err := contracts.NewEnvelope("Query", nil, contracts.WithReplyTo("queue.replies"))
		require.NoError(t, err)

		sink := &recordingSink{}
		dctx := NewDeliveryContext(context.Background(), inbound, nil)
		dctx.SetSink(sink)

		require.NoError(t, dctx.Respond("QueryResult", map[string]int{"count": 3}))
		assert.Equal(t, []string{"queue.replies:QueryResult"}, sink.sent)
	})

	t.Run("respond fails without reply address", func(t *testing.T) {
		dctx := NewDeliveryContext(context.Background(), testEnvelope(t), nil)
		dctx.SetSink(&recordingSink{})

		assert.ErrorContains(t, dctx.Respond("QueryResult", nil), "no reply address")
	})
}
