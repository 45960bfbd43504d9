package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport("", "queue.orders")
	assert.Error(t, err)

	_, err = NewTransport("amqp://localhost", "")
	assert.Error(t, err)
}

func TestQueueArgs(t *testing.T) {
	transport := &Transport{}
	assert.Nil(t, transport.queueArgs())

	transport.deadLetterExchange = "dlx"
	args := transport.queueArgs()
	assert.Equal(t, "dlx", args["x-dead-letter-exchange"])
}

func TestAmqpDeliveryHeaders(t *testing.T) {
	d := &amqpDelivery{delivery: amqp.Delivery{
		Headers:     amqp.Table{"tenant": "acme", "count": int32(3)},
		Redelivered: true,
		Body:        []byte("payload"),
	}}

	headers := d.Headers()
	assert.Equal(t, "acme", headers["tenant"])
	assert.Equal(t, "true", headers["x-redelivered"])
	assert.NotContains(t, headers, "count", "non-string header values are dropped")
	assert.Equal(t, []byte("payload"), d.Body())
}
