package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "registration.events"}

	e := NewEnvelope(Created, sampleOrder{ID: 1, Status: "confirmed"})
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	assert.Equal(t, "registration.events", got.exchange)
	assert.Equal(t, "appointment.created", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, e.ID.String(), got.msg.MessageId)

	var body Envelope
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, Created, body.Type)
	assert.Equal(t, e.ID, body.ID)
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := &AMQPPublisher{ch: ch, exchange: "x"}

	err := p.Publish(context.Background(), NewEnvelope(Cancelled, nil))
	assert.ErrorContains(t, err, "publish cancelled")
}

func TestAMQPPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch}
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
