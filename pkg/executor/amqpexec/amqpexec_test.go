package amqpexec

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/foxx-queues/pkg/core"
)

type capture struct {
	exchange string
	key      string
	msgs     []amqp.Publishing
	err      error
}

func (c *capture) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.exchange, c.key = exchange, key
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestEncode(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d := core.Dispatch{JobID: "j1", Database: "_system", Queue: "default", RunAsUser: "bob", IsSystem: true}

	pub, err := Encode(d, now)
	require.NoError(t, err)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "_system", pub.Headers["database"])
	assert.NotEmpty(t, pub.MessageId)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.Body, &msg))
	assert.Equal(t, pub.MessageId, msg.ID)
	assert.Equal(t, MessageType, msg.Type)
	assert.Equal(t, d, msg.Payload)
	assert.True(t, now.Equal(msg.Timestamp))
}

func TestEncode_PayloadFields(t *testing.T) {
	pub, err := Encode(core.Dispatch{JobID: "j1", Database: "db", IsSystem: true}, time.Now())
	require.NoError(t, err)

	var raw struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.Body, &raw))
	assert.Equal(t, "j1", raw.Payload["jobId"])
	assert.Equal(t, "db", raw.Payload["database"])
	assert.Equal(t, true, raw.Payload["isSystem"])
	assert.NotContains(t, raw.Payload, "command")
}

func TestDispatch_Publishes(t *testing.T) {
	c := &capture{}
	e := New(c, WithExchange("ex"), WithRoutingKey("rk"))

	require.NoError(t, e.Dispatch(context.Background(), core.Dispatch{JobID: "1", Database: "db"}))
	assert.Equal(t, "ex", c.exchange)
	assert.Equal(t, "rk", c.key)
	assert.Len(t, c.msgs, 1)
}

func TestDispatch_PublishError(t *testing.T) {
	boom := errors.New("channel closed")
	e := New(&capture{err: boom})

	err := e.Dispatch(context.Background(), core.Dispatch{JobID: "1"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, core.ErrPermissionDenied)
}

func TestDial_Live(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}
	e, err := Dial(url)
	require.NoError(t, err)
	defer e.Close()

	assert.NoError(t, e.Dispatch(context.Background(), core.Dispatch{JobID: "live", Database: "_system", IsSystem: true}))
}
