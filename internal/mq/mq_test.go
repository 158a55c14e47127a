package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cocoguard/apiserver/config"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureBackend struct {
	channel string
	data    []byte
	attrs   map[string]string
}

func (c *captureBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	c.channel, c.data, c.attrs = channel, data, attrs
	return "msg-1", nil
}

func (c *captureBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return nil
}

func (c *captureBackend) Close() error { return nil }

func TestPublishJSON(t *testing.T) {
	backend := &captureBackend{}
	q := New(backend)

	id, err := q.PublishJSON(context.Background(), "pest-alerts", map[string]int{"scan_id": 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, "pest-alerts", backend.channel)
	assert.Equal(t, "application/json", backend.attrs["content-type"])

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(backend.data, &decoded))
	assert.Equal(t, 7, decoded["scan_id"])
}

func TestPublishJSONRejectsUnmarshalable(t *testing.T) {
	q := New(&captureBackend{})
	_, err := q.PublishJSON(context.Background(), "x", make(chan int), nil)
	assert.Error(t, err)
}

func TestNewBackendSelection(t *testing.T) {
	_, err := NewBackend(context.Background(), config.Config{}, zap.NewNop())
	assert.True(t, errors.Is(err, ErrNoBackend))

	cfg := config.Config{MQ: config.MQConfig{Backend: "kafka"}}
	_, err = NewBackend(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown mq backend")

	cfg = config.Config{MQ: config.MQConfig{Backend: "nats"}}
	_, err = NewBackend(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "nats url is required")

	cfg = config.Config{MQ: config.MQConfig{Backend: "rabbitmq"}}
	_, err = NewBackend(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "rabbitmq url is required")
}

func TestHeaderConversions(t *testing.T) {
	attrs := headersToAttributes(amqp.Table{"request_id": "abc", "attempt": int32(2), "raw": []byte("x")})
	assert.Equal(t, map[string]string{"request_id": "abc", "attempt": "2", "raw": "x"}, attrs)
	assert.Nil(t, headersToAttributes(nil))

	header := nats.Header{}
	header.Set(nats.MsgIdHdr, "m-1")
	header.Set("request_id", "abc")
	assert.Equal(t, map[string]string{"request_id": "abc"}, natsHeaderAttributes(header))
	assert.Nil(t, natsHeaderAttributes(nil))
}
