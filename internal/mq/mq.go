package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"go.uber.org/zap"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// ErrNoBackend is returned by NewBackend when no broker is configured.
var ErrNoBackend = errors.New("no message queue backend configured")

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// NewBackend connects the broker selected by cfg.MQ.Backend.
func NewBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.MQ.Backend)) {
	case "":
		return nil, ErrNoBackend
	case "rabbitmq":
		return NewRabbitMQClient(cfg.RabbitMQ, logger)
	case "pubsub":
		return NewPubSubClient(ctx, cfg.PubSub)
	case "nats":
		return NewNATSClient(cfg.NATS, logger)
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.MQ.Backend)
	}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON marshals value and sends it to the named channel.
func (m *MQ) PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if attrs == nil {
		attrs = make(map[string]string, 1)
	}
	attrs["content-type"] = "application/json"
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
