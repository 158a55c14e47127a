package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSClient publishes and consumes through core NATS subjects. Subscribers
// join a queue group so replicas of the API share the work.
type NATSClient struct {
	conn       *nats.Conn
	queueGroup string
	logger     *zap.Logger
}

// NewNATSClient connects to the server in cfg.
func NewNATSClient(cfg config.NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("cocoguard-apiserver"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrlRedacted()))
	return &NATSClient{conn: conn, queueGroup: cfg.QueueGroup, logger: logger}, nil
}

// Publish sends a message to the named subject.
func (n *NATSClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("nats channel is required")
	}
	messageID := newMessageID()
	msg := nats.NewMsg(channel)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, messageID)
	for key, value := range attrs {
		msg.Header.Set(key, value)
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return "", err
	}
	return messageID, nil
}

// Subscribe consumes messages from the named subject until ctx is done.
// Core NATS has no redelivery, so handler errors are only logged.
func (n *NATSClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("nats channel is required")
	}
	sub, err := n.conn.QueueSubscribe(channel, n.queueGroup, func(msg *nats.Msg) {
		message := Message{
			ID:         msg.Header.Get(nats.MsgIdHdr),
			Data:       msg.Data,
			Attributes: natsHeaderAttributes(msg.Header),
		}
		if err := handler(ctx, message); err != nil {
			n.logger.Warn("nats handler failed", zap.String("subject", channel), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	<-ctx.Done()
	return ctx.Err()
}

// Close drains pending messages and closes the connection.
func (n *NATSClient) Close() error {
	return n.conn.Drain()
}

func natsHeaderAttributes(header nats.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(header))
	for key := range header {
		if key == nats.MsgIdHdr {
			continue
		}
		attrs[strings.ToLower(key)] = header.Get(key)
	}
	return attrs
}
