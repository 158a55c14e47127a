package gateway

import (
	"context"

	"github.com/cocoguard/apiserver/types"
	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of delivering them. It is
// used in development when no provider credentials are configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error {
	s.logger.Info("verification message (not delivered)",
		zap.String("channel", string(channel)),
		zap.String("recipient", recipient),
		zap.String("text", msg.Text),
	)
	return nil
}
