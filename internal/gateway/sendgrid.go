package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers email through the SendGrid v3 API.
type SendGridSender struct {
	client      mailClient
	from        *mail.Email
	sandboxMode bool
	logger      *zap.Logger
}

// NewSendGridSender constructs an email sender from config.
func NewSendGridSender(cfg config.SendGridConfig, logger *zap.Logger) (*SendGridSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, errors.New("sendgrid from email is required")
	}
	return &SendGridSender{
		client:      sendgrid.NewSendClient(cfg.APIKey),
		from:        mail.NewEmail(cfg.FromName, cfg.FromEmail),
		sandboxMode: cfg.SandboxMode,
		logger:      logger,
	}, nil
}

// Send implements Sender.
func (s *SendGridSender) Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error {
	if channel != types.ChannelEmail {
		return fmt.Errorf("%w: sendgrid cannot send %s", ErrUnsupportedChannel, channel)
	}

	message := mail.NewSingleEmail(s.from, msg.Subject, mail.NewEmail("", recipient), msg.Text, msg.HTML)
	if s.sandboxMode {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		message.MailSettings = ms
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		s.logger.Error("sendgrid send failed", zap.Error(err))
		return fmt.Errorf("send email via sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		s.logger.Error("sendgrid rejected message", zap.Int("status", resp.StatusCode), zap.String("body", resp.Body))
		return fmt.Errorf("send email via sendgrid: status %d", resp.StatusCode)
	}
	s.logger.Debug("verification email sent", zap.Int("status", resp.StatusCode))
	return nil
}
