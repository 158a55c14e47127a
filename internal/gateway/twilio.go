package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/types"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender delivers SMS through the Twilio messaging API.
type TwilioSender struct {
	api    messageCreator
	from   string
	logger *zap.Logger
}

// NewTwilioSender constructs an SMS sender from config.
func NewTwilioSender(cfg config.TwilioConfig, logger *zap.Logger) (*TwilioSender, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	if strings.TrimSpace(cfg.FromPhone) == "" {
		return nil, errors.New("twilio from phone is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.FromPhone, logger: logger}, nil
}

// Send implements Sender. The Twilio client has no context support, so the
// request runs on its own goroutine and ctx only bounds how long we wait.
func (s *TwilioSender) Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error {
	if channel != types.ChannelSMS {
		return fmt.Errorf("%w: twilio cannot send %s", ErrUnsupportedChannel, channel)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(s.from)
	params.SetBody(msg.Text)

	done := make(chan error, 1)
	go func() {
		_, err := s.api.CreateMessage(params)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("twilio send failed", zap.Error(err))
			return fmt.Errorf("send sms via twilio: %w", err)
		}
		s.logger.Debug("verification sms sent")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send sms via twilio: %w", ctx.Err())
	}
}
