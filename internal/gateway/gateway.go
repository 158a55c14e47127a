// Package gateway delivers verification codes out of band.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cocoguard/apiserver/types"
)

// ErrUnsupportedChannel is returned when no sender is registered for a channel.
var ErrUnsupportedChannel = errors.New("unsupported channel")

// Message is the content of one out-of-band notification. Subject and HTML
// are ignored by SMS senders.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message to a recipient on a channel.
type Sender interface {
	Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error
}

// Dispatcher routes each message to the sender registered for its channel.
type Dispatcher struct {
	senders map[types.Channel]Sender
}

// NewDispatcher constructs a Dispatcher. Nil senders are skipped.
func NewDispatcher(email, sms Sender) *Dispatcher {
	senders := make(map[types.Channel]Sender, 2)
	if email != nil {
		senders[types.ChannelEmail] = email
	}
	if sms != nil {
		senders[types.ChannelSMS] = sms
	}
	return &Dispatcher{senders: senders}
}

// Send implements Sender.
func (d *Dispatcher) Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	return sender.Send(ctx, channel, recipient, msg)
}

const verificationEmailHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background: #f4f7f4; padding: 24px;">
  <div style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; padding: 24px;">
    <h2 style="color: #2e7d32;">%s</h2>
    <p>%s</p>
    <p style="font-size: 32px; letter-spacing: 8px; font-weight: bold; text-align: center;">%s</p>
    <p style="color: #777777;">This code expires in %d minutes. If you did not request it, ignore this message.</p>
    <p style="color: #aaaaaa; font-size: 12px;">&copy; %d %s</p>
  </div>
</body>
</html>`

// VerificationMessage builds the notification carrying a verification code.
func VerificationMessage(appName string, purpose types.Purpose, code string, ttl time.Duration, now time.Time) Message {
	action := "verify your account"
	switch purpose {
	case types.PurposeChangeEmail:
		action = "confirm your new email address"
	case types.PurposeChangePhone:
		action = "confirm your new phone number"
	case types.PurposeTwoFactor:
		action = "finish signing in"
	}
	minutes := int(ttl / time.Minute)

	return Message{
		Subject: fmt.Sprintf("%s - Verification Code", appName),
		Text: fmt.Sprintf("Your %s verification code is %s. Use it to %s. It expires in %d minutes.",
			appName, code, action, minutes),
		HTML: fmt.Sprintf(verificationEmailHTML, "Verification Code",
			fmt.Sprintf("Use the following code to %s.", action), code, minutes, now.Year(), appName),
	}
}
