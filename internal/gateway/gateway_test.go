package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cocoguard/apiserver/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type recordingSender struct {
	calls []string
}

func (r *recordingSender) Send(ctx context.Context, channel types.Channel, recipient string, msg Message) error {
	r.calls = append(r.calls, string(channel)+":"+recipient)
	return nil
}

func TestDispatcherRoutesByChannel(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	d := NewDispatcher(email, sms)

	require.NoError(t, d.Send(context.Background(), types.ChannelEmail, "a@example.com", Message{}))
	require.NoError(t, d.Send(context.Background(), types.ChannelSMS, "+639171234567", Message{}))

	assert.Equal(t, []string{"email:a@example.com"}, email.calls)
	assert.Equal(t, []string{"sms:+639171234567"}, sms.calls)
}

func TestDispatcherMissingSender(t *testing.T) {
	d := NewDispatcher(&recordingSender{}, nil)
	err := d.Send(context.Background(), types.ChannelSMS, "+639171234567", Message{})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestVerificationMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	msg := VerificationMessage("CocoGuard", types.PurposeChangeEmail, "123456", 10*time.Minute, now)

	assert.Equal(t, "CocoGuard - Verification Code", msg.Subject)
	assert.Contains(t, msg.Text, "123456")
	assert.Contains(t, msg.Text, "10 minutes")
	assert.Contains(t, msg.HTML, "new email address")
	assert.Contains(t, msg.HTML, "2026 CocoGuard")
}

type fakeMailClient struct {
	status int
	err    error
	sent   *mail.SGMailV3
}

func (f *fakeMailClient) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = email
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSender(t *testing.T) {
	client := &fakeMailClient{status: 202}
	s := &SendGridSender{
		client:      client,
		from:        mail.NewEmail("CocoGuard", "noreply@cocoguard.test"),
		sandboxMode: true,
		logger:      zap.NewNop(),
	}

	err := s.Send(context.Background(), types.ChannelEmail, "farmer@example.com", Message{Subject: "Code", Text: "1"})
	require.NoError(t, err)
	require.NotNil(t, client.sent)
	assert.Equal(t, "Code", client.sent.Subject)
	require.NotNil(t, client.sent.MailSettings)
	assert.True(t, *client.sent.MailSettings.SandboxMode.Enable)

	client.status = 401
	assert.Error(t, s.Send(context.Background(), types.ChannelEmail, "farmer@example.com", Message{}))

	client.err = errors.New("network down")
	assert.Error(t, s.Send(context.Background(), types.ChannelEmail, "farmer@example.com", Message{}))

	assert.ErrorIs(t, s.Send(context.Background(), types.ChannelSMS, "+639171234567", Message{}), ErrUnsupportedChannel)
}

type fakeMessageCreator struct {
	err    error
	block  chan struct{}
	params *twilioApi.CreateMessageParams
}

func (f *fakeMessageCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.params = params
	return &twilioApi.ApiV2010Message{}, f.err
}

func TestTwilioSender(t *testing.T) {
	api := &fakeMessageCreator{}
	s := &TwilioSender{api: api, from: "+15005550006", logger: zap.NewNop()}

	require.NoError(t, s.Send(context.Background(), types.ChannelSMS, "+639171234567", Message{Text: "code 123456"}))
	require.NotNil(t, api.params)
	assert.Equal(t, "+639171234567", *api.params.To)
	assert.Equal(t, "code 123456", *api.params.Body)

	api.err = errors.New("invalid number")
	assert.Error(t, s.Send(context.Background(), types.ChannelSMS, "+639171234567", Message{}))
}

func TestTwilioSenderHonoursContext(t *testing.T) {
	api := &fakeMessageCreator{block: make(chan struct{})}
	defer close(api.block)
	s := &TwilioSender{api: api, from: "+15005550006", logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, types.ChannelSMS, "+639171234567", Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
