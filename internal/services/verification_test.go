package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/cocoguard/apiserver/internal/gateway"
	"github.com/cocoguard/apiserver/internal/store/memstore"
	"github.com/cocoguard/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	channel   types.Channel
	recipient string
	msg       gateway.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(ctx context.Context, channel types.Channel, recipient string, msg gateway.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{channel: channel, recipient: recipient, msg: msg})
	return nil
}

type fakeLimiter struct {
	allowed bool
	keys    []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allowed, nil
}

type verificationFixture struct {
	svc    *VerificationService
	mem    *memstore.DB
	sender *fakeSender
	clock  *clock
	user   types.User
}

func newVerificationFixture(t *testing.T, limiter IssueLimiter) verificationFixture {
	t.Helper()
	mem := memstore.New()
	user, err := mem.Users().Create(context.Background(), types.User{
		Username: "juan",
		Email:    "juan@example.com",
		Role:     types.RoleUser,
	})
	require.NoError(t, err)

	sender := &fakeSender{}
	clk := newClock()
	svc := NewVerificationService(mem.Verifications(), sender, limiter, mem.Users(), zap.NewNop(), VerificationOptions{
		IssueLimit:         5,
		IssueWindow:        time.Hour,
		DefaultCountryCode: "+63",
		Now:                clk.Now,
	})
	return verificationFixture{svc: svc, mem: mem, sender: sender, clock: clk, user: user}
}

func TestIssueGeneratesSixDigitCodeAndDispatches(t *testing.T) {
	f := newVerificationFixture(t, nil)

	code, err := f.svc.Issue(context.Background(), f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, " New@Example.com ")
	require.NoError(t, err)

	assert.Len(t, code.Code, 6)
	assert.Regexp(t, `^[0-9]{6}$`, code.Code)
	assert.Equal(t, "new@example.com", code.Recipient)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), code.ExpiresAt)
	assert.False(t, code.Consumed)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, types.ChannelEmail, f.sender.sent[0].channel)
	assert.Equal(t, "new@example.com", f.sender.sent[0].recipient)
	assert.Contains(t, f.sender.sent[0].msg.Text, code.Code)
}

func TestValidateAcceptsOnlyLiveMatchingCode(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)

	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	// Validation never consumes.
	ok, err = f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	wrong := "000000"
	if code.Code == wrong {
		wrong = "111111"
	}
	ok, err = f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, wrong)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCodeInvalid)

	ok, err = f.svc.Validate(ctx, f.user.ID, types.PurposeChangeEmail, code.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCodeInvalid)

	ok, err = f.svc.Validate(ctx, f.user.ID+1, types.PurposeTwoFactor, code.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCodeExpiresAfterTTL(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeChangePhone, types.ChannelSMS, "09171234567")
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)

	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeChangePhone, code.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCodeExpired)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	_, err = f.svc.Consume(ctx, f.user.ID, types.PurposeChangePhone, code.Code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestCodeExpiresExactlyAtExpiry(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute - time.Second)
	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(time.Second)
	_, err = f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestConsumeIsSingleUse(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)

	consumed, err := f.svc.Consume(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)
	require.NotNil(t, consumed.ConsumedAt)

	_, err = f.svc.Consume(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)

	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
}

func TestConcurrentConsumeSucceedsExactlyOnce(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)

	const workers = 32
	var successes, alreadyUsed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Consume(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrCodeAlreadyUsed):
				alreadyUsed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, workers-1, alreadyUsed.Load())
}

func TestIssueSupersedesOlderCodes(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "a@example.com")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "b@example.com")
	require.NoError(t, err)

	if first.Code != second.Code {
		_, err = f.svc.Validate(ctx, f.user.ID, types.PurposeChangeEmail, first.Code)
		assert.ErrorIs(t, err, ErrCodeInvalid)
	}
	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeChangeEmail, second.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	live := 0
	for _, code := range f.mem.VerificationCodes() {
		if code.UserID == f.user.ID && code.Purpose == types.PurposeChangeEmail && !code.Consumed {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestIssueRejectsBadInput(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, f.user.ID, types.Purpose("reset-everything"), types.ChannelEmail, "juan@example.com")
	assert.ErrorIs(t, err, ErrUnsupportedPurpose)

	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangePhone, types.ChannelSMS, "call me")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangePhone, types.Channel("pigeon"), "juan")
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	assert.Empty(t, f.mem.VerificationCodes())
	assert.Empty(t, f.sender.sent)
}

func TestIssueNormalizesLocalPhoneNumbers(t *testing.T) {
	f := newVerificationFixture(t, nil)

	code, err := f.svc.Issue(context.Background(), f.user.ID, types.PurposeChangePhone, types.ChannelSMS, "0917-123-4567")
	require.NoError(t, err)
	assert.Equal(t, "+639171234567", code.Recipient)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "+639171234567", f.sender.sent[0].recipient)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"09171234567":     "+639171234567",
		"9171234567":      "+639171234567",
		"+1 (555) 010-99": "+155501099",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePhone(in, "+63"), in)
	}
	assert.Equal(t, "09171234567", normalizePhone("09171234567", ""))
}

func TestIssueKeepsCodeWhenGatewayFails(t *testing.T) {
	f := newVerificationFixture(t, nil)
	f.sender.err = errors.New("smtp down")
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)
	require.NotZero(t, code.ID)

	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssueHonoursRateLimit(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	f := newVerificationFixture(t, limiter)

	_, err := f.svc.Issue(context.Background(), f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
	assert.Equal(t, []string{"verification:user:1"}, limiter.keys)
	assert.Empty(t, f.mem.VerificationCodes())
}

func TestIssueRateLimitWithMemLimiter(t *testing.T) {
	f := newVerificationFixture(t, memstore.NewRateLimiter())
	ctx := context.Background()

	for range 5 {
		_, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
		require.NoError(t, err)
	}
	_, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestConfirmChangeUpdatesProfile(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "juan.new@example.com")
	require.NoError(t, err)
	user, err := f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeChangeEmail, code.Code)
	require.NoError(t, err)
	assert.Equal(t, "juan.new@example.com", user.Email)

	code, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangePhone, types.ChannelSMS, "09181112222")
	require.NoError(t, err)
	user, err = f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeChangePhone, code.Code)
	require.NoError(t, err)
	assert.Equal(t, "+639181112222", user.Phone)

	_, err = f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeChangePhone, code.Code)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
}

func TestIssueRefusesEmailOfAnotherAccount(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()
	_, err := f.mem.Users().Create(ctx, types.User{Username: "maria", Email: "taken@example.com", Role: types.RoleUser})
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "Taken@Example.com")
	assert.ErrorIs(t, err, ErrRecipientTaken)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Empty(t, f.mem.VerificationCodes())
	assert.Empty(t, f.sender.sent)

	// Re-confirming the address already on the account is allowed.
	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, f.user.Email)
	assert.NoError(t, err)
}

func TestConfirmChangeKeepsCodeWhenEmailWasTakenMeanwhile(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "taken@example.com")
	require.NoError(t, err)
	other, err := f.mem.Users().Create(ctx, types.User{Username: "maria", Email: "taken@example.com", Role: types.RoleUser})
	require.NoError(t, err)

	_, err = f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeChangeEmail, code.Code)
	assert.ErrorIs(t, err, ErrRecipientTaken)

	ok, err := f.svc.Validate(ctx, f.user.ID, types.PurposeChangeEmail, code.Code)
	require.NoError(t, err)
	assert.True(t, ok)
	user, err := f.mem.Users().GetByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "juan@example.com", user.Email)

	// Once the other account lets the address go, the same code still works.
	_, err = f.mem.Users().UpdateEmail(ctx, other.ID, "maria@example.com")
	require.NoError(t, err)
	user, err = f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeChangeEmail, code.Code)
	require.NoError(t, err)
	assert.Equal(t, "taken@example.com", user.Email)
}

func TestConfirmTwoFactorEnablesIt(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()
	require.False(t, f.user.TwoFactorEnabled)

	code, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)
	user, err := f.svc.ConfirmChange(ctx, f.user.ID, types.PurposeTwoFactor, code.Code)
	require.NoError(t, err)
	assert.True(t, user.TwoFactorEnabled)
	assert.Equal(t, "juan@example.com", user.Email)

	stored, err := f.mem.Users().GetByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, stored.TwoFactorEnabled)
}

func TestCleanupRemovesStaleCodes(t *testing.T) {
	f := newVerificationFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, f.user.ID, types.PurposeTwoFactor, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Issue(ctx, f.user.ID, types.PurposeChangeEmail, types.ChannelEmail, "juan@example.com")
	require.NoError(t, err)

	removed, err := f.svc.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	assert.Len(t, f.mem.VerificationCodes(), 1)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		code, err := generateCode(6)
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9]{6}$`, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}
