package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cocoguard/apiserver/internal/gateway"
	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	defaultCodeLength      = 6
	defaultCodeTTL         = 10 * time.Minute
	defaultDispatchTimeout = 10 * time.Second
)

// VerificationRepository defines persistence operations for verification codes.
type VerificationRepository interface {
	// Issue supersedes every unconsumed code of (user, purpose) and stores code.
	Issue(ctx context.Context, code types.VerificationCode) (types.VerificationCode, error)
	Latest(ctx context.Context, userID int, purpose types.Purpose) (types.VerificationCode, error)
	// Consume is a conditional write: it fails with store.ErrStaleState unless
	// the record is still unconsumed and unexpired at at.
	Consume(ctx context.Context, id int64, at time.Time) error
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// IssueLimiter caps issuance per key within a window.
type IssueLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ProfileUpdater applies a verified change to the user profile.
type ProfileUpdater interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	UpdateEmail(ctx context.Context, id int, email string) (types.User, error)
	UpdatePhone(ctx context.Context, id int, phone string) (types.User, error)
	SetTwoFactor(ctx context.Context, id int, enabled bool) (types.User, error)
}

// VerificationOptions tunes the verification policy. Zero values fall back
// to the defaults.
type VerificationOptions struct {
	AppName            string
	CodeLength         int
	CodeTTL            time.Duration
	DispatchTimeout    time.Duration
	IssueLimit         int
	IssueWindow        time.Duration
	DefaultCountryCode string
	Now                func() time.Time
}

// VerificationService issues, validates and consumes verification codes.
// It is the only writer of the consumed flag.
type VerificationService struct {
	repo     VerificationRepository
	sender   gateway.Sender
	limiter  IssueLimiter
	profiles ProfileUpdater
	logger   *zap.Logger
	validate *validator.Validate
	opts     VerificationOptions
}

func NewVerificationService(
	repo VerificationRepository,
	sender gateway.Sender,
	limiter IssueLimiter,
	profiles ProfileUpdater,
	logger *zap.Logger,
	opts VerificationOptions,
) *VerificationService {
	if opts.AppName == "" {
		opts.AppName = "CocoGuard"
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = defaultCodeTTL
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationService{
		repo:     repo,
		sender:   sender,
		limiter:  limiter,
		profiles: profiles,
		logger:   logger,
		validate: validator.New(),
		opts:     opts,
	}
}

// Issue creates a new code for (userID, purpose), superseding older ones,
// and dispatches it to recipient. When dispatch fails the created record is
// returned together with ErrGatewayUnavailable; the code stays valid.
func (s *VerificationService) Issue(
	ctx context.Context,
	userID int,
	purpose types.Purpose,
	channel types.Channel,
	recipient string,
) (types.VerificationCode, error) {
	if !purpose.Known() {
		return types.VerificationCode{}, ErrUnsupportedPurpose
	}
	recipient, err := s.normalizeRecipient(channel, recipient)
	if err != nil {
		return types.VerificationCode{}, err
	}

	if s.limiter != nil && s.opts.IssueLimit > 0 {
		key := "verification:user:" + strconv.Itoa(userID)
		allowed, err := s.limiter.Allow(ctx, key, s.opts.IssueLimit, s.opts.IssueWindow)
		if err != nil {
			return types.VerificationCode{}, fmt.Errorf("check issuance limit: %w", err)
		}
		if !allowed {
			return types.VerificationCode{}, ErrRateLimited
		}
	}
	if purpose == types.PurposeChangeEmail {
		if err := s.ensureEmailAvailable(ctx, userID, recipient); err != nil {
			return types.VerificationCode{}, err
		}
	}

	value, err := generateCode(s.opts.CodeLength)
	if err != nil {
		return types.VerificationCode{}, fmt.Errorf("generate code: %w", err)
	}

	now := s.opts.Now()
	code, err := s.repo.Issue(ctx, types.VerificationCode{
		UserID:    userID,
		Recipient: recipient,
		Channel:   channel,
		Purpose:   purpose,
		Code:      value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.CodeTTL),
	})
	if err != nil {
		return types.VerificationCode{}, err
	}

	msg := gateway.VerificationMessage(s.opts.AppName, purpose, value, s.opts.CodeTTL, now)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DispatchTimeout)
	defer cancel()
	if err := s.sender.Send(sendCtx, channel, recipient, msg); err != nil {
		s.logger.Warn("verification code dispatch failed",
			zap.Int("user_id", userID),
			zap.String("purpose", string(purpose)),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
		return code, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	s.logger.Info("verification code issued",
		zap.Int("user_id", userID),
		zap.String("purpose", string(purpose)),
		zap.String("channel", string(channel)),
		zap.Int64("code_id", code.ID),
	)
	return code, nil
}

// Validate reports whether submitted matches the newest live code for
// (userID, purpose). It fails closed and never mutates the record; the error
// tells why a code was refused.
func (s *VerificationService) Validate(ctx context.Context, userID int, purpose types.Purpose, submitted string) (bool, error) {
	_, err := s.check(ctx, userID, purpose, submitted)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Consume validates submitted and atomically marks the code consumed. Of
// several concurrent calls with the same valid code exactly one succeeds;
// the others get ErrCodeAlreadyUsed.
func (s *VerificationService) Consume(ctx context.Context, userID int, purpose types.Purpose, submitted string) (types.VerificationCode, error) {
	code, err := s.check(ctx, userID, purpose, submitted)
	if err != nil {
		return types.VerificationCode{}, err
	}
	return s.commit(ctx, code)
}

// commit marks a checked code consumed with a conditional write.
func (s *VerificationService) commit(ctx context.Context, code types.VerificationCode) (types.VerificationCode, error) {
	now := s.opts.Now()
	if err := s.repo.Consume(ctx, code.ID, now); err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			return types.VerificationCode{}, err
		}
		if code.Expired(now) {
			return types.VerificationCode{}, ErrCodeExpired
		}
		return types.VerificationCode{}, ErrCodeAlreadyUsed
	}

	code.Consumed = true
	code.ConsumedAt = &now
	return code, nil
}

// ConfirmChange consumes the code and applies the change it authorizes: the
// new email for change-email, the new phone for change-phone, and enabling
// two-factor sign-in for two-factor. Preconditions of the change are checked
// before the code is consumed, so a refused change leaves the code usable.
func (s *VerificationService) ConfirmChange(ctx context.Context, userID int, purpose types.Purpose, submitted string) (types.User, error) {
	if s.profiles == nil {
		return types.User{}, errors.New("profile updater is not configured")
	}
	code, err := s.check(ctx, userID, purpose, submitted)
	if err != nil {
		return types.User{}, err
	}
	if purpose == types.PurposeChangeEmail {
		if err := s.ensureEmailAvailable(ctx, userID, code.Recipient); err != nil {
			return types.User{}, err
		}
	}
	if _, err := s.commit(ctx, code); err != nil {
		return types.User{}, err
	}

	var user types.User
	switch purpose {
	case types.PurposeChangeEmail:
		user, err = s.profiles.UpdateEmail(ctx, userID, code.Recipient)
	case types.PurposeChangePhone:
		user, err = s.profiles.UpdatePhone(ctx, userID, code.Recipient)
	default:
		user, err = s.profiles.SetTwoFactor(ctx, userID, true)
	}
	if err != nil {
		s.logger.Error("verified change not applied",
			zap.Int("user_id", userID),
			zap.String("purpose", string(purpose)),
			zap.Int64("code_id", code.ID),
			zap.Error(err),
		)
		return types.User{}, err
	}
	return user, nil
}

// ensureEmailAvailable fails with ErrRecipientTaken when email belongs to a
// different account.
func (s *VerificationService) ensureEmailAvailable(ctx context.Context, userID int, email string) error {
	if s.profiles == nil {
		return nil
	}
	owner, err := s.profiles.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("check email owner: %w", err)
	case owner.ID != userID:
		return ErrRecipientTaken
	}
	return nil
}

// Cleanup deletes codes that expired or were consumed more than retention ago.
func (s *VerificationService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := s.repo.Cleanup(ctx, s.opts.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	s.logger.Info("verification codes cleaned up", zap.Int64("removed", removed))
	return removed, nil
}

func (s *VerificationService) check(ctx context.Context, userID int, purpose types.Purpose, submitted string) (types.VerificationCode, error) {
	if !purpose.Known() {
		return types.VerificationCode{}, ErrUnsupportedPurpose
	}
	code, err := s.repo.Latest(ctx, userID, purpose)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.VerificationCode{}, ErrCodeInvalid
		}
		return types.VerificationCode{}, err
	}

	submitted = strings.TrimSpace(submitted)
	if subtle.ConstantTimeCompare([]byte(code.Code), []byte(submitted)) != 1 {
		return types.VerificationCode{}, ErrCodeInvalid
	}
	switch {
	case code.Superseded:
		return types.VerificationCode{}, ErrCodeInvalid
	case code.Consumed:
		return types.VerificationCode{}, ErrCodeAlreadyUsed
	case code.Expired(s.opts.Now()):
		return types.VerificationCode{}, ErrCodeExpired
	}
	return code, nil
}

func (s *VerificationService) normalizeRecipient(channel types.Channel, recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	switch channel {
	case types.ChannelEmail:
		recipient = strings.ToLower(recipient)
		if err := s.validate.Var(recipient, "required,email"); err != nil {
			return "", ErrInvalidRecipient
		}
	case types.ChannelSMS:
		recipient = normalizePhone(recipient, s.opts.DefaultCountryCode)
		if err := s.validate.Var(recipient, "required,e164"); err != nil {
			return "", ErrInvalidRecipient
		}
	default:
		return "", ErrUnsupportedChannel
	}
	return recipient, nil
}

// normalizePhone turns local numbers such as "09171234567" into E.164 using
// countryCode. Numbers that already start with "+" are only stripped of
// separators.
func normalizePhone(phone, countryCode string) string {
	phone = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, phone)
	if phone == "" || strings.HasPrefix(phone, "+") || countryCode == "" {
		return phone
	}
	return countryCode + strings.TrimPrefix(phone, "0")
}

func generateCode(length int) (string, error) {
	const digits = "0123456789"
	code := make([]byte, length)
	for i := range length {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		code[i] = digits[num.Int64()]
	}
	return string(code), nil
}
