package services

import (
	"fmt"

	"github.com/cocoguard/apiserver/internal/apperr"
)

// Verification errors.
var (
	ErrInvalidRecipient   = fmt.Errorf("%w: invalid recipient", apperr.ErrValidation)
	ErrUnsupportedPurpose = fmt.Errorf("%w: unsupported purpose", apperr.ErrValidation)
	ErrUnsupportedChannel = fmt.Errorf("%w: unsupported channel", apperr.ErrValidation)
	ErrCodeInvalid        = fmt.Errorf("%w: verification code is invalid", apperr.ErrValidation)
	ErrCodeAlreadyUsed    = fmt.Errorf("%w: verification code already used", apperr.ErrConflict)
	ErrCodeExpired        = fmt.Errorf("verification code %w", apperr.ErrExpired)
	ErrRecipientTaken     = fmt.Errorf("%w: recipient already belongs to another account", apperr.ErrConflict)
	ErrGatewayUnavailable = fmt.Errorf("verification gateway: %w", apperr.ErrDependencyUnavailable)
	ErrRateLimited        = fmt.Errorf("verification issuance %w", apperr.ErrRateLimited)
)

// Scan workflow errors.
var (
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", apperr.ErrConflict)
	ErrInvalidStatus     = fmt.Errorf("%w: unknown scan status", apperr.ErrValidation)
	ErrInvalidScan       = fmt.Errorf("%w: invalid scan", apperr.ErrValidation)
	ErrUnknownPestType   = fmt.Errorf("%w: unknown pest type", apperr.ErrValidation)
	ErrForbidden         = apperr.ErrForbidden
)
