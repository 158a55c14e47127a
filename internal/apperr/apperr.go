// Package apperr defines the error kinds shared by the service layer.
//
// Domain errors wrap one of the kinds below with %w so callers branch on
// the kind with errors.Is, while the message keeps the specific reason.
package apperr

import "errors"

var (
	// ErrValidation marks malformed input: bad recipient format, unknown
	// enumerated value, out-of-range coordinates.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown entity id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks a failed role or ownership check.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks an illegal state transition or an already-consumed code.
	ErrConflict = errors.New("conflict")

	// ErrExpired marks an elapsed TTL.
	ErrExpired = errors.New("expired")

	// ErrDependencyUnavailable marks a gateway or classifier failure.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrRateLimited marks a request rejected by an issuance cap.
	ErrRateLimited = errors.New("rate limited")
)
