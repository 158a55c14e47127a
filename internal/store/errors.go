package store

import (
	"errors"
	"fmt"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = fmt.Errorf("record %w", apperr.ErrNotFound)

	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = fmt.Errorf("duplicate record: %w", apperr.ErrConflict)

	// ErrStaleState is returned when a conditional update matched no row
	// because the record left the expected state.
	ErrStaleState = errors.New("record state changed")
)

const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
