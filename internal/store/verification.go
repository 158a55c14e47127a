package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cocoguard/apiserver/types"
)

const verificationColumns = `id, user_id, recipient, channel, purpose, code, created_at, expires_at,
		consumed, consumed_at, superseded`

// VerificationRepository handles persistence for verification codes.
type VerificationRepository struct {
	db *sql.DB
}

func NewVerificationRepository(db *sql.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Issue supersedes every live code of (user, purpose) and inserts code in one
// transaction. Issuers of the same (user, purpose) are serialized by an
// advisory lock held until commit.
func (r *VerificationRepository) Issue(ctx context.Context, code types.VerificationCode) (types.VerificationCode, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.VerificationCode{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const lockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`
	lockKey := fmt.Sprintf("verification:%d:%s", code.UserID, code.Purpose)
	if _, err := tx.ExecContext(ctx, lockQuery, lockKey); err != nil {
		return types.VerificationCode{}, err
	}

	const supersedeQuery = `
		UPDATE verification_codes
		SET consumed = TRUE,
			superseded = TRUE,
			consumed_at = $1
		WHERE user_id = $2 AND purpose = $3 AND consumed = FALSE`
	if _, err := tx.ExecContext(ctx, supersedeQuery, code.CreatedAt, code.UserID, string(code.Purpose)); err != nil {
		return types.VerificationCode{}, err
	}

	const insertQuery = `
		INSERT INTO verification_codes (user_id, recipient, channel, purpose, code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := tx.QueryRowContext(
		ctx,
		insertQuery,
		code.UserID,
		code.Recipient,
		string(code.Channel),
		string(code.Purpose),
		code.Code,
		code.CreatedAt,
		code.ExpiresAt,
	).Scan(&code.ID); err != nil {
		return types.VerificationCode{}, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return types.VerificationCode{}, err
	}
	code.Consumed = false
	code.ConsumedAt = nil
	code.Superseded = false
	return code, nil
}

// Latest returns the newest code issued for (user, purpose), consumed or not.
func (r *VerificationRepository) Latest(ctx context.Context, userID int, purpose types.Purpose) (types.VerificationCode, error) {
	const query = `
		SELECT ` + verificationColumns + `
		FROM verification_codes
		WHERE user_id = $1 AND purpose = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	var code types.VerificationCode
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, userID, string(purpose)).Scan(
		&code.ID,
		&code.UserID,
		&code.Recipient,
		&code.Channel,
		&code.Purpose,
		&code.Code,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.Consumed,
		&consumedAt,
		&code.Superseded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.VerificationCode{}, ErrNotFound
		}
		return types.VerificationCode{}, err
	}
	code.ConsumedAt = timePtr(consumedAt)
	return code, nil
}

// Consume marks the code consumed if it is still live at at. It returns
// ErrStaleState when another caller consumed or superseded it first, or
// when it expired in the meantime.
func (r *VerificationRepository) Consume(ctx context.Context, id int64, at time.Time) error {
	const query = `
		UPDATE verification_codes
		SET consumed = TRUE,
			consumed_at = $1
		WHERE id = $2 AND consumed = FALSE AND expires_at > $1`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleState
	}
	return nil
}

// Cleanup deletes codes that expired, or were consumed, before cutoff.
func (r *VerificationRepository) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM verification_codes
		WHERE expires_at < $1
			OR (consumed = TRUE AND consumed_at < $1)`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
