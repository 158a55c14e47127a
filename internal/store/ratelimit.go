package store

import (
	"context"
	"database/sql"
	"time"
)

// RateLimitRepository keeps fixed-window attempt counters in postgres.
type RateLimitRepository struct {
	db *sql.DB
}

func NewRateLimitRepository(db *sql.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Allow atomically counts one attempt for key and reports whether the count
// within the current window is still at most limit.
func (r *RateLimitRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	const query = `
		INSERT INTO rate_limit_attempts (key, attempt_count, expires_at)
		VALUES ($1, 1, NOW() + $2 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET attempt_count = CASE
				WHEN rate_limit_attempts.expires_at < NOW() THEN 1
				ELSE rate_limit_attempts.attempt_count + 1
			END,
			expires_at = CASE
				WHEN rate_limit_attempts.expires_at < NOW() THEN NOW() + $2 * INTERVAL '1 millisecond'
				ELSE rate_limit_attempts.expires_at
			END
		RETURNING attempt_count`
	var count int
	if err := r.db.QueryRowContext(ctx, query, key, window.Milliseconds()).Scan(&count); err != nil {
		return false, err
	}
	return count <= limit, nil
}

// CleanupExpired removes counters whose window has closed.
func (r *RateLimitRepository) CleanupExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM rate_limit_attempts WHERE expires_at < NOW()`
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
