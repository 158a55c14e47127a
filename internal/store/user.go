package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cocoguard/apiserver/types"
)

const userColumns = `id, username, email, phone, name, role, password_hash, two_factor_enabled, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE username = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, username))
}

// GetByEmail looks a user up by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(email) = lower($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (username, email, phone, name, role, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.Username,
		user.Email,
		user.Phone,
		user.Name,
		user.Role,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// UpdateEmail replaces the email address of a user after a verified change.
func (r *UserRepository) UpdateEmail(ctx context.Context, id int, email string) (types.User, error) {
	const query = `
		UPDATE users
		SET email = $1,
			updated_at = $2
		WHERE id = $3
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, email, time.Now(), id))
	if err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// UpdatePhone replaces the phone number of a user after a verified change.
func (r *UserRepository) UpdatePhone(ctx context.Context, id int, phone string) (types.User, error) {
	const query = `
		UPDATE users
		SET phone = $1,
			updated_at = $2
		WHERE id = $3
		RETURNING ` + userColumns
	user, err := scanUser(r.db.QueryRowContext(ctx, query, phone, time.Now(), id))
	if err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// SetTwoFactor turns two-factor sign-in on or off.
func (r *UserRepository) SetTwoFactor(ctx context.Context, id int, enabled bool) (types.User, error) {
	const query = `
		UPDATE users
		SET two_factor_enabled = $1,
			updated_at = $2
		WHERE id = $3
		RETURNING ` + userColumns
	return scanUser(r.db.QueryRowContext(ctx, query, enabled, time.Now(), id))
}

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.Phone,
		&user.Name,
		&user.Role,
		&user.PasswordHash,
		&user.TwoFactorEnabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}
