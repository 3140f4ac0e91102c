package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByFamilyCodeAndNickname(ctx context.Context, familyCode, nickname string) (*User, error)
	FamilyCode(ctx context.Context, familyID uuid.UUID) (string, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, failedAttempts int, lockoutUntil *time.Time) error
	ResetLockout(ctx context.Context, id uuid.UUID) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	SetTOTPPending(ctx context.Context, id uuid.UUID, pendingSecret, setupToken string) error
	ActivateTOTP(ctx context.Context, id uuid.UUID, secret string) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	UpdatePINHash(ctx context.Context, id uuid.UUID, hash string) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `
	id, family_id, role, email, nickname, display_name,
	password_hash, pin_hash, mfa_enabled, totp_secret,
	totp_pending_secret, totp_setup_token, passkey_registered,
	failed_attempts, lockout_until, locked, locked_reason,
	last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.FamilyID,
		&user.Role,
		&user.Email,
		&user.Nickname,
		&user.DisplayName,
		&user.PasswordHash,
		&user.PINHash,
		&user.MFAEnabled,
		&user.TOTPSecret,
		&user.TOTPPendingSecret,
		&user.TOTPSetupToken,
		&user.PasskeyRegistered,
		&user.FailedAttempts,
		&user.LockoutUntil,
		&user.Locked,
		&user.LockedReason,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (family_id, role, email, nickname, display_name, password_hash, pin_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	var email *string
	if user.Email != nil {
		lower := strings.ToLower(*user.Email)
		email = &lower
		user.Email = &lower
	}

	err := r.pool.QueryRow(ctx, query,
		user.FamilyID,
		user.Role,
		email,
		user.Nickname,
		user.DisplayName,
		user.PasswordHash,
		user.PINHash,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "idx_users_email") {
			return ErrEmailAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by email (parent/relative login path)
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetByFamilyCodeAndNickname resolves a child by family code and nickname
// (child login path). The families table is maintained by the family module;
// this core only reads its code column.
func (r *userRepository) GetByFamilyCodeAndNickname(ctx context.Context, familyCode, nickname string) (*User, error) {
	query := `
		SELECT u.id, u.family_id, u.role, u.email, u.nickname, u.display_name,
		       u.password_hash, u.pin_hash, u.mfa_enabled, u.totp_secret,
		       u.totp_pending_secret, u.totp_setup_token, u.passkey_registered,
		       u.failed_attempts, u.lockout_until, u.locked, u.locked_reason,
		       u.last_login_at, u.created_at, u.updated_at
		FROM users u
		JOIN families f ON f.id = u.family_id
		WHERE f.code = $1 AND LOWER(u.nickname) = LOWER($2)
	`
	return scanUser(r.pool.QueryRow(ctx, query, familyCode, nickname))
}

// FamilyCode returns the join code of a family. Used to reconstruct the
// audit identifier for child logins that resolve the user by ID.
func (r *userRepository) FamilyCode(ctx context.Context, familyID uuid.UUID) (string, error) {
	query := `SELECT code FROM families WHERE id = $1`

	var code string
	if err := r.pool.QueryRow(ctx, query, familyID).Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return code, nil
}

// EmailExists checks whether an email is already registered
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RecordLoginFailure writes the failed-attempt counter and any new lockout
// deadline in one statement so a partial update cannot occur.
func (r *userRepository) RecordLoginFailure(ctx context.Context, id uuid.UUID, failedAttempts int, lockoutUntil *time.Time) error {
	query := `
		UPDATE users
		SET failed_attempts = $2, lockout_until = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, failedAttempts, lockoutUntil)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetLockout clears the failure counter and any temporary lockout after a
// successful credential check.
func (r *userRepository) ResetLockout(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET failed_attempts = 0, lockout_until = NULL, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateLastLogin sets the last_login_at timestamp to now
func (r *userRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE users SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetTOTPPending stores a pending TOTP secret together with its one-time
// setup token. The secret is not usable for login until activated.
func (r *userRepository) SetTOTPPending(ctx context.Context, id uuid.UUID, pendingSecret, setupToken string) error {
	query := `
		UPDATE users
		SET totp_pending_secret = $2, totp_setup_token = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, pendingSecret, setupToken)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ActivateTOTP promotes a pending secret to active and enables MFA
func (r *userRepository) ActivateTOTP(ctx context.Context, id uuid.UUID, secret string) error {
	query := `
		UPDATE users
		SET totp_secret = $2, totp_pending_secret = NULL, totp_setup_token = NULL,
		    mfa_enabled = TRUE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, secret)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash
func (r *userRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.updateCredential(ctx, id, "password_hash", hash)
}

// UpdatePINHash replaces the stored PIN hash
func (r *userRepository) UpdatePINHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.updateCredential(ctx, id, "pin_hash", hash)
}

func (r *userRepository) updateCredential(ctx context.Context, id uuid.UUID, column, hash string) error {
	query := `UPDATE users SET ` + column + ` = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
