package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LoginAttemptRepository records and queries the append-only login audit
// trail. Every attempt, successful or not, lands here before the caller sees
// a result.
type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt *LoginAttempt) error
	ListRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]LoginAttempt, error)
	CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error)
	CleanupBefore(ctx context.Context, before time.Time) (int64, error)
}

// loginAttemptRepo implements LoginAttemptRepository using PostgreSQL
type loginAttemptRepo struct {
	db *sqlx.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository instance
func NewLoginAttemptRepository(db *sqlx.DB) LoginAttemptRepository {
	return &loginAttemptRepo{db: db}
}

// Record appends one login attempt
func (r *loginAttemptRepo) Record(ctx context.Context, attempt *LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (user_id, identifier, success, failure_reason, ip_address, user_agent, mfa_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return r.db.QueryRowxContext(ctx, query,
		attempt.UserID,
		attempt.Identifier,
		attempt.Success,
		attempt.FailureReason,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.MFAMethod,
	).Scan(&attempt.ID, &attempt.CreatedAt)
}

// ListRecentByUser returns the most recent attempts for a user, newest first
func (r *loginAttemptRepo) ListRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, user_id, identifier, success, failure_reason, ip_address, user_agent, mfa_method, created_at
		FROM login_attempts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var attempts []LoginAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, userID, limit); err != nil {
		return nil, err
	}
	return attempts, nil
}

// CountRecentFailures counts failed attempts against an identifier since the
// given time, feeding IP-independent throttling decisions.
func (r *loginAttemptRepo) CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM login_attempts
		WHERE identifier = $1 AND NOT success AND created_at >= $2
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, identifier, since); err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupBefore removes audit rows older than the retention horizon
func (r *loginAttemptRepo) CleanupBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM login_attempts WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
