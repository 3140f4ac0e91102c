package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for session data access. Sessions
// are marked revoked rather than deleted so login history stays auditable.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	Revoke(ctx context.Context, userID, id uuid.UUID) error
	RevokeAllExcept(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	RevokeByTokenHash(ctx context.Context, tokenHash string) error
	RotateToken(ctx context.Context, id uuid.UUID, newTokenHash string, newExpiresAt time.Time) error
	TouchActivity(ctx context.Context, id uuid.UUID) error
	PurgeRevokedBefore(ctx context.Context, before time.Time) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionColumns = `
	id, user_id, token_hash, device_name, ip_address, user_agent,
	trusted_device, created_at, last_activity_at, expires_at, revoked, revoked_at`

func scanSession(row pgx.Row) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.DeviceName,
		&session.IPAddress,
		&session.UserAgent,
		&session.TrustedDevice,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.ExpiresAt,
		&session.Revoked,
		&session.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// Create inserts a new session into the database
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (user_id, token_hash, device_name, ip_address, user_agent, trusted_device, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, last_activity_at
	`

	err := r.pool.QueryRow(ctx, query,
		session.UserID,
		session.TokenHash,
		session.DeviceName,
		session.IPAddress,
		session.UserAgent,
		session.TrustedDevice,
		session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt, &session.LastActivityAt)

	return err
}

// GetByID retrieves a session by its ID
func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, query, id))
}

// GetByTokenHash retrieves a session by its refresh-token hash. Revoked
// sessions are still returned; the caller decides how a revoked hit fails.
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(r.pool.QueryRow(ctx, query, tokenHash))
}

// ListActiveByUser returns all non-revoked, unexpired sessions for a user,
// most recently active first.
func (r *sessionRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	query := `
		SELECT` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND NOT revoked AND expires_at > NOW()
		ORDER BY last_activity_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Revoke marks a single session revoked, scoped to its owning user so a
// foreign session ID reads as not found.
func (r *sessionRepository) Revoke(ctx context.Context, userID, id uuid.UUID) error {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = NOW()
		WHERE id = $1 AND user_id = $2 AND NOT revoked
	`

	result, err := r.pool.Exec(ctx, query, id, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllExcept revokes every session for a user except the given one
// ("log out everywhere else").
func (r *sessionRepository) RevokeAllExcept(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND NOT revoked
	`

	result, err := r.pool.Exec(ctx, query, userID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RevokeAllForUser revokes every session for a user
func (r *sessionRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND NOT revoked
	`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RevokeByTokenHash revokes the session holding the given refresh-token hash
func (r *sessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string) error {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = NOW()
		WHERE token_hash = $1 AND NOT revoked
	`

	result, err := r.pool.Exec(ctx, query, tokenHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RotateToken swaps in a new refresh-token hash and expiry. The old hash can
// never authenticate again because the unique row now holds the new hash.
func (r *sessionRepository) RotateToken(ctx context.Context, id uuid.UUID, newTokenHash string, newExpiresAt time.Time) error {
	query := `
		UPDATE sessions
		SET token_hash = $2, expires_at = $3, last_activity_at = NOW()
		WHERE id = $1 AND NOT revoked
	`

	result, err := r.pool.Exec(ctx, query, id, newTokenHash, newExpiresAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchActivity updates the last-activity timestamp
func (r *sessionRepository) TouchActivity(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET last_activity_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// PurgeRevokedBefore removes revoked sessions older than the given time.
// Active rows are never purged.
func (r *sessionRepository) PurgeRevokedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE revoked AND revoked_at < $1`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
