package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Biometric token repository errors
var (
	ErrBiometricTokenNotFound = errors.New("biometric token not found")
)

// BiometricTokenRepository manages per-device biometric registrations.
// Tokens are invalidated, not deleted, to keep the device audit trail.
type BiometricTokenRepository interface {
	Create(ctx context.Context, token *BiometricToken) error
	GetValidByDevice(ctx context.Context, deviceID string) ([]BiometricToken, error)
	HasValidForUser(ctx context.Context, userID uuid.UUID) (bool, error)
	InvalidateForDevice(ctx context.Context, userID uuid.UUID, deviceID string) (int64, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// biometricTokenRepository implements BiometricTokenRepository using PostgreSQL
type biometricTokenRepository struct {
	pool *pgxpool.Pool
}

// NewBiometricTokenRepository creates a new BiometricTokenRepository instance
func NewBiometricTokenRepository(pool *pgxpool.Pool) BiometricTokenRepository {
	return &biometricTokenRepository{pool: pool}
}

// Create inserts a new biometric token registration
func (r *biometricTokenRepository) Create(ctx context.Context, token *BiometricToken) error {
	query := `
		INSERT INTO biometric_tokens (user_id, device_id, device_name, token_hash, valid, expires_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING id, created_at
	`

	return r.pool.QueryRow(ctx, query,
		token.UserID,
		token.DeviceID,
		token.DeviceName,
		token.TokenHash,
		token.ExpiresAt,
	).Scan(&token.ID, &token.CreatedAt)
}

// GetValidByDevice returns valid, unexpired registrations for a device.
// Multiple users may have registered the same shared device.
func (r *biometricTokenRepository) GetValidByDevice(ctx context.Context, deviceID string) ([]BiometricToken, error) {
	query := `
		SELECT id, user_id, device_id, device_name, token_hash, valid, expires_at, last_used_at, created_at
		FROM biometric_tokens
		WHERE device_id = $1 AND valid AND expires_at > NOW()
	`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []BiometricToken
	for rows.Next() {
		var token BiometricToken
		if err := rows.Scan(
			&token.ID,
			&token.UserID,
			&token.DeviceID,
			&token.DeviceName,
			&token.TokenHash,
			&token.Valid,
			&token.ExpiresAt,
			&token.LastUsedAt,
			&token.CreatedAt,
		); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// HasValidForUser reports whether the user has any valid, unexpired
// registration. Feeds the available-MFA-method set at login.
func (r *biometricTokenRepository) HasValidForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM biometric_tokens
			WHERE user_id = $1 AND valid AND expires_at > NOW()
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InvalidateForDevice flips every valid token for (user, device) invalid.
// Returns how many were invalidated.
func (r *biometricTokenRepository) InvalidateForDevice(ctx context.Context, userID uuid.UUID, deviceID string) (int64, error) {
	query := `
		UPDATE biometric_tokens
		SET valid = FALSE
		WHERE user_id = $1 AND device_id = $2 AND valid
	`

	result, err := r.pool.Exec(ctx, query, userID, deviceID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// UpdateLastUsed records a successful biometric verification
func (r *biometricTokenRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE biometric_tokens SET last_used_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBiometricTokenNotFound
	}
	return nil
}
