package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backup code repository errors
var (
	ErrBackupCodeNotFound = errors.New("backup code not found")
)

// BackupCodeRepository manages single-use TOTP backup codes. Only hashes are
// stored; consumption is a guarded flag flip so a used code can never pass
// twice.
type BackupCodeRepository interface {
	ReplaceForUser(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	ListUnused(ctx context.Context, userID uuid.UUID) ([]TotpBackupCode, error)
	MarkUsed(ctx context.Context, id uuid.UUID) error
}

// backupCodeRepository implements BackupCodeRepository using PostgreSQL
type backupCodeRepository struct {
	pool *pgxpool.Pool
}

// NewBackupCodeRepository creates a new BackupCodeRepository instance
func NewBackupCodeRepository(pool *pgxpool.Pool) BackupCodeRepository {
	return &backupCodeRepository{pool: pool}
}

// ReplaceForUser deletes all prior unused codes and inserts the new batch in
// one transaction. Used codes are kept for the audit trail.
func (r *backupCodeRepository) ReplaceForUser(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM totp_backup_codes WHERE user_id = $1 AND NOT used`, userID); err != nil {
		return err
	}

	for _, hash := range codeHashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO totp_backup_codes (user_id, code_hash) VALUES ($1, $2)`,
			userID, hash,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListUnused returns all unused codes for a user
func (r *backupCodeRepository) ListUnused(ctx context.Context, userID uuid.UUID) ([]TotpBackupCode, error) {
	query := `
		SELECT id, user_id, code_hash, used, used_at, created_at
		FROM totp_backup_codes
		WHERE user_id = $1 AND NOT used
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []TotpBackupCode
	for rows.Next() {
		var code TotpBackupCode
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &code.Used, &code.UsedAt, &code.CreatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// MarkUsed consumes a single code. The NOT used guard makes consumption
// idempotent under concurrent attempts: only one wins.
func (r *backupCodeRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE totp_backup_codes
		SET used = TRUE, used_at = NOW()
		WHERE id = $1 AND NOT used
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBackupCodeNotFound
	}
	return nil
}
