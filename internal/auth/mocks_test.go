package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/famledger/famledger/internal/repository"
)

// In-memory repository implementations shared by the service tests.

// mockUserRepository implements repository.UserRepository
type mockUserRepository struct {
	users       map[uuid.UUID]*repository.User
	familyCodes map[uuid.UUID]string
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{
		users:       make(map[uuid.UUID]*repository.User),
		familyCodes: make(map[uuid.UUID]string),
	}
}

func (m *mockUserRepository) add(user *repository.User, familyCode string) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.FamilyID == uuid.Nil {
		user.FamilyID = uuid.New()
	}
	m.users[user.ID] = user
	if familyCode != "" {
		m.familyCodes[user.FamilyID] = familyCode
	}
}

func (m *mockUserRepository) Create(ctx context.Context, user *repository.User) error {
	if user.Email != nil {
		for _, existing := range m.users {
			if existing.Email != nil && strings.EqualFold(*existing.Email, *user.Email) {
				return repository.ErrEmailAlreadyExists
			}
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	for _, user := range m.users {
		if user.Email != nil && strings.EqualFold(*user.Email, email) {
			return user, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByFamilyCodeAndNickname(ctx context.Context, familyCode, nickname string) (*repository.User, error) {
	for _, user := range m.users {
		code, ok := m.familyCodes[user.FamilyID]
		if !ok || !strings.EqualFold(code, familyCode) {
			continue
		}
		if user.Nickname != nil && strings.EqualFold(*user.Nickname, nickname) {
			return user, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) FamilyCode(ctx context.Context, familyID uuid.UUID) (string, error) {
	if code, ok := m.familyCodes[familyID]; ok {
		return code, nil
	}
	return "", repository.ErrUserNotFound
}

func (m *mockUserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	for _, user := range m.users {
		if user.Email != nil && strings.EqualFold(*user.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepository) RecordLoginFailure(ctx context.Context, id uuid.UUID, failedAttempts int, lockoutUntil *time.Time) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.FailedAttempts = failedAttempts
	user.LockoutUntil = lockoutUntil
	return nil
}

func (m *mockUserRepository) ResetLockout(ctx context.Context, id uuid.UUID) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.FailedAttempts = 0
	user.LockoutUntil = nil
	return nil
}

func (m *mockUserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	return nil
}

func (m *mockUserRepository) SetTOTPPending(ctx context.Context, id uuid.UUID, pendingSecret, setupToken string) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.TOTPPendingSecret = &pendingSecret
	user.TOTPSetupToken = &setupToken
	return nil
}

func (m *mockUserRepository) ActivateTOTP(ctx context.Context, id uuid.UUID, secret string) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.TOTPSecret = &secret
	user.TOTPPendingSecret = nil
	user.TOTPSetupToken = nil
	user.MFAEnabled = true
	return nil
}

func (m *mockUserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.PasswordHash = &hash
	return nil
}

func (m *mockUserRepository) UpdatePINHash(ctx context.Context, id uuid.UUID, hash string) error {
	user, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.PINHash = &hash
	return nil
}

// mockSessionRepository implements repository.SessionRepository
type mockSessionRepository struct {
	sessions map[uuid.UUID]*repository.Session
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{
		sessions: make(map[uuid.UUID]*repository.Session),
	}
}

func (m *mockSessionRepository) Create(ctx context.Context, session *repository.Session) error {
	session.ID = uuid.New()
	session.CreatedAt = time.Now().UTC()
	session.LastActivityAt = session.CreatedAt
	m.sessions[session.ID] = session
	return nil
}

func (m *mockSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.Session, error) {
	if session, ok := m.sessions[id]; ok {
		return session, nil
	}
	return nil, repository.ErrSessionNotFound
}

func (m *mockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error) {
	for _, session := range m.sessions {
		if session.TokenHash == tokenHash {
			return session, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (m *mockSessionRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*repository.Session, error) {
	var active []*repository.Session
	now := time.Now().UTC()
	for _, session := range m.sessions {
		if session.UserID == userID && !session.Revoked && session.ExpiresAt.After(now) {
			active = append(active, session)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.After(active[j].LastActivityAt)
	})
	return active, nil
}

func (m *mockSessionRepository) Revoke(ctx context.Context, userID, id uuid.UUID) error {
	session, ok := m.sessions[id]
	if !ok || session.UserID != userID || session.Revoked {
		return repository.ErrSessionNotFound
	}
	now := time.Now().UTC()
	session.Revoked = true
	session.RevokedAt = &now
	return nil
}

func (m *mockSessionRepository) RevokeAllExcept(ctx context.Context, userID uuid.UUID, keep uuid.UUID) (int64, error) {
	var count int64
	now := time.Now().UTC()
	for _, session := range m.sessions {
		if session.UserID == userID && session.ID != keep && !session.Revoked {
			session.Revoked = true
			session.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *mockSessionRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	now := time.Now().UTC()
	for _, session := range m.sessions {
		if session.UserID == userID && !session.Revoked {
			session.Revoked = true
			session.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *mockSessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string) error {
	for _, session := range m.sessions {
		if session.TokenHash == tokenHash && !session.Revoked {
			now := time.Now().UTC()
			session.Revoked = true
			session.RevokedAt = &now
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (m *mockSessionRepository) RotateToken(ctx context.Context, id uuid.UUID, newTokenHash string, newExpiresAt time.Time) error {
	session, ok := m.sessions[id]
	if !ok || session.Revoked {
		return repository.ErrSessionNotFound
	}
	session.TokenHash = newTokenHash
	session.ExpiresAt = newExpiresAt
	session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *mockSessionRepository) TouchActivity(ctx context.Context, id uuid.UUID) error {
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *mockSessionRepository) PurgeRevokedBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	for id, session := range m.sessions {
		if session.Revoked && session.RevokedAt != nil && session.RevokedAt.Before(before) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

// mockLoginAttemptRepository implements repository.LoginAttemptRepository
type mockLoginAttemptRepository struct {
	attempts []repository.LoginAttempt
}

func newMockLoginAttemptRepository() *mockLoginAttemptRepository {
	return &mockLoginAttemptRepository{}
}

func (m *mockLoginAttemptRepository) Record(ctx context.Context, attempt *repository.LoginAttempt) error {
	attempt.ID = uuid.New()
	attempt.CreatedAt = time.Now().UTC()
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *mockLoginAttemptRepository) ListRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]repository.LoginAttempt, error) {
	var result []repository.LoginAttempt
	for i := len(m.attempts) - 1; i >= 0 && len(result) < limit; i-- {
		attempt := m.attempts[i]
		if attempt.UserID != nil && *attempt.UserID == userID {
			result = append(result, attempt)
		}
	}
	return result, nil
}

func (m *mockLoginAttemptRepository) CountRecentFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	count := 0
	for _, attempt := range m.attempts {
		if attempt.Identifier == identifier && !attempt.Success && attempt.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *mockLoginAttemptRepository) CleanupBefore(ctx context.Context, before time.Time) (int64, error) {
	var kept []repository.LoginAttempt
	var removed int64
	for _, attempt := range m.attempts {
		if attempt.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, attempt)
	}
	m.attempts = kept
	return removed, nil
}

// last returns the most recently recorded attempt, or nil
func (m *mockLoginAttemptRepository) last() *repository.LoginAttempt {
	if len(m.attempts) == 0 {
		return nil
	}
	return &m.attempts[len(m.attempts)-1]
}

// mockBackupCodeRepository implements repository.BackupCodeRepository
type mockBackupCodeRepository struct {
	codes map[uuid.UUID]*repository.TotpBackupCode
}

func newMockBackupCodeRepository() *mockBackupCodeRepository {
	return &mockBackupCodeRepository{
		codes: make(map[uuid.UUID]*repository.TotpBackupCode),
	}
}

func (m *mockBackupCodeRepository) ReplaceForUser(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	for id, code := range m.codes {
		if code.UserID == userID && !code.Used {
			delete(m.codes, id)
		}
	}
	for _, hash := range codeHashes {
		id := uuid.New()
		m.codes[id] = &repository.TotpBackupCode{
			ID:        id,
			UserID:    userID,
			CodeHash:  hash,
			CreatedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (m *mockBackupCodeRepository) ListUnused(ctx context.Context, userID uuid.UUID) ([]repository.TotpBackupCode, error) {
	var unused []repository.TotpBackupCode
	for _, code := range m.codes {
		if code.UserID == userID && !code.Used {
			unused = append(unused, *code)
		}
	}
	return unused, nil
}

func (m *mockBackupCodeRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	code, ok := m.codes[id]
	if !ok || code.Used {
		return repository.ErrBackupCodeNotFound
	}
	now := time.Now().UTC()
	code.Used = true
	code.UsedAt = &now
	return nil
}

// mockBiometricTokenRepository implements repository.BiometricTokenRepository
type mockBiometricTokenRepository struct {
	tokens map[uuid.UUID]*repository.BiometricToken
}

func newMockBiometricTokenRepository() *mockBiometricTokenRepository {
	return &mockBiometricTokenRepository{
		tokens: make(map[uuid.UUID]*repository.BiometricToken),
	}
}

func (m *mockBiometricTokenRepository) Create(ctx context.Context, token *repository.BiometricToken) error {
	token.ID = uuid.New()
	token.CreatedAt = time.Now().UTC()
	m.tokens[token.ID] = token
	return nil
}

func (m *mockBiometricTokenRepository) GetValidByDevice(ctx context.Context, deviceID string) ([]repository.BiometricToken, error) {
	var valid []repository.BiometricToken
	now := time.Now().UTC()
	for _, token := range m.tokens {
		if token.DeviceID == deviceID && token.Valid && token.ExpiresAt.After(now) {
			valid = append(valid, *token)
		}
	}
	return valid, nil
}

func (m *mockBiometricTokenRepository) HasValidForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	for _, token := range m.tokens {
		if token.UserID == userID && token.Valid && token.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockBiometricTokenRepository) InvalidateForDevice(ctx context.Context, userID uuid.UUID, deviceID string) (int64, error) {
	var count int64
	for _, token := range m.tokens {
		if token.UserID == userID && token.DeviceID == deviceID && token.Valid {
			token.Valid = false
			count++
		}
	}
	return count, nil
}

func (m *mockBiometricTokenRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	token, ok := m.tokens[id]
	if !ok {
		return repository.ErrBiometricTokenNotFound
	}
	now := time.Now().UTC()
	token.LastUsedAt = &now
	return nil
}
