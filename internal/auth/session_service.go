package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/famledger/famledger/internal/metrics"
	"github.com/famledger/famledger/internal/repository"
)

// SessionInfo is the caller-facing view of one active session
type SessionInfo struct {
	ID             string    `json:"id"`
	DeviceName     *string   `json:"device_name,omitempty"`
	IPAddress      *string   `json:"ip_address,omitempty"`
	UserAgent      *string   `json:"user_agent,omitempty"`
	TrustedDevice  bool      `json:"trusted_device"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Current        bool      `json:"current"`
}

// LoginHistoryEntry is one row of a user's login history
type LoginHistoryEntry struct {
	Identifier    string    `json:"identifier"`
	Success       bool      `json:"success"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	IPAddress     *string   `json:"ip_address,omitempty"`
	UserAgent     *string   `json:"user_agent,omitempty"`
	MFAMethod     *string   `json:"mfa_method,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionService enumerates, revokes and refreshes sessions and exposes the
// login-attempt history.
type SessionService struct {
	sessions     repository.SessionRepository
	users        repository.UserRepository
	attempts     repository.LoginAttemptRepository
	tokenService *TokenService
	logger       *slog.Logger
}

// NewSessionService creates a new SessionService instance
func NewSessionService(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	attempts repository.LoginAttemptRepository,
	tokenService *TokenService,
	logger *slog.Logger,
) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		sessions:     sessions,
		users:        users,
		attempts:     attempts,
		tokenService: tokenService,
		logger:       logger,
	}
}

// ListSessions returns the caller's active sessions, flagging the one that
// matches the current session ID.
func (s *SessionService) ListSessions(ctx context.Context, userID, currentSessionID uuid.UUID) ([]SessionInfo, error) {
	sessions, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, SessionInfo{
			ID:             session.ID.String(),
			DeviceName:     session.DeviceName,
			IPAddress:      session.IPAddress,
			UserAgent:      session.UserAgent,
			TrustedDevice:  session.TrustedDevice,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.LastActivityAt,
			Current:        session.ID == currentSessionID,
		})
	}
	return infos, nil
}

// CheckSession verifies that the session behind an access token is still
// active and stamps its last-activity time. Revocation therefore takes
// effect on the next request instead of waiting out the access token.
func (s *SessionService) CheckSession(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return ErrSessionNotFound
	}

	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.Revoked || time.Now().UTC().After(session.ExpiresAt) {
		return ErrSessionNotFound
	}

	// A failed activity write is logged, not returned
	if err := s.sessions.TouchActivity(ctx, session.ID); err != nil {
		s.logger.Warn("failed to record session activity", "session_id", session.ID, "error", err)
	}
	return nil
}

// RevokeSession revokes one of the caller's own sessions. A session ID that
// does not exist, or belongs to someone else, fails with the same generic
// not-found.
func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, userID, sessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	metrics.SessionsRevokedTotal.WithLabelValues("single").Inc()
	s.logger.Info("session revoked", "user_id", userID, "session_id", sessionID)
	return nil
}

// RevokeOtherSessions revokes every session except the current one
func (s *SessionService) RevokeOtherSessions(ctx context.Context, userID, currentSessionID uuid.UUID) (int64, error) {
	count, err := s.sessions.RevokeAllExcept(ctx, userID, currentSessionID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("others").Add(float64(count))
		s.logger.Info("other sessions revoked", "user_id", userID, "count", count)
	}
	return count, nil
}

// RevokeAllSessions revokes every session for the user
func (s *SessionService) RevokeAllSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	count, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("all").Add(float64(count))
	}
	s.logger.Info("all sessions revoked", "user_id", userID, "count", count)
	return count, nil
}

// Refresh exchanges a refresh token for a new credential pair, rotating the
// stored token hash. The prior refresh token is irrevocably invalid after
// rotation; there is no reuse window.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	tokenHash := s.tokenService.HashOpaqueToken(refreshToken)

	session, err := s.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	if session.Revoked || time.Now().UTC().After(session.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if user.Locked {
		return nil, ErrInvalidRefreshToken
	}

	newRefreshToken, err := s.tokenService.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	newExpiry := time.Now().UTC().Add(s.tokenService.GetRefreshTokenExpiry())
	if err := s.sessions.RotateToken(ctx, session.ID, s.tokenService.HashOpaqueToken(newRefreshToken), newExpiry); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	accessToken, err := s.tokenService.GenerateAccessToken(AccessTokenInput{
		UserID:      user.ID.String(),
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
		FamilyID:    user.FamilyID.String(),
		SessionID:   session.ID.String(),
		MFAVerified: user.MFAEnabled,
	})
	if err != nil {
		return nil, err
	}

	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeAccess).Inc()
	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeRefresh).Inc()

	return &Credentials{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		ExpiresIn:    int64(s.tokenService.GetAccessTokenExpiry().Seconds()),
		TokenType:    "Bearer",
		SessionID:    session.ID.String(),
		User: UserSummary{
			ID:          user.ID.String(),
			DisplayName: user.DisplayName,
			Role:        string(user.Role),
			FamilyID:    user.FamilyID.String(),
		},
	}, nil
}

// Logout revokes the session holding the presented refresh token
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	tokenHash := s.tokenService.HashOpaqueToken(refreshToken)
	if err := s.sessions.RevokeByTokenHash(ctx, tokenHash); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	metrics.SessionsRevokedTotal.WithLabelValues("logout").Inc()
	return nil
}

// LoginHistory returns the most recent login attempts for a user, newest
// first.
func (s *SessionService) LoginHistory(ctx context.Context, userID uuid.UUID, limit int) ([]LoginHistoryEntry, error) {
	attempts, err := s.attempts.ListRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]LoginHistoryEntry, 0, len(attempts))
	for _, attempt := range attempts {
		entries = append(entries, LoginHistoryEntry{
			Identifier:    attempt.Identifier,
			Success:       attempt.Success,
			FailureReason: attempt.FailureReason,
			IPAddress:     attempt.IPAddress,
			UserAgent:     attempt.UserAgent,
			MFAMethod:     attempt.MFAMethod,
			CreatedAt:     attempt.CreatedAt,
		})
	}
	return entries, nil
}
