package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/famledger/famledger/internal/config"
	"github.com/famledger/famledger/internal/metrics"
	"github.com/famledger/famledger/internal/repository"
)

// Auth service errors
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidChallenge    = errors.New("invalid or expired challenge token")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUserNotFound        = errors.New("user not found")
)

// Error codes for API responses
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeInvalidChallenge    = "INVALID_CHALLENGE"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeAuthTokenMissing    = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid    = "AUTH_TOKEN_INVALID"
	CodeEmailExists         = "EMAIL_EXISTS"
)

// AccountLockedError reports a permanently locked account with the stored
// human-readable reason.
type AccountLockedError struct {
	Reason string
}

func (e *AccountLockedError) Error() string {
	if e.Reason == "" {
		return "account is locked"
	}
	return "account is locked: " + e.Reason
}

// TemporaryLockoutError reports an active temporary lockout with the time it
// expires.
type TemporaryLockoutError struct {
	Until time.Time
}

func (e *TemporaryLockoutError) Error() string {
	return fmt.Sprintf("account temporarily locked, try again in %d minutes", e.RemainingMinutes())
}

// RemainingMinutes returns the minutes left until the lockout expires,
// rounded up so "0 minutes" is never shown while still locked.
func (e *TemporaryLockoutError) RemainingMinutes() int {
	remaining := time.Until(e.Until)
	if remaining <= 0 {
		return 0
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	return minutes
}

// MFAMethod is a second factor available to a user
type MFAMethod string

const (
	MFAMethodTOTP           MFAMethod = "totp"
	MFAMethodPasskey        MFAMethod = "passkey"
	MFAMethodBiometric      MFAMethod = "biometric"
	MFAMethodBackupCode     MFAMethod = "backup_code"
	MFAMethodParentApproval MFAMethod = "parent_approval"
)

// Audit failure reasons recorded on login attempts
const (
	reasonNotFound           = "not_found"
	reasonLocked             = "locked"
	reasonLockedOut          = "locked_out"
	reasonInvalidCredentials = "invalid_credentials"
	reasonInvalidMFACode     = "invalid_mfa_code"
	reasonInvalidBiometric   = "invalid_biometric"
)

// Per-identifier throttle. Counted over the audit trail, so it covers
// identifiers that never resolve to an account and is independent of the
// per-IP limiter and the per-user lockout ladder.
const (
	identifierFailureLimit  = 10
	identifierFailureWindow = 15 * time.Minute
)

// LoginMetadata carries the request context of a login attempt. It is passed
// explicitly so the service stays testable without an HTTP layer.
type LoginMetadata struct {
	IPAddress  string
	UserAgent  string
	DeviceName string
}

// UserSummary is the caller-facing view of the authenticated user
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	FamilyID    string `json:"family_id"`
}

// Credentials is a full token pair with the user summary
type Credentials struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	TokenType    string      `json:"token_type"`
	SessionID    string      `json:"session_id"`
	User         UserSummary `json:"user"`
}

// LoginResult is the outcome of a first-factor login: either full
// credentials, or an MFA challenge that defers session creation.
type LoginResult struct {
	MFARequired      bool         `json:"mfa_required"`
	ChallengeToken   string       `json:"challenge_token,omitempty"`
	AvailableMethods []MFAMethod  `json:"available_methods,omitempty"`
	UserID           string       `json:"user_id,omitempty"`
	Credentials      *Credentials `json:"credentials,omitempty"`
}

// LoginService coordinates credential checks, the lockout policy, MFA
// branching and session issuance for every login path.
type LoginService struct {
	users          repository.UserRepository
	sessions       repository.SessionRepository
	attempts       repository.LoginAttemptRepository
	backupCodes    repository.BackupCodeRepository
	biometrics     repository.BiometricTokenRepository
	tokenService   *TokenService
	passwordHasher *CredentialHasher
	pinHasher      *CredentialHasher
	lockout        config.LockoutConfig
	logger         *slog.Logger
}

// NewLoginService creates a new LoginService instance
func NewLoginService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	attempts repository.LoginAttemptRepository,
	backupCodes repository.BackupCodeRepository,
	biometrics repository.BiometricTokenRepository,
	tokenService *TokenService,
	lockout config.LockoutConfig,
	logger *slog.Logger,
) *LoginService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginService{
		users:          users,
		sessions:       sessions,
		attempts:       attempts,
		backupCodes:    backupCodes,
		biometrics:     biometrics,
		tokenService:   tokenService,
		passwordHasher: NewPasswordHasher(),
		pinHasher:      NewPINHasher(),
		lockout:        lockout,
		logger:         logger,
	}
}

// LoginParent authenticates a parent or relative by email and password
func (s *LoginService) LoginParent(ctx context.Context, email, password string, meta LoginMetadata) (*LoginResult, error) {
	identifier := strings.TrimSpace(strings.ToLower(email))

	if err := s.checkIdentifierThrottle(ctx, identifier, meta); err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Generic failure, do not reveal which part was wrong
			s.audit(ctx, nil, identifier, false, reasonNotFound, nil, meta)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	return s.authenticate(ctx, user, identifier, password, meta)
}

// LoginChild authenticates a child by family code, nickname and PIN. The
// audit identifier is the composed "familyCode/nickname".
func (s *LoginService) LoginChild(ctx context.Context, familyCode, nickname, pin string, meta LoginMetadata) (*LoginResult, error) {
	identifier := familyCode + "/" + nickname

	if err := s.checkIdentifierThrottle(ctx, identifier, meta); err != nil {
		return nil, err
	}

	user, err := s.users.GetByFamilyCodeAndNickname(ctx, familyCode, nickname)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.audit(ctx, nil, identifier, false, reasonNotFound, nil, meta)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	return s.authenticate(ctx, user, identifier, pin, meta)
}

// checkIdentifierThrottle rejects the attempt once the identifier has
// accumulated too many recent failures. The reported retry time is an upper
// bound; the count is re-evaluated on every attempt as old failures age out.
func (s *LoginService) checkIdentifierThrottle(ctx context.Context, identifier string, meta LoginMetadata) error {
	count, err := s.attempts.CountRecentFailures(ctx, identifier, time.Now().Add(-identifierFailureWindow))
	if err != nil {
		return err
	}
	if count < identifierFailureLimit {
		return nil
	}

	s.audit(ctx, nil, identifier, false, reasonLockedOut, nil, meta)
	s.logger.Warn("identifier throttled",
		"identifier", identifier,
		"recent_failures", count,
	)
	return &TemporaryLockoutError{Until: time.Now().Add(identifierFailureWindow)}
}

// authenticate runs the per-attempt state machine: permanent lock, temporary
// lockout, credential check with escalation, then MFA branch or issuance.
func (s *LoginService) authenticate(ctx context.Context, user *repository.User, identifier, secret string, meta LoginMetadata) (*LoginResult, error) {
	if user.Locked {
		s.audit(ctx, &user.ID, identifier, false, reasonLocked, nil, meta)
		reason := ""
		if user.LockedReason != nil {
			reason = *user.LockedReason
		}
		return nil, &AccountLockedError{Reason: reason}
	}

	// While locked out, credentials are not consulted at all: no hashing
	// cost and no timing signal for a locked account.
	if user.LockoutUntil != nil && user.LockoutUntil.After(time.Now()) {
		s.audit(ctx, &user.ID, identifier, false, reasonLockedOut, nil, meta)
		return nil, &TemporaryLockoutError{Until: *user.LockoutUntil}
	}

	if !s.verifyCredential(user, secret) {
		if err := s.recordFailure(ctx, user); err != nil {
			return nil, err
		}
		s.audit(ctx, &user.ID, identifier, false, reasonInvalidCredentials, nil, meta)
		metrics.LoginAttemptsTotal.WithLabelValues(string(user.Role), metrics.OutcomeFailure).Inc()
		return nil, ErrInvalidCredentials
	}

	if err := s.users.ResetLockout(ctx, user.ID); err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		return s.challengeMFA(ctx, user)
	}

	return s.issueCredentials(ctx, user, identifier, "", meta)
}

// verifyCredential checks the secret against the hash matching the user's
// role: password for parents and relatives, PIN for children.
func (s *LoginService) verifyCredential(user *repository.User, secret string) bool {
	switch user.Role {
	case repository.RoleChild:
		if user.PINHash == nil {
			return false
		}
		return s.pinHasher.Verify(secret, *user.PINHash)
	default:
		if user.PasswordHash == nil {
			return false
		}
		return s.passwordHasher.Verify(secret, *user.PasswordHash)
	}
}

// recordFailure bumps the failed-attempt counter and, once the counter has
// reached the configured threshold, applies the escalating lockout ladder.
// The ladder index clamps at its last entry, which caps the lockout.
func (s *LoginService) recordFailure(ctx context.Context, user *repository.User) error {
	failed := user.FailedAttempts + 1

	var lockoutUntil *time.Time
	if failed >= s.lockout.MaxFailedAttempts && len(s.lockout.Ladder) > 0 {
		index := failed/s.lockout.MaxFailedAttempts - 1
		if index >= len(s.lockout.Ladder) {
			index = len(s.lockout.Ladder) - 1
		}
		until := time.Now().Add(s.lockout.Ladder[index])
		lockoutUntil = &until
	}

	if err := s.users.RecordLoginFailure(ctx, user.ID, failed, lockoutUntil); err != nil {
		return err
	}

	if lockoutUntil != nil {
		metrics.LockoutsTotal.Inc()
		s.logger.Warn("account temporarily locked",
			"user_id", user.ID,
			"failed_attempts", failed,
			"lockout_until", *lockoutUntil,
		)
	}
	return nil
}

// challengeMFA issues an MFA-challenge token and the set of second factors
// the user can complete it with. No session is created yet.
func (s *LoginService) challengeMFA(ctx context.Context, user *repository.User) (*LoginResult, error) {
	challenge, err := s.tokenService.GenerateMFAChallengeToken(user.ID.String())
	if err != nil {
		return nil, err
	}

	methods, err := s.availableMethods(ctx, user)
	if err != nil {
		return nil, err
	}

	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeChallenge).Inc()

	return &LoginResult{
		MFARequired:      true,
		ChallengeToken:   challenge,
		AvailableMethods: methods,
		UserID:           user.ID.String(),
	}, nil
}

// availableMethods computes which second factors the user can present
func (s *LoginService) availableMethods(ctx context.Context, user *repository.User) ([]MFAMethod, error) {
	var methods []MFAMethod
	if user.TOTPSecret != nil {
		methods = append(methods, MFAMethodTOTP)
	}
	if user.PasskeyRegistered {
		methods = append(methods, MFAMethodPasskey)
	}
	hasBiometric, err := s.biometrics.HasValidForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if hasBiometric {
		methods = append(methods, MFAMethodBiometric)
	}
	if user.Role == repository.RoleChild {
		methods = append(methods, MFAMethodParentApproval)
	}
	return methods, nil
}

// CompleteTOTPLogin finishes an MFA-gated login with a 6-digit TOTP code or
// a backup code. Only on success is a session created.
func (s *LoginService) CompleteTOTPLogin(ctx context.Context, challengeToken, code string, meta LoginMetadata) (*LoginResult, error) {
	claims, err := s.tokenService.ValidateMFAChallengeToken(challengeToken)
	if err != nil {
		return nil, ErrInvalidChallenge
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return nil, ErrInvalidChallenge
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	identifier := s.loginIdentifier(ctx, user)

	if user.Locked {
		s.audit(ctx, &user.ID, identifier, false, reasonLocked, nil, meta)
		reason := ""
		if user.LockedReason != nil {
			reason = *user.LockedReason
		}
		return nil, &AccountLockedError{Reason: reason}
	}

	// A lockout triggered after the challenge was issued still blocks
	// completion, and failed codes feed the same ladder as failed passwords.
	if user.LockoutUntil != nil && user.LockoutUntil.After(time.Now()) {
		s.audit(ctx, &user.ID, identifier, false, reasonLockedOut, nil, meta)
		return nil, &TemporaryLockoutError{Until: *user.LockoutUntil}
	}

	method, ok, err := s.verifySecondFactor(ctx, user, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.recordFailure(ctx, user); err != nil {
			return nil, err
		}
		s.audit(ctx, &user.ID, identifier, false, reasonInvalidMFACode, nil, meta)
		metrics.MFAVerificationsTotal.WithLabelValues(string(MFAMethodTOTP), metrics.OutcomeFailure).Inc()
		return nil, ErrInvalidCredentials
	}

	metrics.MFAVerificationsTotal.WithLabelValues(string(method), metrics.OutcomeSuccess).Inc()

	return s.issueCredentials(ctx, user, identifier, method, meta)
}

// verifySecondFactor tries the TOTP code first, then each unused backup
// code. A matching backup code is consumed; a used code cannot match again.
func (s *LoginService) verifySecondFactor(ctx context.Context, user *repository.User, code string) (MFAMethod, bool, error) {
	trimmed := strings.TrimSpace(code)

	if user.TOTPSecret != nil && totp.Validate(trimmed, *user.TOTPSecret) {
		return MFAMethodTOTP, true, nil
	}

	normalized := NormalizeBackupCode(trimmed)
	codes, err := s.backupCodes.ListUnused(ctx, user.ID)
	if err != nil {
		return "", false, err
	}
	for _, backup := range codes {
		if s.tokenService.VerifyOpaqueToken(normalized, backup.CodeHash) {
			if err := s.backupCodes.MarkUsed(ctx, backup.ID); err != nil {
				if errors.Is(err, repository.ErrBackupCodeNotFound) {
					// Lost the race to a concurrent consumer
					continue
				}
				return "", false, err
			}
			return MFAMethodBackupCode, true, nil
		}
	}

	return "", false, nil
}

// issueCredentials is the common tail of every successful login path: create
// the session, mint the access token, bump last-login and audit success.
// mfaMethod is empty for logins without a second factor.
func (s *LoginService) issueCredentials(ctx context.Context, user *repository.User, identifier string, mfaMethod MFAMethod, meta LoginMetadata) (*LoginResult, error) {
	refreshToken, err := s.tokenService.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	session := &repository.Session{
		UserID:    user.ID,
		TokenHash: s.tokenService.HashOpaqueToken(refreshToken),
		ExpiresAt: time.Now().UTC().Add(s.tokenService.GetRefreshTokenExpiry()),
	}
	if meta.DeviceName != "" {
		session.DeviceName = &meta.DeviceName
	}
	if meta.IPAddress != "" {
		session.IPAddress = &meta.IPAddress
	}
	if meta.UserAgent != "" {
		session.UserAgent = &meta.UserAgent
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	accessToken, err := s.tokenService.GenerateAccessToken(AccessTokenInput{
		UserID:      user.ID.String(),
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
		FamilyID:    user.FamilyID.String(),
		SessionID:   session.ID.String(),
		MFAVerified: mfaMethod != "",
	})
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, err
	}

	var method *string
	if mfaMethod != "" {
		m := string(mfaMethod)
		method = &m
	}
	s.audit(ctx, &user.ID, identifier, true, "", method, meta)

	metrics.LoginAttemptsTotal.WithLabelValues(string(user.Role), metrics.OutcomeSuccess).Inc()
	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeAccess).Inc()
	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeRefresh).Inc()

	s.logger.Info("login succeeded",
		"user_id", user.ID,
		"role", user.Role,
		"session_id", session.ID,
		"mfa_method", string(mfaMethod),
	)

	return &LoginResult{
		Credentials: &Credentials{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    int64(s.tokenService.GetAccessTokenExpiry().Seconds()),
			TokenType:    "Bearer",
			SessionID:    session.ID.String(),
			User: UserSummary{
				ID:          user.ID.String(),
				DisplayName: user.DisplayName,
				Role:        string(user.Role),
				FamilyID:    user.FamilyID.String(),
			},
		},
	}, nil
}

// loginIdentifier reconstructs the audit identifier for a resolved user.
// Children use the same composed "familyCode/nickname" form as the
// first-factor path so one identity yields one identifier across the trail.
func (s *LoginService) loginIdentifier(ctx context.Context, user *repository.User) string {
	if user.Email != nil {
		return *user.Email
	}
	if user.Nickname != nil {
		if code, err := s.users.FamilyCode(ctx, user.FamilyID); err == nil {
			return code + "/" + *user.Nickname
		}
		return *user.Nickname
	}
	return user.ID.String()
}

// audit appends one row to the login-attempt trail. Auditing is best-effort:
// a failed write is logged but never masks the login outcome.
func (s *LoginService) audit(ctx context.Context, userID *uuid.UUID, identifier string, success bool, failureReason string, mfaMethod *string, meta LoginMetadata) {
	attempt := &repository.LoginAttempt{
		UserID:     userID,
		Identifier: identifier,
		Success:    success,
		MFAMethod:  mfaMethod,
	}
	if failureReason != "" {
		attempt.FailureReason = &failureReason
	}
	if meta.IPAddress != "" {
		attempt.IPAddress = &meta.IPAddress
	}
	if meta.UserAgent != "" {
		attempt.UserAgent = &meta.UserAgent
	}

	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Error("failed to record login attempt", "identifier", identifier, "error", err)
	}
}
