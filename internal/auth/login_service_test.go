package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/famledger/famledger/internal/config"
	"github.com/famledger/famledger/internal/repository"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

type loginTestEnv struct {
	service    *LoginService
	users      *mockUserRepository
	sessions   *mockSessionRepository
	attempts   *mockLoginAttemptRepository
	backups    *mockBackupCodeRepository
	biometrics *mockBiometricTokenRepository
	tokens     *TokenService
}

func newLoginTestEnv() *loginTestEnv {
	users := newMockUserRepository()
	sessions := newMockSessionRepository()
	attempts := newMockLoginAttemptRepository()
	backups := newMockBackupCodeRepository()
	biometrics := newMockBiometricTokenRepository()
	tokens := newTestTokenService()

	lockout := config.LockoutConfig{
		MaxFailedAttempts: 5,
		Ladder:            []time.Duration{5 * time.Minute, 15 * time.Minute, 24 * time.Hour},
	}

	service := NewLoginService(users, sessions, attempts, backups, biometrics, tokens, lockout, slog.Default())

	return &loginTestEnv{
		service:    service,
		users:      users,
		sessions:   sessions,
		attempts:   attempts,
		backups:    backups,
		biometrics: biometrics,
		tokens:     tokens,
	}
}

func (e *loginTestEnv) addParent(email, password string) *repository.User {
	hash, err := NewPasswordHasher().Hash(password)
	if err != nil {
		panic(err)
	}
	user := &repository.User{
		DisplayName:  "Test Parent",
		Role:         repository.RoleParent,
		Email:        &email,
		PasswordHash: &hash,
	}
	e.users.add(user, "")
	return user
}

func (e *loginTestEnv) addChild(familyCode, nickname, pin string) *repository.User {
	hash, err := NewPINHasher().Hash(pin)
	if err != nil {
		panic(err)
	}
	user := &repository.User{
		DisplayName: "Test Child",
		Role:        repository.RoleChild,
		Nickname:    &nickname,
		PINHash:     &hash,
	}
	e.users.add(user, familyCode)
	return user
}

func TestLoginParentSuccess(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")

	result, err := env.service.LoginParent(context.Background(), "Alice@Example.com", "Sup3r-secret!", LoginMetadata{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("LoginParent returned error: %v", err)
	}

	if result.MFARequired {
		t.Errorf("unexpected MFA challenge for user without MFA")
	}
	if result.Credentials == nil {
		t.Fatalf("expected credentials in result")
	}
	if result.Credentials.User.ID != user.ID.String() {
		t.Errorf("credentials carry wrong user ID")
	}
	if result.Credentials.RefreshToken == "" || result.Credentials.AccessToken == "" {
		t.Errorf("expected both tokens in credentials")
	}

	if len(env.sessions.sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(env.sessions.sessions))
	}
	if user.LastLoginAt == nil {
		t.Errorf("last login timestamp not set")
	}

	attempt := env.attempts.last()
	if attempt == nil || !attempt.Success {
		t.Errorf("expected a successful login attempt on record")
	}
}

func TestLoginParentWrongPassword(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")

	_, err := env.service.LoginParent(context.Background(), "alice@example.com", "wrong-password", LoginMetadata{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if user.FailedAttempts != 1 {
		t.Errorf("expected 1 failed attempt, got %d", user.FailedAttempts)
	}
	if len(env.sessions.sessions) != 0 {
		t.Errorf("no session should be created on failure")
	}

	attempt := env.attempts.last()
	if attempt == nil || attempt.Success {
		t.Fatalf("expected a failed login attempt on record")
	}
	if attempt.FailureReason == nil || *attempt.FailureReason != "invalid_credentials" {
		t.Errorf("unexpected failure reason: %v", attempt.FailureReason)
	}
}

func TestLoginParentUnknownEmail(t *testing.T) {
	env := newLoginTestEnv()

	_, err := env.service.LoginParent(context.Background(), "nobody@example.com", "whatever", LoginMetadata{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	attempt := env.attempts.last()
	if attempt == nil {
		t.Fatalf("expected an audit record for the unknown identifier")
	}
	if attempt.UserID != nil {
		t.Errorf("audit record should not carry a user ID")
	}
	if attempt.Identifier != "nobody@example.com" {
		t.Errorf("unexpected audit identifier: %s", attempt.Identifier)
	}
}

func TestLockoutLadderEscalation(t *testing.T) {
	tests := []struct {
		name          string
		priorFailures int
		wantLockout   bool
		wantDuration  time.Duration
	}{
		{"fourth failure no lockout", 3, false, 0},
		{"fifth failure first rung", 4, true, 5 * time.Minute},
		{"tenth failure second rung", 9, true, 15 * time.Minute},
		{"fifteenth failure last rung", 14, true, 24 * time.Hour},
		{"twentieth failure clamps at last rung", 19, true, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newLoginTestEnv()
			user := env.addParent("alice@example.com", "Sup3r-secret!")
			user.FailedAttempts = tt.priorFailures

			before := time.Now()
			_, err := env.service.LoginParent(context.Background(), "alice@example.com", "wrong", LoginMetadata{})
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}

			if user.FailedAttempts != tt.priorFailures+1 {
				t.Errorf("expected %d failed attempts, got %d", tt.priorFailures+1, user.FailedAttempts)
			}

			if !tt.wantLockout {
				if user.LockoutUntil != nil {
					t.Errorf("unexpected lockout at %d failures", user.FailedAttempts)
				}
				return
			}

			if user.LockoutUntil == nil {
				t.Fatalf("expected lockout at %d failures", user.FailedAttempts)
			}
			got := user.LockoutUntil.Sub(before)
			if got < tt.wantDuration-time.Second || got > tt.wantDuration+time.Second {
				t.Errorf("expected lockout of ~%v, got %v", tt.wantDuration, got)
			}
		})
	}
}

func TestIdentifierThrottleUnknownAccount(t *testing.T) {
	env := newLoginTestEnv()

	// The identifier never resolves to an account, so the per-user ladder
	// cannot apply. The audit-trail throttle still does.
	for i := 0; i < identifierFailureLimit; i++ {
		_, err := env.service.LoginParent(context.Background(), "nobody@example.com", "guess", LoginMetadata{})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := env.service.LoginParent(context.Background(), "nobody@example.com", "guess", LoginMetadata{})
	var lockErr *TemporaryLockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected TemporaryLockoutError after %d failures, got %v", identifierFailureLimit, err)
	}

	attempt := env.attempts.last()
	if attempt == nil || attempt.FailureReason == nil || *attempt.FailureReason != "locked_out" {
		t.Errorf("expected locked_out audit record for throttled identifier")
	}
}

func TestIdentifierThrottleBlocksCorrectPassword(t *testing.T) {
	env := newLoginTestEnv()
	env.addParent("alice@example.com", "Sup3r-secret!")

	for i := 0; i < identifierFailureLimit; i++ {
		env.attempts.attempts = append(env.attempts.attempts, repository.LoginAttempt{
			Identifier: "alice@example.com",
			Success:    false,
			CreatedAt:  time.Now().Add(-time.Minute),
		})
	}

	_, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	var lockErr *TemporaryLockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected TemporaryLockoutError, got %v", err)
	}
}

func TestIdentifierThrottleIgnoresOldFailures(t *testing.T) {
	env := newLoginTestEnv()
	env.addParent("alice@example.com", "Sup3r-secret!")

	for i := 0; i < identifierFailureLimit; i++ {
		env.attempts.attempts = append(env.attempts.attempts, repository.LoginAttempt{
			Identifier: "alice@example.com",
			Success:    false,
			CreatedAt:  time.Now().Add(-identifierFailureWindow - time.Minute),
		})
	}

	result, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("login blocked by failures outside the window: %v", err)
	}
	if result.Credentials == nil {
		t.Errorf("expected credentials")
	}
}

func TestTemporaryLockoutSkipsCredentialCheck(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	until := time.Now().Add(10 * time.Minute)
	user.FailedAttempts = 5
	user.LockoutUntil = &until

	// Correct password is still rejected while the lockout is active
	_, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})

	var lockErr *TemporaryLockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected TemporaryLockoutError, got %v", err)
	}
	if lockErr.RemainingMinutes() < 1 || lockErr.RemainingMinutes() > 10 {
		t.Errorf("unexpected remaining minutes: %d", lockErr.RemainingMinutes())
	}

	// The counter must not advance while locked out
	if user.FailedAttempts != 5 {
		t.Errorf("failed attempts changed during lockout: %d", user.FailedAttempts)
	}

	attempt := env.attempts.last()
	if attempt == nil || attempt.FailureReason == nil || *attempt.FailureReason != "locked_out" {
		t.Errorf("expected locked_out audit record")
	}
}

func TestExpiredLockoutAllowsLogin(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	until := time.Now().Add(-time.Minute)
	user.FailedAttempts = 5
	user.LockoutUntil = &until

	result, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("login after lockout expiry failed: %v", err)
	}
	if result.Credentials == nil {
		t.Fatalf("expected credentials")
	}
	if user.FailedAttempts != 0 || user.LockoutUntil != nil {
		t.Errorf("lockout state not reset on success")
	}
}

func TestLoginPermanentlyLockedAccount(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	reason := "suspicious activity"
	user.Locked = true
	user.LockedReason = &reason

	_, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})

	var lockedErr *AccountLockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected AccountLockedError, got %v", err)
	}
	if lockedErr.Reason != "suspicious activity" {
		t.Errorf("unexpected lock reason: %s", lockedErr.Reason)
	}
}

func TestLoginChildSuccess(t *testing.T) {
	env := newLoginTestEnv()
	env.addChild("sunny-meadow", "pip", "4321")

	result, err := env.service.LoginChild(context.Background(), "sunny-meadow", "pip", "4321", LoginMetadata{})
	if err != nil {
		t.Fatalf("LoginChild returned error: %v", err)
	}
	if result.Credentials == nil {
		t.Fatalf("expected credentials")
	}
	if result.Credentials.User.Role != string(repository.RoleChild) {
		t.Errorf("unexpected role in credentials: %s", result.Credentials.User.Role)
	}
}

func TestLoginChildWrongFamilyCode(t *testing.T) {
	env := newLoginTestEnv()
	env.addChild("sunny-meadow", "pip", "4321")

	_, err := env.service.LoginChild(context.Background(), "other-family", "pip", "4321", LoginMetadata{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	attempt := env.attempts.last()
	if attempt == nil || attempt.Identifier != "other-family/pip" {
		t.Errorf("expected composed audit identifier, got %+v", attempt)
	}
}

func TestLoginWithMFAReturnsChallenge(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	secret := testTOTPSecret
	user.MFAEnabled = true
	user.TOTPSecret = &secret

	result, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("LoginParent returned error: %v", err)
	}

	if !result.MFARequired {
		t.Fatalf("expected MFA challenge")
	}
	if result.ChallengeToken == "" {
		t.Errorf("expected a challenge token")
	}
	if result.Credentials != nil {
		t.Errorf("credentials must not be issued before the second factor")
	}
	if len(env.sessions.sessions) != 0 {
		t.Errorf("no session may exist before MFA completes")
	}

	foundTOTP := false
	for _, method := range result.AvailableMethods {
		if method == MFAMethodTOTP {
			foundTOTP = true
		}
	}
	if !foundTOTP {
		t.Errorf("expected totp among available methods: %v", result.AvailableMethods)
	}
}

func TestCompleteTOTPLogin(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	secret := testTOTPSecret
	user.MFAEnabled = true
	user.TOTPSecret = &secret

	first, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("first factor failed: %v", err)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate TOTP code: %v", err)
	}

	result, err := env.service.CompleteTOTPLogin(context.Background(), first.ChallengeToken, code, LoginMetadata{})
	if err != nil {
		t.Fatalf("CompleteTOTPLogin returned error: %v", err)
	}
	if result.Credentials == nil {
		t.Fatalf("expected credentials after second factor")
	}
	if len(env.sessions.sessions) != 1 {
		t.Errorf("expected exactly 1 session, got %d", len(env.sessions.sessions))
	}

	attempt := env.attempts.last()
	if attempt == nil || !attempt.Success {
		t.Fatalf("expected successful audit record")
	}
	if attempt.MFAMethod == nil || *attempt.MFAMethod != "totp" {
		t.Errorf("expected totp MFA method on audit record, got %v", attempt.MFAMethod)
	}
}

func TestCompleteTOTPLoginWrongCode(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	secret := testTOTPSecret
	user.MFAEnabled = true
	user.TOTPSecret = &secret

	first, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("first factor failed: %v", err)
	}

	_, err = env.service.CompleteTOTPLogin(context.Background(), first.ChallengeToken, "000000", LoginMetadata{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if len(env.sessions.sessions) != 0 {
		t.Errorf("no session may be created on a failed second factor")
	}
	if user.FailedAttempts != 1 {
		t.Errorf("failed second factor must count towards lockout, got %d attempts", user.FailedAttempts)
	}
}

func TestCompleteTOTPLoginDuringLockout(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	secret := testTOTPSecret
	user.MFAEnabled = true
	user.TOTPSecret = &secret

	first, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("first factor failed: %v", err)
	}

	// Lockout triggered between challenge and completion.
	until := time.Now().Add(10 * time.Minute)
	user.LockoutUntil = &until

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode returned error: %v", err)
	}

	_, err = env.service.CompleteTOTPLogin(context.Background(), first.ChallengeToken, code, LoginMetadata{})
	var lockErr *TemporaryLockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected TemporaryLockoutError, got %v", err)
	}
	if len(env.sessions.sessions) != 0 {
		t.Errorf("no session may be created while locked out")
	}
}

func TestCompleteTOTPLoginInvalidChallenge(t *testing.T) {
	env := newLoginTestEnv()

	_, err := env.service.CompleteTOTPLogin(context.Background(), "not-a-real-token", "123456", LoginMetadata{})
	if !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("expected ErrInvalidChallenge, got %v", err)
	}
}

func TestCompleteLoginAccessTokenRejectedAsChallenge(t *testing.T) {
	env := newLoginTestEnv()
	env.addParent("alice@example.com", "Sup3r-secret!")

	accessToken, err := env.tokens.GenerateAccessToken(AccessTokenInput{UserID: uuid.NewString()})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}

	_, err = env.service.CompleteTOTPLogin(context.Background(), accessToken, "123456", LoginMetadata{})
	if !errors.Is(err, ErrInvalidChallenge) {
		t.Fatalf("expected ErrInvalidChallenge for access token, got %v", err)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	env := newLoginTestEnv()
	user := env.addParent("alice@example.com", "Sup3r-secret!")
	secret := testTOTPSecret
	user.MFAEnabled = true
	user.TOTPSecret = &secret

	codes := []string{"1111-2222", "3333-4444", "5555-6666"}
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hashes = append(hashes, env.tokens.HashOpaqueToken(NormalizeBackupCode(code)))
	}
	if err := env.backups.ReplaceForUser(context.Background(), user.ID, hashes); err != nil {
		t.Fatalf("ReplaceForUser returned error: %v", err)
	}

	first, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("first factor failed: %v", err)
	}

	result, err := env.service.CompleteTOTPLogin(context.Background(), first.ChallengeToken, "1111-2222", LoginMetadata{})
	if err != nil {
		t.Fatalf("backup-code login failed: %v", err)
	}
	if result.Credentials == nil {
		t.Fatalf("expected credentials")
	}

	attempt := env.attempts.last()
	if attempt == nil || attempt.MFAMethod == nil || *attempt.MFAMethod != "backup_code" {
		t.Errorf("expected backup_code MFA method on audit record")
	}

	unused, err := env.backups.ListUnused(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListUnused returned error: %v", err)
	}
	if len(unused) != 2 {
		t.Errorf("expected 2 unused codes after consuming one, got %d", len(unused))
	}

	// The consumed code cannot be replayed
	second, err := env.service.LoginParent(context.Background(), "alice@example.com", "Sup3r-secret!", LoginMetadata{})
	if err != nil {
		t.Fatalf("first factor failed: %v", err)
	}
	_, err = env.service.CompleteTOTPLogin(context.Background(), second.ChallengeToken, "1111-2222", LoginMetadata{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected replayed backup code to fail, got %v", err)
	}
}
