package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/famledger/famledger/internal/config"
	"github.com/famledger/famledger/internal/metrics"
	"github.com/famledger/famledger/internal/repository"
)

// MFA service errors
var (
	ErrNoPendingSetup = errors.New("no pending TOTP setup")
	ErrInvalidMFACode = errors.New("invalid verification code")
)

// TOTPSetup is returned from SetupTOTP. The secret is inert until activated.
type TOTPSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	SetupToken      string `json:"setup_token"`
}

// MFAService manages the TOTP lifecycle (unset, pending, active), backup
// codes and biometric device tokens.
type MFAService struct {
	users        repository.UserRepository
	backupCodes  repository.BackupCodeRepository
	biometrics   repository.BiometricTokenRepository
	tokenService *TokenService
	logins       *LoginService
	cfg          config.MFAConfig
	logger       *slog.Logger
}

// NewMFAService creates a new MFAService instance
func NewMFAService(
	users repository.UserRepository,
	backupCodes repository.BackupCodeRepository,
	biometrics repository.BiometricTokenRepository,
	tokenService *TokenService,
	logins *LoginService,
	cfg config.MFAConfig,
	logger *slog.Logger,
) *MFAService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MFAService{
		users:        users,
		backupCodes:  backupCodes,
		biometrics:   biometrics,
		tokenService: tokenService,
		logins:       logins,
		cfg:          cfg,
		logger:       logger,
	}
}

// SetupTOTP generates a fresh shared secret and stores it as pending
// together with a one-time setup token. The secret cannot complete a login
// until activated. Calling setup again replaces any prior pending state.
func (s *MFAService) SetupTOTP(ctx context.Context, userID uuid.UUID) (*TOTPSetup, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: s.accountName(user),
		Period:      30,
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	setupToken, err := s.tokenService.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	if err := s.users.SetTOTPPending(ctx, userID, key.Secret(), setupToken); err != nil {
		return nil, err
	}

	return &TOTPSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		SetupToken:      setupToken,
	}, nil
}

// ActivateTOTP promotes a pending secret to active after the caller proves
// possession of both the setup token and a valid code. Any mismatch fails
// closed and leaves state unchanged.
func (s *MFAService) ActivateTOTP(ctx context.Context, userID uuid.UUID, setupToken, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if user.TOTPPendingSecret == nil || user.TOTPSetupToken == nil {
		return ErrNoPendingSetup
	}

	if subtle.ConstantTimeCompare([]byte(setupToken), []byte(*user.TOTPSetupToken)) != 1 {
		return ErrNoPendingSetup
	}

	if !totp.Validate(strings.TrimSpace(code), *user.TOTPPendingSecret) {
		return ErrInvalidMFACode
	}

	if err := s.users.ActivateTOTP(ctx, userID, *user.TOTPPendingSecret); err != nil {
		return err
	}

	s.logger.Info("TOTP activated", "user_id", userID)
	return nil
}

// RegenerateBackupCodes discards all prior unused codes and issues a new
// batch. The plaintext batch is returned exactly once; only hashes persist.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}

	count := s.cfg.BackupCodeCount
	if count <= 0 {
		count = 10
	}

	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, s.tokenService.HashOpaqueToken(NormalizeBackupCode(code)))
	}

	if err := s.backupCodes.ReplaceForUser(ctx, userID, hashes); err != nil {
		return nil, err
	}

	s.logger.Info("backup codes regenerated", "user_id", userID, "count", count)
	return codes, nil
}

// EnableBiometric registers a device for biometric login. Any previously
// valid token for the same device is invalidated first; the plaintext token
// is returned exactly once.
func (s *MFAService) EnableBiometric(ctx context.Context, userID uuid.UUID, deviceID, deviceName string) (string, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return "", err
	}

	if _, err := s.biometrics.InvalidateForDevice(ctx, userID, deviceID); err != nil {
		return "", err
	}

	token, err := s.tokenService.GenerateOpaqueToken()
	if err != nil {
		return "", err
	}

	registration := &repository.BiometricToken{
		UserID:    userID,
		DeviceID:  deviceID,
		TokenHash: s.tokenService.HashOpaqueToken(token),
		Valid:     true,
		ExpiresAt: time.Now().UTC().Add(s.cfg.BiometricExpiry),
	}
	if deviceName != "" {
		registration.DeviceName = &deviceName
	}

	if err := s.biometrics.Create(ctx, registration); err != nil {
		return "", err
	}

	metrics.TokensIssuedTotal.WithLabelValues(metrics.TokenTypeBiometric).Inc()
	s.logger.Info("biometric token enabled", "user_id", userID, "device_id", deviceID)
	return token, nil
}

// LoginBiometric authenticates with a device ID and its biometric token.
// Biometric login is itself the second factor, so on success it proceeds
// straight to session issuance, bypassing the TOTP path.
func (s *MFAService) LoginBiometric(ctx context.Context, deviceID, token string, meta LoginMetadata) (*LoginResult, error) {
	registrations, err := s.biometrics.GetValidByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	presentedHash := s.tokenService.HashOpaqueToken(token)
	var matched *repository.BiometricToken
	for i := range registrations {
		if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(registrations[i].TokenHash)) == 1 {
			matched = &registrations[i]
			break
		}
	}

	if matched == nil {
		s.logins.audit(ctx, nil, deviceID, false, reasonInvalidBiometric, nil, meta)
		metrics.MFAVerificationsTotal.WithLabelValues(string(MFAMethodBiometric), metrics.OutcomeFailure).Inc()
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, matched.UserID)
	if err != nil {
		return nil, err
	}

	identifier := s.logins.loginIdentifier(ctx, user)

	if user.Locked {
		s.logins.audit(ctx, &user.ID, identifier, false, reasonLocked, nil, meta)
		reason := ""
		if user.LockedReason != nil {
			reason = *user.LockedReason
		}
		return nil, &AccountLockedError{Reason: reason}
	}
	if user.LockoutUntil != nil && user.LockoutUntil.After(time.Now()) {
		s.logins.audit(ctx, &user.ID, identifier, false, reasonLockedOut, nil, meta)
		return nil, &TemporaryLockoutError{Until: *user.LockoutUntil}
	}

	if err := s.biometrics.UpdateLastUsed(ctx, matched.ID); err != nil {
		return nil, err
	}

	metrics.MFAVerificationsTotal.WithLabelValues(string(MFAMethodBiometric), metrics.OutcomeSuccess).Inc()

	return s.logins.issueCredentials(ctx, user, identifier, MFAMethodBiometric, meta)
}

// DisableBiometric invalidates the device's token. The registration row and
// its audit trail are kept. Disabling an unknown device is a no-op.
func (s *MFAService) DisableBiometric(ctx context.Context, userID uuid.UUID, deviceID string) error {
	count, err := s.biometrics.InvalidateForDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Info("biometric token disabled", "user_id", userID, "device_id", deviceID)
	}
	return nil
}

// accountName is the label shown in the authenticator app
func (s *MFAService) accountName(user *repository.User) string {
	if user.Email != nil {
		return *user.Email
	}
	if user.Nickname != nil {
		return *user.Nickname
	}
	return user.ID.String()
}

// generateBackupCode produces an 8-digit code grouped as "XXXX-XXXX"
func generateBackupCode() (string, error) {
	digits := make([]byte, 8)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits[:4]) + "-" + string(digits[4:]), nil
}

// NormalizeBackupCode strips grouping hyphens and whitespace so a code
// matches however the user types it.
func NormalizeBackupCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}
