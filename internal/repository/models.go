package repository

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the kind of family member a user is. Parents and relatives
// authenticate with email+password, children with family code+nickname+PIN.
type Role string

const (
	RoleParent   Role = "parent"
	RoleChild    Role = "child"
	RoleRelative Role = "relative"
)

// User represents an identity record in the database. A user carries exactly
// one credential hash matching its role and is never hard-deleted; removed
// children are soft-locked instead.
type User struct {
	ID                uuid.UUID  `db:"id"`
	FamilyID          uuid.UUID  `db:"family_id"`
	Role              Role       `db:"role"`
	Email             *string    `db:"email"`
	Nickname          *string    `db:"nickname"`
	DisplayName       string     `db:"display_name"`
	PasswordHash      *string    `db:"password_hash"`
	PINHash           *string    `db:"pin_hash"`
	MFAEnabled        bool       `db:"mfa_enabled"`
	TOTPSecret        *string    `db:"totp_secret"`
	TOTPPendingSecret *string    `db:"totp_pending_secret"`
	TOTPSetupToken    *string    `db:"totp_setup_token"`
	PasskeyRegistered bool       `db:"passkey_registered"`
	FailedAttempts    int        `db:"failed_attempts"`
	LockoutUntil      *time.Time `db:"lockout_until"`
	Locked            bool       `db:"locked"`
	LockedReason      *string    `db:"locked_reason"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Session represents one authenticated device or browser. Sessions are
// revoked, never deleted, so the audit trail survives logout.
type Session struct {
	ID             uuid.UUID  `db:"id"`
	UserID         uuid.UUID  `db:"user_id"`
	TokenHash      string     `db:"token_hash"`
	DeviceName     *string    `db:"device_name"`
	IPAddress      *string    `db:"ip_address"`
	UserAgent      *string    `db:"user_agent"`
	TrustedDevice  bool       `db:"trusted_device"`
	CreatedAt      time.Time  `db:"created_at"`
	LastActivityAt time.Time  `db:"last_activity_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
	Revoked        bool       `db:"revoked"`
	RevokedAt      *time.Time `db:"revoked_at"`
}

// LoginAttempt is an append-only audit record of a login attempt. Identifier
// is the email for parent logins or "familyCode/nickname" for child logins.
type LoginAttempt struct {
	ID            uuid.UUID  `db:"id"`
	UserID        *uuid.UUID `db:"user_id"`
	Identifier    string     `db:"identifier"`
	Success       bool       `db:"success"`
	FailureReason *string    `db:"failure_reason"`
	IPAddress     *string    `db:"ip_address"`
	UserAgent     *string    `db:"user_agent"`
	MFAMethod     *string    `db:"mfa_method"`
	CreatedAt     time.Time  `db:"created_at"`
}

// TotpBackupCode is a single-use fallback credential for completing MFA.
// Only a hash of the code is stored.
type TotpBackupCode struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	CodeHash  string     `db:"code_hash"`
	Used      bool       `db:"used"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// BiometricToken binds a user to a device via a hashed long-lived token.
// At most one valid token exists per (user, device); enabling a new one
// invalidates the prior token for that device.
type BiometricToken struct {
	ID         uuid.UUID  `db:"id"`
	UserID     uuid.UUID  `db:"user_id"`
	DeviceID   string     `db:"device_id"`
	DeviceName *string    `db:"device_name"`
	TokenHash  string     `db:"token_hash"`
	Valid      bool       `db:"valid"`
	ExpiresAt  time.Time  `db:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}
