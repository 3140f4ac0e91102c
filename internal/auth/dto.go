package auth

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// RegisterRequest is the payload for parent account registration
type RegisterRequest struct {
	FamilyID    string `json:"family_id" validate:"required,uuid"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=100"`
	Password    string `json:"password" validate:"required"`
}

// LoginRequest is the payload for parent email/password login
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	DeviceName string `json:"device_name" validate:"omitempty,max=100"`
}

// ChildLoginRequest is the payload for child family-code/nickname/PIN login
type ChildLoginRequest struct {
	FamilyCode string `json:"family_code" validate:"required,min=1,max=32"`
	Nickname   string `json:"nickname" validate:"required,min=1,max=50"`
	PIN        string `json:"pin" validate:"required,numeric,min=4,max=6"`
	DeviceName string `json:"device_name" validate:"omitempty,max=100"`
}

// VerifyMFARequest completes a pending MFA challenge with a TOTP or backup code
type VerifyMFARequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,min=6,max=16"`
	DeviceName     string `json:"device_name" validate:"omitempty,max=100"`
}

// BiometricLoginRequest is the payload for biometric token login
type BiometricLoginRequest struct {
	DeviceID   string `json:"device_id" validate:"required,min=1,max=128"`
	Token      string `json:"token" validate:"required"`
	DeviceName string `json:"device_name" validate:"omitempty,max=100"`
}

// RefreshRequest is the payload for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutRequest is the payload for logout
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ActivateTOTPRequest confirms a pending TOTP setup with a first valid code
type ActivateTOTPRequest struct {
	SetupToken string `json:"setup_token" validate:"required"`
	Code       string `json:"code" validate:"required,len=6,numeric"`
}

// EnableBiometricRequest registers a biometric token for a device
type EnableBiometricRequest struct {
	DeviceID   string `json:"device_id" validate:"required,min=1,max=128"`
	DeviceName string `json:"device_name" validate:"omitempty,max=100"`
}

// DisableBiometricRequest removes biometric tokens for a device
type DisableBiometricRequest struct {
	DeviceID string `json:"device_id" validate:"required,min=1,max=128"`
}

// ChangePasswordRequest changes the caller's password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// UpdateChildPINRequest sets a new PIN for a child account
type UpdateChildPINRequest struct {
	PIN string `json:"pin" validate:"required,numeric,min=4,max=6"`
}

// validationDetails converts validator errors into the API error details map,
// keyed by the lowercased struct field name.
func validationDetails(err error) map[string][]string {
	details := make(map[string][]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		details["request"] = []string{"Request validation failed"}
		return details
	}

	for _, fieldErr := range validationErrors {
		field := strings.ToLower(fieldErr.Field())
		details[field] = append(details[field], validationMessage(fieldErr))
	}
	return details
}

func validationMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Must be a valid email address"
	case "uuid":
		return "Must be a valid UUID"
	case "numeric":
		return "Must contain only digits"
	case "min":
		return "Value is too short"
	case "max":
		return "Value is too long"
	case "len":
		return "Value has the wrong length"
	default:
		return "Invalid value"
	}
}
