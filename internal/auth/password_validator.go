package auth

import (
	"unicode"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// MinPINLength and MaxPINLength bound child PINs
	MinPINLength = 4
	MaxPINLength = 6
)

// PasswordValidationError represents a specific credential validation failure
type PasswordValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PasswordValidator checks password and PIN complexity rules. Hashing lives
// in CredentialHasher; this only validates shape.
type PasswordValidator struct{}

// NewPasswordValidator creates a new PasswordValidator instance
func NewPasswordValidator() *PasswordValidator {
	return &PasswordValidator{}
}

// ValidatePassword checks if a password meets all complexity requirements.
// Returns a list of validation errors (empty if password is valid).
func (v *PasswordValidator) ValidatePassword(password string) []PasswordValidationError {
	var errors []PasswordValidationError

	if len(password) < MinPasswordLength {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters long",
		})
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one uppercase letter",
		})
	}

	if !hasLower {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one lowercase letter",
		})
	}

	if !hasNumber {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}

	if !hasSpecial {
		errors = append(errors, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one special character",
		})
	}

	return errors
}

// IsValidPassword returns true if the password meets all requirements
func (v *PasswordValidator) IsValidPassword(password string) bool {
	return len(v.ValidatePassword(password)) == 0
}

// ValidatePIN checks that a PIN is 4 to 6 digits
func (v *PasswordValidator) ValidatePIN(pin string) []PasswordValidationError {
	var errors []PasswordValidationError

	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		errors = append(errors, PasswordValidationError{
			Field:   "pin",
			Message: "PIN must be 4 to 6 digits",
		})
		return errors
	}

	for _, char := range pin {
		if !unicode.IsDigit(char) {
			errors = append(errors, PasswordValidationError{
				Field:   "pin",
				Message: "PIN must contain only digits",
			})
			break
		}
	}

	return errors
}

// IsValidPIN returns true if the PIN meets all requirements
func (v *PasswordValidator) IsValidPIN(pin string) bool {
	return len(v.ValidatePIN(pin)) == 0
}
