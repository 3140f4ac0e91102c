package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appctx "github.com/famledger/famledger/internal/context"
	"github.com/famledger/famledger/internal/repository"
	"github.com/famledger/famledger/internal/sanitizer"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// AuthHandler handles HTTP requests for login and account endpoints
type AuthHandler struct {
	logins    *LoginService
	accounts  *AccountService
	mfa       *MFAService
	sessions  *SessionService
	sanitizer sanitizer.MetadataSanitizer
	logger    *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(
	logins *LoginService,
	accounts *AccountService,
	mfa *MFAService,
	sessions *SessionService,
	metaSanitizer sanitizer.MetadataSanitizer,
	logger *slog.Logger,
) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		logins:    logins,
		accounts:  accounts,
		mfa:       mfa,
		sessions:  sessions,
		sanitizer: metaSanitizer,
		logger:    logger,
	}
}

// Register handles parent account registration
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	familyID, err := uuid.Parse(req.FamilyID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "family_id must be a valid UUID", nil)
		return
	}

	user, err := h.accounts.RegisterParent(r.Context(), RegisterParentInput{
		FamilyID:    familyID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailExists):
			h.writeError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
		case errors.Is(err, ErrWeakCredential):
			details := map[string][]string{"password": {credentialErrorMessage(err)}}
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		default:
			h.logger.Error("registration failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"user": UserSummary{
			ID:          user.ID.String(),
			DisplayName: user.DisplayName,
			Role:        string(user.Role),
			FamilyID:    user.FamilyID.String(),
		},
	})
}

// Login handles parent email/password authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	result, err := h.logins.LoginParent(r.Context(), req.Email, req.Password, h.loginMetadata(r, req.DeviceName))
	if err != nil {
		h.handleLoginError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// LoginChild handles child family-code/nickname/PIN authentication
// POST /api/v1/auth/login/child
func (h *AuthHandler) LoginChild(w http.ResponseWriter, r *http.Request) {
	var req ChildLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	result, err := h.logins.LoginChild(r.Context(), req.FamilyCode, req.Nickname, req.PIN, h.loginMetadata(r, req.DeviceName))
	if err != nil {
		h.handleLoginError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// VerifyMFA completes a pending MFA challenge with a TOTP or backup code
// POST /api/v1/auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req VerifyMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	result, err := h.logins.CompleteTOTPLogin(r.Context(), req.ChallengeToken, req.Code, h.loginMetadata(r, req.DeviceName))
	if err != nil {
		if errors.Is(err, ErrInvalidChallenge) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidChallenge, "Invalid or expired challenge token", nil)
			return
		}
		h.handleLoginError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// BiometricLogin authenticates with a stored biometric token
// POST /api/v1/auth/login/biometric
func (h *AuthHandler) BiometricLogin(w http.ResponseWriter, r *http.Request) {
	var req BiometricLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	result, err := h.mfa.LoginBiometric(r.Context(), req.DeviceID, req.Token, h.loginMetadata(r, req.DeviceName))
	if err != nil {
		h.handleLoginError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result)
}

// Refresh rotates a refresh token and issues a new token pair
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if req.RefreshToken == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "refresh_token is required", nil)
		return
	}

	creds, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid or expired refresh token", nil)
			return
		}
		h.logger.Error("token refresh failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"tokens": creds,
	})
}

// Logout revokes the session behind a refresh token
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if req.RefreshToken == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "refresh_token is required", nil)
		return
	}

	if err := h.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "Invalid refresh token", nil)
			return
		}
		h.logger.Error("logout failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// ChangePassword updates the caller's password
// PUT /api/v1/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	err := h.accounts.UpdatePassword(r.Context(), userID, sessionID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Current password is incorrect", nil)
		case errors.Is(err, ErrWeakCredential):
			details := map[string][]string{"new_password": {credentialErrorMessage(err)}}
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		default:
			h.logger.Error("password change failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password updated",
	})
}

// UpdateChildPIN lets a parent set a new PIN for a child in their family
// PUT /api/v1/auth/children/{id}/pin
func (h *AuthHandler) UpdateChildPIN(w http.ResponseWriter, r *http.Request) {
	role, ok := appctx.ExtractRole(r.Context())
	if !ok || role != string(repository.RoleParent) {
		h.writeError(w, http.StatusForbidden, "FORBIDDEN", "Only parents can update a child PIN", nil)
		return
	}

	familyIDStr, ok := appctx.ExtractFamilyID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}
	familyID, err := uuid.Parse(familyIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	childID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Child ID must be a valid UUID", nil)
		return
	}

	var req UpdateChildPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	if err := h.accounts.UpdateChildPIN(r.Context(), familyID, childID, req.PIN); err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "Child not found", nil)
		case errors.Is(err, ErrWeakCredential):
			details := map[string][]string{"pin": {credentialErrorMessage(err)}}
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		default:
			h.logger.Error("child pin update failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "PIN updated",
	})
}

// handleLoginError maps login path errors to HTTP responses. All credential
// failures share one response so the API does not reveal which part failed.
func (h *AuthHandler) handleLoginError(w http.ResponseWriter, err error) {
	var lockedErr *AccountLockedError
	var lockoutErr *TemporaryLockoutError

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials", nil)
	case errors.As(err, &lockedErr):
		h.writeError(w, http.StatusForbidden, CodeAccountLocked, lockedErr.Error(), nil)
	case errors.As(err, &lockoutErr):
		details := map[string][]string{
			"retry_after": {strconv.Itoa(lockoutErr.RemainingMinutes() * 60)},
		}
		h.writeError(w, http.StatusTooManyRequests, CodeAccountLocked, lockoutErr.Error(), details)
	case errors.Is(err, ErrInvalidChallenge):
		h.writeError(w, http.StatusUnauthorized, CodeInvalidChallenge, "Invalid or expired challenge token", nil)
	default:
		h.logger.Error("login failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// callerIDs extracts the authenticated user and session IDs from the request
// context, writing a 401 response when either is missing.
func (h *AuthHandler) callerIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userIDStr, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}

	sessionIDStr, ok := appctx.ExtractSessionID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, uuid.Nil, false
	}

	return userID, sessionID, true
}

// loginMetadata builds the audit metadata for a login attempt, sanitizing
// all client-supplied free text.
func (h *AuthHandler) loginMetadata(r *http.Request, deviceName string) LoginMetadata {
	return LoginMetadata{
		IPAddress:  getClientIP(r),
		UserAgent:  h.sanitizer.UserAgent(r.UserAgent()),
		DeviceName: h.sanitizer.DeviceName(deviceName),
	}
}

// credentialErrorMessage strips the wrapping sentinel prefix from a
// ErrWeakCredential error for client display.
func credentialErrorMessage(err error) string {
	msg := err.Error()
	prefix := ErrWeakCredential.Error() + ": "
	if strings.HasPrefix(msg, prefix) {
		return msg[len(prefix):]
	}
	return "Credential does not meet requirements"
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
