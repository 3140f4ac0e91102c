package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	appctx "github.com/famledger/famledger/internal/context"
	"github.com/famledger/famledger/internal/sanitizer"
)

// MFAHandler handles HTTP requests for second-factor management endpoints.
// All routes require an authenticated session.
type MFAHandler struct {
	mfa       *MFAService
	sanitizer sanitizer.MetadataSanitizer
	logger    *slog.Logger
}

// NewMFAHandler creates a new MFAHandler instance
func NewMFAHandler(mfa *MFAService, metaSanitizer sanitizer.MetadataSanitizer, logger *slog.Logger) *MFAHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MFAHandler{
		mfa:       mfa,
		sanitizer: metaSanitizer,
		logger:    logger,
	}
}

// SetupTOTP starts TOTP enrollment and returns the provisioning secret
// POST /api/v1/auth/mfa/totp/setup
func (h *MFAHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	setup, err := h.mfa.SetupTOTP(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return
		}
		h.logger.Error("totp setup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, setup)
}

// ActivateTOTP confirms a pending TOTP enrollment with a first valid code
// POST /api/v1/auth/mfa/totp/activate
func (h *MFAHandler) ActivateTOTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req ActivateTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	if err := h.mfa.ActivateTOTP(r.Context(), userID, req.SetupToken, req.Code); err != nil {
		switch {
		case errors.Is(err, ErrNoPendingSetup):
			h.writeError(w, http.StatusConflict, "NO_PENDING_SETUP", "No TOTP setup in progress", nil)
		case errors.Is(err, ErrInvalidMFACode):
			h.writeError(w, http.StatusUnauthorized, CodeInvalidChallenge, "Invalid setup token or code", nil)
		default:
			h.logger.Error("totp activation failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "TOTP enabled",
	})
}

// RegenerateBackupCodes replaces all unused backup codes and returns the new
// plaintext codes. They are shown exactly once.
// POST /api/v1/auth/mfa/backup-codes
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	codes, err := h.mfa.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		h.logger.Error("backup code regeneration failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"backup_codes": codes,
	})
}

// EnableBiometric registers a biometric token for the calling device
// POST /api/v1/auth/mfa/biometric
func (h *MFAHandler) EnableBiometric(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req EnableBiometricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	token, err := h.mfa.EnableBiometric(r.Context(), userID, req.DeviceID, h.sanitizer.DeviceName(req.DeviceName))
	if err != nil {
		h.logger.Error("biometric enrollment failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]string{
		"biometric_token": token,
	})
}

// DisableBiometric invalidates biometric tokens for a device
// DELETE /api/v1/auth/mfa/biometric
func (h *MFAHandler) DisableBiometric(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req DisableBiometricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	if err := h.mfa.DisableBiometric(r.Context(), userID, req.DeviceID); err != nil {
		h.logger.Error("biometric removal failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Biometric login disabled",
	})
}

// callerID extracts the authenticated user ID, writing a 401 when missing
func (h *MFAHandler) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return uuid.Nil, false
	}
	return userID, true
}

// writeSuccess writes a successful JSON response
func (h *MFAHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
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
func (h *MFAHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
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
