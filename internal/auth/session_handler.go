package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appctx "github.com/famledger/famledger/internal/context"
)

// SessionHandler handles HTTP requests for session management endpoints.
// All routes require an authenticated session.
type SessionHandler struct {
	sessions *SessionService
	logger   *slog.Logger
}

// NewSessionHandler creates a new SessionHandler instance
func NewSessionHandler(sessions *SessionService, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// List returns the caller's active sessions with the current one flagged
// GET /api/v1/auth/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// Revoke ends one of the caller's sessions
// DELETE /api/v1/auth/sessions/{id}
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Session ID must be a valid UUID", nil)
		return
	}

	if err := h.sessions.RevokeSession(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
			return
		}
		h.logger.Error("failed to revoke session", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Session revoked",
	})
}

// RevokeOthers ends every session of the caller except the current one
// POST /api/v1/auth/sessions/revoke-others
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	revoked, err := h.sessions.RevokeOtherSessions(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("failed to revoke other sessions", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"revoked_count": revoked,
	})
}

// LogoutAll ends every session of the caller, including the current one
// POST /api/v1/auth/sessions/logout-all
func (h *SessionHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	revoked, err := h.sessions.RevokeAllSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to revoke all sessions", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"revoked_count": revoked,
	})
}

// History returns the caller's recent login attempts, newest first
// GET /api/v1/auth/sessions/history
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.callerIDs(w, r)
	if !ok {
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	history, err := h.sessions.LoginHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to load login history", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"history": history,
	})
}

// callerIDs extracts the authenticated user and session IDs from the request
// context, writing a 401 response when either is missing.
func (h *SessionHandler) callerIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
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

// writeSuccess writes a successful JSON response
func (h *SessionHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
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
func (h *SessionHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
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
