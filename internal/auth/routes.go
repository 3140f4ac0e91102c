package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// Public routes handle login flows; protected routes require a valid access
// token. loginLimiter throttles the credential-bearing public routes.
func RegisterRoutes(
	r chi.Router,
	handler *AuthHandler,
	mfaHandler *MFAHandler,
	sessionHandler *SessionHandler,
	authMiddleware Middleware,
	loginLimiter Middleware,
) {
	r.Route("/auth", func(r chi.Router) {
		// Public routes (no authentication required)
		r.Group(func(r chi.Router) {
			if loginLimiter != nil {
				r.Use(loginLimiter)
			}
			r.Post("/register", handler.Register)
			r.Post("/login", handler.Login)
			r.Post("/login/child", handler.LoginChild)
			r.Post("/login/biometric", handler.BiometricLogin)
			r.Post("/mfa/verify", handler.VerifyMFA)
		})
		r.Post("/refresh", handler.Refresh)
		r.Post("/logout", handler.Logout)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Put("/password", handler.ChangePassword)
			r.Put("/children/{id}/pin", handler.UpdateChildPIN)

			r.Post("/mfa/totp/setup", mfaHandler.SetupTOTP)
			r.Post("/mfa/totp/activate", mfaHandler.ActivateTOTP)
			r.Post("/mfa/backup-codes", mfaHandler.RegenerateBackupCodes)
			r.Post("/mfa/biometric", mfaHandler.EnableBiometric)
			r.Delete("/mfa/biometric", mfaHandler.DisableBiometric)

			r.Get("/sessions", sessionHandler.List)
			r.Delete("/sessions/{id}", sessionHandler.Revoke)
			r.Post("/sessions/revoke-others", sessionHandler.RevokeOthers)
			r.Post("/sessions/logout-all", sessionHandler.LogoutAll)
			r.Get("/sessions/history", sessionHandler.History)
		})
	})
}
