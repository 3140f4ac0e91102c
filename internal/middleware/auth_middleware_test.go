package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/famledger/famledger/internal/auth"
	appctx "github.com/famledger/famledger/internal/context"
)

type stubSessionValidator struct {
	err error
}

func (s *stubSessionValidator) CheckSession(ctx context.Context, sessionID string) error {
	return s.err
}

func newTestMiddleware() (*AuthMiddleware, *auth.TokenService) {
	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret:      "middleware-test-secret",
		AccessTokenExpiry:  15 * time.Minute,
		ChallengeExpiry:    5 * time.Minute,
		RefreshTokenExpiry: 30 * 24 * time.Hour,
		Issuer:             "famledger-test",
	})
	return NewAuthMiddleware(tokens, &stubSessionValidator{}), tokens
}

func TestAuthenticateValidToken(t *testing.T) {
	mw, tokens := newTestMiddleware()

	token, err := tokens.GenerateAccessToken(auth.AccessTokenInput{
		UserID:    "user-123",
		Role:      "parent",
		FamilyID:  "family-456",
		SessionID: "session-789",
	})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}

	var gotUserID, gotRole, gotFamilyID, gotSessionID string
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = appctx.ExtractUserID(r.Context())
		gotRole, _ = appctx.ExtractRole(r.Context())
		gotFamilyID, _ = appctx.ExtractFamilyID(r.Context())
		gotSessionID, _ = appctx.ExtractSessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != "user-123" {
		t.Errorf("unexpected user ID in context: %s", gotUserID)
	}
	if gotRole != "parent" {
		t.Errorf("unexpected role in context: %s", gotRole)
	}
	if gotFamilyID != "family-456" {
		t.Errorf("unexpected family ID in context: %s", gotFamilyID)
	}
	if gotSessionID != "session-789" {
		t.Errorf("unexpected session ID in context: %s", gotSessionID)
	}
}

func TestAuthenticateRejectsChallengeToken(t *testing.T) {
	mw, tokens := newTestMiddleware()

	challenge, err := tokens.GenerateMFAChallengeToken("user-123")
	if err != nil {
		t.Fatalf("GenerateMFAChallengeToken returned error: %v", err)
	}

	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler reached with a challenge token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+challenge)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code != "AUTH_TOKEN_INVALID" {
		t.Errorf("unexpected error code: %s", resp.Error.Code)
	}
}

func TestAuthenticateRevokedSession(t *testing.T) {
	mw, tokens := newTestMiddleware()
	mw.sessions = &stubSessionValidator{err: auth.ErrSessionNotFound}

	token, err := tokens.GenerateAccessToken(auth.AccessTokenInput{
		UserID:    "user-123",
		SessionID: "session-789",
	})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}

	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler reached with a revoked session")
	}))

	// The token itself is still valid; only the session behind it is gone
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code != "AUTH_TOKEN_INVALID" {
		t.Errorf("unexpected error code: %s", resp.Error.Code)
	}
}

func TestAuthenticateHeaderErrors(t *testing.T) {
	mw, _ := newTestMiddleware()

	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler reached without valid credentials")
	}))

	tests := []struct {
		name     string
		header   string
		wantCode string
	}{
		{"missing header", "", "AUTH_TOKEN_MISSING"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "AUTH_TOKEN_INVALID"},
		{"no token", "Bearer ", "AUTH_TOKEN_INVALID"},
		{"garbage token", "Bearer not.a.jwt", "AUTH_TOKEN_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}

			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	mw, _ := newTestMiddleware()

	expired := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret:      "middleware-test-secret",
		AccessTokenExpiry:  -time.Minute,
		ChallengeExpiry:    5 * time.Minute,
		RefreshTokenExpiry: 30 * 24 * time.Hour,
		Issuer:             "famledger-test",
	})

	token, err := expired.GenerateAccessToken(auth.AccessTokenInput{UserID: "user-123"})
	if err != nil {
		t.Fatalf("GenerateAccessToken returned error: %v", err)
	}

	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler reached with an expired token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
