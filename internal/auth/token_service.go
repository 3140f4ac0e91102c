package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPurpose discriminates signed token kinds. An MFA-challenge token can
// never pass as an access token or vice versa.
type TokenPurpose string

const (
	PurposeAccess       TokenPurpose = "access"
	PurposeMFAChallenge TokenPurpose = "mfa"
)

// Claims represents the JWT claims structure for signed tokens
type Claims struct {
	DisplayName string       `json:"name,omitempty"`
	Role        string       `json:"role,omitempty"`
	FamilyID    string       `json:"family_id,omitempty"`
	SessionID   string       `json:"sid,omitempty"`
	MFAVerified bool         `json:"mfa_verified,omitempty"`
	Purpose     TokenPurpose `json:"purpose"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenService issues and validates signed bearer tokens and generates the
// opaque secrets (refresh tokens, backup codes, biometric tokens) that are
// stored only as one-way hashes.
type TokenService struct {
	signingSecret      string
	accessTokenExpiry  time.Duration
	challengeExpiry    time.Duration
	refreshTokenExpiry time.Duration
	issuer             string
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	SigningSecret      string
	AccessTokenExpiry  time.Duration
	ChallengeExpiry    time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	return &TokenService{
		signingSecret:      cfg.SigningSecret,
		accessTokenExpiry:  cfg.AccessTokenExpiry,
		challengeExpiry:    cfg.ChallengeExpiry,
		refreshTokenExpiry: cfg.RefreshTokenExpiry,
		issuer:             cfg.Issuer,
	}
}

// AccessTokenInput carries the identity claims embedded in an access token
type AccessTokenInput struct {
	UserID      string
	DisplayName string
	Role        string
	FamilyID    string
	SessionID   string
	MFAVerified bool
}

// GenerateAccessToken mints a short-lived stateless access token
func (s *TokenService) GenerateAccessToken(in AccessTokenInput) (string, error) {
	now := time.Now()

	claims := Claims{
		DisplayName: in.DisplayName,
		Role:        in.Role,
		FamilyID:    in.FamilyID,
		SessionID:   in.SessionID,
		MFAVerified: in.MFAVerified,
		Purpose:     PurposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   in.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.signingSecret))
}

// GenerateMFAChallengeToken mints a short-lived token proving only that the
// first factor succeeded. It carries the user ID and nothing else.
func (s *TokenService) GenerateMFAChallengeToken(userID string) (string, error) {
	now := time.Now()

	claims := Claims{
		Purpose: PurposeMFAChallenge,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.challengeExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.signingSecret))
}

// ValidateAccessToken validates an access token and returns the claims
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, PurposeAccess)
}

// ValidateMFAChallengeToken validates an MFA-challenge token and returns the claims
func (s *TokenService) ValidateMFAChallengeToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, PurposeMFAChallenge)
}

// validateToken validates a JWT token and checks its purpose marker. A token
// missing the purpose, or carrying the wrong one, is invalid.
func (s *TokenService) validateToken(tokenString string, expectedPurpose TokenPurpose) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.signingSecret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.Purpose != expectedPurpose {
		return nil, errors.New("invalid token purpose")
	}

	return claims, nil
}

// GenerateOpaqueToken returns a high-entropy random secret, base64url
// encoded. Used for refresh tokens and biometric tokens.
func (s *TokenService) GenerateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashOpaqueToken creates a SHA-256 hash of an opaque secret for storage.
// The hash is deterministic and unsalted: it is a lookup key, not a
// password-grade hash; the input already carries full entropy.
func (s *TokenService) HashOpaqueToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// VerifyOpaqueToken hashes the presented value and compares it to the stored
// hash in constant time.
func (s *TokenService) VerifyOpaqueToken(presented, storedHash string) bool {
	presentedHash := s.HashOpaqueToken(presented)
	return subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) == 1
}

// GetAccessTokenExpiry returns the access token expiry duration
func (s *TokenService) GetAccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}

// GetRefreshTokenExpiry returns the refresh token expiry duration
func (s *TokenService) GetRefreshTokenExpiry() time.Duration {
	return s.refreshTokenExpiry
}
