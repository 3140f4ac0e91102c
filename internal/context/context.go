package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the authenticated user's role
	RoleKey ContextKey = "role"
	// FamilyIDKey is the context key for the user's family ID
	FamilyIDKey ContextKey = "family_id"
	// SessionIDKey is the context key for the current session ID
	SessionIDKey ContextKey = "session_id"
)

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// ExtractRole extracts the user role from the request context
func ExtractRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// ExtractFamilyID extracts the family ID from the request context
func ExtractFamilyID(ctx context.Context) (string, bool) {
	familyID, ok := ctx.Value(FamilyIDKey).(string)
	return familyID, ok
}

// ExtractSessionID extracts the current session ID from the request context
func ExtractSessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(SessionIDKey).(string)
	return sessionID, ok
}
