package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/famledger/famledger/internal/repository"
)

var (
	// ErrEmailExists indicates the registration email is already taken
	ErrEmailExists = errors.New("email already registered")
	// ErrWeakCredential indicates the new password or PIN failed validation
	ErrWeakCredential = errors.New("credential does not meet requirements")
)

// RegisterParentInput carries the fields needed to create a parent account
type RegisterParentInput struct {
	FamilyID    uuid.UUID
	Email       string
	DisplayName string
	Password    string
}

// AccountService handles account registration and credential changes
type AccountService struct {
	users          repository.UserRepository
	sessions       repository.SessionRepository
	passwordHasher *CredentialHasher
	pinHasher      *CredentialHasher
	validator      *PasswordValidator
	logger         *slog.Logger
}

// NewAccountService creates a new AccountService
func NewAccountService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	passwordHasher *CredentialHasher,
	pinHasher *CredentialHasher,
	validator *PasswordValidator,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		users:          users,
		sessions:       sessions,
		passwordHasher: passwordHasher,
		pinHasher:      pinHasher,
		validator:      validator,
		logger:         logger,
	}
}

// RegisterParent creates a parent account with a password credential.
// The email is stored lowercased and must be unique across all families.
func (s *AccountService) RegisterParent(ctx context.Context, input RegisterParentInput) (*repository.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	if errs := s.validator.ValidatePassword(input.Password); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWeakCredential, errs[0].Message)
	}

	exists, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, ErrEmailExists
	}

	hash, err := s.passwordHasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &repository.User{
		FamilyID:     input.FamilyID,
		Role:         repository.RoleParent,
		Email:        &email,
		DisplayName:  input.DisplayName,
		PasswordHash: &hash,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("parent account registered",
		slog.String("user_id", user.ID.String()),
		slog.String("family_id", input.FamilyID.String()))

	return user, nil
}

// UpdatePassword changes a parent's password after verifying the current one.
// All other sessions of the user are revoked.
func (s *AccountService) UpdatePassword(ctx context.Context, userID uuid.UUID, currentSessionID uuid.UUID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to get user: %w", err)
	}

	if user.PasswordHash == nil || !s.passwordHasher.Verify(currentPassword, *user.PasswordHash) {
		return ErrInvalidCredentials
	}

	if errs := s.validator.ValidatePassword(newPassword); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrWeakCredential, errs[0].Message)
	}

	hash, err := s.passwordHasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if _, err := s.sessions.RevokeAllExcept(ctx, userID, currentSessionID); err != nil {
		s.logger.Error("failed to revoke sessions after password change",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()))
	}

	s.logger.Info("password updated", slog.String("user_id", userID.String()))
	return nil
}

// UpdateChildPIN lets a parent set a new PIN for a child in their family.
// All of the child's sessions are revoked.
func (s *AccountService) UpdateChildPIN(ctx context.Context, parentFamilyID, childID uuid.UUID, newPIN string) error {
	child, err := s.users.GetByID(ctx, childID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to get user: %w", err)
	}

	if child.FamilyID != parentFamilyID || child.Role != repository.RoleChild {
		return ErrUserNotFound
	}

	if errs := s.validator.ValidatePIN(newPIN); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrWeakCredential, errs[0].Message)
	}

	hash, err := s.pinHasher.Hash(newPIN)
	if err != nil {
		return fmt.Errorf("failed to hash pin: %w", err)
	}

	if err := s.users.UpdatePINHash(ctx, childID, hash); err != nil {
		return fmt.Errorf("failed to update pin: %w", err)
	}

	if _, err := s.sessions.RevokeAllForUser(ctx, childID); err != nil {
		s.logger.Error("failed to revoke sessions after pin change",
			slog.String("user_id", childID.String()),
			slog.String("error", err.Error()))
	}

	s.logger.Info("child pin updated",
		slog.String("user_id", childID.String()),
		slog.String("family_id", parentFamilyID.String()))
	return nil
}
