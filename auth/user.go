package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// ValidEmail performs the minimal shape check applied before any store
// lookup. Full address validation is the mail transport's problem.
func ValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return false
	}
	return len(email) < 256 && !strings.ContainsAny(email, " \t\r\n")
}

func hashPassword(password string) (string, error) {
	hash, err := util.HashPassword(password)
	if err != nil {
		return "", internalf("hashing password: %v", err)
	}
	return hash, nil
}

// CreateUser hashes the password, seals a fresh recovery code, and
// inserts the user. A duplicate email surfaces as ErrConflict.
func (s *Service) CreateUser(ctx context.Context, email, password string) (*store.User, error) {
	if !ValidEmail(email) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}

	passwordHash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	recoveryCode, err := util.RandomRecoveryCode()
	if err != nil {
		return nil, internalf("generating recovery code: %v", err)
	}
	sealed, err := s.sealSecret([]byte(recoveryCode), aadRecoveryCode)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:                     uuid.NewString(),
		Email:                  email,
		PasswordHash:           passwordHash,
		RecoveryCode:           sealed,
		RegisteredRecoveryCode: true,
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: email already in use", ErrConflict)
		}
		return nil, internalf("inserting user: %v", err)
	}
	return user, nil
}

// UserByEmail resolves a login identity. Not-found maps to
// ErrVerificationFailed so enumeration attempts learn nothing.
func (s *Service) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown identity", ErrVerificationFailed)
		}
		return nil, internalf("looking up user: %v", err)
	}
	return user, nil
}

// UserByID loads a user or fails with ErrUnauthenticated.
func (s *Service) UserByID(ctx context.Context, id string) (*store.User, error) {
	user, err := s.store.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, internalf("looking up user: %v", err)
	}
	return user, nil
}

// UpdateUserPassword replaces the stored hash. Session invalidation is
// the caller's concern; the password-change and reset flows bundle it
// in their own transactions.
func (s *Service) UpdateUserPassword(ctx context.Context, userID, password string) error {
	passwordHash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPasswordHash(ctx, userID, passwordHash); err != nil {
		return internalf("updating password hash: %v", err)
	}
	return nil
}

// VerifyUserPassword checks an attempt against the stored hash.
func (s *Service) VerifyUserPassword(user *store.User, attempt string) error {
	ok, err := util.VerifyPasswordHash(user.PasswordHash, attempt)
	if err != nil {
		return internalf("verifying password hash: %v", err)
	}
	if !ok {
		return fmt.Errorf("%w: wrong password", ErrVerificationFailed)
	}
	return nil
}

// RecoveryCode decrypts and returns the user's current recovery code.
func (s *Service) RecoveryCode(ctx context.Context, userID string) (string, error) {
	user, err := s.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	code, err := s.openSecret(user.RecoveryCode, aadRecoveryCode)
	if err != nil {
		return "", err
	}
	return string(code), nil
}
