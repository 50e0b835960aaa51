package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/keygate/store"
)

// LoginResult carries everything a transport needs after a successful
// authentication step: the raw bearer token, its session row, the user,
// and where the client should go next.
type LoginResult struct {
	Token    string
	Session  *store.Session
	User     *store.User
	Redirect string
}

// RegisterUser runs the full sign-up flow: password strength check,
// user creation with a sealed recovery code, a verification email, and
// an initial session with the 2FA gate closed.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (*LoginResult, error) {
	if err := s.VerifyPasswordStrength(ctx, password); err != nil {
		return nil, err
	}
	user, err := s.CreateUser(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if _, err := s.CreateEmailVerificationRequest(ctx, user.ID, user.Email); err != nil {
		return nil, err
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, internalf("generating session token: %v", err)
	}
	session, err := s.CreateSession(ctx, token, user.ID, false)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Token:    token,
		Session:  session,
		User:     user,
		Redirect: "/auth/verify-email",
	}, nil
}

// Login authenticates an email/password pair. Attempts are throttled
// per user id along the escalating backoff table; a correct password
// resets the throttle. The session starts with the 2FA gate closed and
// the redirect points at the strongest registered factor.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same rejection as a wrong password.
			return nil, fmt.Errorf("%w: invalid credentials", ErrVerificationFailed)
		}
		return nil, internalf("looking up user: %v", err)
	}

	if !s.loginThrottle.Consume(user.ID) {
		return nil, fmt.Errorf("%w: login throttled", ErrRateLimited)
	}
	if err := s.VerifyUserPassword(user, password); err != nil {
		return nil, err
	}
	s.loginThrottle.Reset(user.ID)

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, internalf("generating session token: %v", err)
	}
	session, err := s.CreateSession(ctx, token, user.ID, false)
	if err != nil {
		return nil, err
	}

	var redirect string
	switch {
	case !user.EmailVerified:
		redirect = "/auth/verify-email"
	case !user.Registered2FA():
		redirect = "/auth/twoFactor/setup"
	default:
		redirect = s.TwoFactorRedirect(user)
	}
	return &LoginResult{Token: token, Session: session, User: user, Redirect: redirect}, nil
}

// ChangePassword verifies the current password, then atomically swaps
// the hash and drops every existing session before minting a fresh one
// that keeps the current 2FA state.
func (s *Service) ChangePassword(ctx context.Context, session *store.Session, user *store.User, currentPassword, newPassword string) (*LoginResult, error) {
	if err := s.RequireTwoFactor(session, user); err != nil {
		return nil, err
	}
	if err := s.VerifyUserPassword(user, currentPassword); err != nil {
		return nil, err
	}
	if err := s.VerifyPasswordStrength(ctx, newPassword); err != nil {
		return nil, err
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, internalf("generating session token: %v", err)
	}
	newSession := &store.Session{
		ID:                SessionIDFromToken(token),
		UserID:            user.ID,
		ExpiresAt:         s.now().Add(SessionLifetime),
		TwoFactorVerified: session.TwoFactorVerified,
	}

	// Key derivation is CPU-bound; keep it outside the transaction.
	hash, err := hashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateUserPasswordHash(ctx, user.ID, hash); err != nil {
			return err
		}
		if err := tx.DeleteUserSessions(ctx, user.ID); err != nil {
			return err
		}
		return tx.InsertSession(ctx, newSession)
	})
	if err != nil {
		return nil, internalf("changing password: %v", err)
	}
	return &LoginResult{Token: token, Session: newSession, User: user, Redirect: "/"}, nil
}
