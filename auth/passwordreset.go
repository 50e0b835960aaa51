package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// CreatePasswordResetSession starts a reset flow for the user: prior
// reset sessions are invalidated, a new one is created with both gates
// closed, and the one-time code is delivered to the account email. The
// returned token is the bearer secret for the flow.
func (s *Service) CreatePasswordResetSession(ctx context.Context, email string) (string, *store.PasswordResetSession, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: unknown identity", ErrVerificationFailed)
		}
		return "", nil, internalf("looking up user: %v", err)
	}

	if !s.emailBucket.Consume(user.ID, 1) {
		return "", nil, fmt.Errorf("%w: reset emails throttled", ErrRateLimited)
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return "", nil, internalf("generating reset token: %v", err)
	}
	code, err := util.RandomOTP()
	if err != nil {
		return "", nil, internalf("generating reset code: %v", err)
	}
	session := &store.PasswordResetSession{
		ID:        SessionIDFromToken(token),
		UserID:    user.ID,
		Email:     user.Email,
		Code:      code,
		ExpiresAt: s.now().Add(ResetSessionLifetime),
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteUserPasswordResetSessions(ctx, user.ID); err != nil {
			return err
		}
		return tx.InsertPasswordResetSession(ctx, session)
	})
	if err != nil {
		return "", nil, internalf("creating reset session: %v", err)
	}

	if err := s.mailer.SendVerificationCode(ctx, user.Email, code); err != nil {
		return "", nil, internalf("sending reset code: %v", err)
	}
	return token, session, nil
}

// ValidatePasswordResetToken resolves a reset bearer token, deleting
// the session on expiry.
func (s *Service) ValidatePasswordResetToken(ctx context.Context, token string) (*store.PasswordResetSession, *store.User, error) {
	session, err := s.store.PasswordResetSessionByID(ctx, SessionIDFromToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrUnauthenticated
		}
		return nil, nil, internalf("looking up reset session: %v", err)
	}
	if !s.now().Before(session.ExpiresAt) {
		if err := s.store.DeletePasswordResetSession(ctx, session.ID); err != nil {
			return nil, nil, internalf("deleting expired reset session: %v", err)
		}
		return nil, nil, ErrUnauthenticated
	}
	user, err := s.store.UserByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, internalf("looking up reset user: %v", err)
	}
	return session, user, nil
}

// VerifyPasswordResetEmail checks the emailed code and opens the first
// gate. The account email is marked verified at the same time since
// possession of the code proves control of the mailbox.
func (s *Service) VerifyPasswordResetEmail(ctx context.Context, session *store.PasswordResetSession, code string) error {
	if session.EmailVerified {
		return fmt.Errorf("%w: email already verified", ErrForbidden)
	}
	if !s.emailBucket.Check(session.UserID, 1) {
		return fmt.Errorf("%w: verification attempts exhausted", ErrRateLimited)
	}
	if subtle.ConstantTimeCompare([]byte(session.Code), []byte(code)) != 1 {
		s.emailBucket.Consume(session.UserID, 1)
		return fmt.Errorf("%w: wrong code", ErrVerificationFailed)
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.SetPasswordResetSessionEmailVerified(ctx, session.ID); err != nil {
			return err
		}
		_, err := tx.SetUserEmailVerified(ctx, session.UserID, session.Email)
		return err
	})
	if err != nil {
		return internalf("marking reset email verified: %v", err)
	}
	session.EmailVerified = true
	s.emailBucket.Reset(session.UserID)
	return nil
}

// SetPasswordResetSessionTwoFactorVerified opens the second gate after
// a successful factor verification inside the reset flow.
func (s *Service) SetPasswordResetSessionTwoFactorVerified(ctx context.Context, sessionID string) error {
	if err := s.store.SetPasswordResetSessionTwoFactorVerified(ctx, sessionID); err != nil {
		return internalf("marking reset session 2FA-verified: %v", err)
	}
	return nil
}

// CompletePasswordReset finishes the flow once both gates are open:
// inside one transaction the password hash is replaced, every session
// and reset session for the user is dropped, and a fresh session is
// minted carrying the 2FA state earned during the flow.
func (s *Service) CompletePasswordReset(ctx context.Context, session *store.PasswordResetSession, user *store.User, newPassword string) (*LoginResult, error) {
	if !session.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if user.Registered2FA() && !session.TwoFactorVerified {
		return nil, fmt.Errorf("%w: two-factor verification required", ErrForbidden)
	}
	if err := s.VerifyPasswordStrength(ctx, newPassword); err != nil {
		return nil, err
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
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

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteUserPasswordResetSessions(ctx, user.ID); err != nil {
			return err
		}
		if err := tx.UpdateUserPasswordHash(ctx, user.ID, hash); err != nil {
			return err
		}
		if err := tx.DeleteUserSessions(ctx, user.ID); err != nil {
			return err
		}
		return tx.InsertSession(ctx, newSession)
	})
	if err != nil {
		return nil, internalf("completing password reset: %v", err)
	}
	return &LoginResult{Token: token, Session: newSession, User: user, Redirect: "/"}, nil
}
