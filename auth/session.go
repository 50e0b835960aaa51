package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// GenerateSessionToken returns the opaque bearer secret handed to the
// client: 20 random bytes, base32-encoded. Only its hash is persisted.
func GenerateSessionToken() (string, error) {
	return util.RandomSessionToken()
}

// SessionIDFromToken derives the persisted session id from a bearer
// token.
func SessionIDFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return util.HexEncode(sum[:])
}

// CreateSession persists a session for the token with a 30-day expiry.
// twoFactorVerified is seeded by the authentication method: password
// alone seeds false, a 2FA-satisfying assertion seeds true.
func (s *Service) CreateSession(ctx context.Context, token, userID string, twoFactorVerified bool) (*store.Session, error) {
	session := &store.Session{
		ID:                SessionIDFromToken(token),
		UserID:            userID,
		ExpiresAt:         s.now().Add(SessionLifetime),
		TwoFactorVerified: twoFactorVerified,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return nil, internalf("inserting session: %v", err)
	}
	return session, nil
}

// ValidateSessionToken resolves a bearer token to its session and user.
// Expired sessions are deleted on sight; sessions inside the trailing
// renewal window get a fresh 30-day expiry. The returned user's
// aggregate 2FA state must be read through Registered2FA, never a
// stored flag.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (*store.Session, *store.User, error) {
	session, err := s.store.SessionByID(ctx, SessionIDFromToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrUnauthenticated
		}
		return nil, nil, internalf("looking up session: %v", err)
	}

	now := s.now()
	if !now.Before(session.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, session.ID); err != nil {
			return nil, nil, internalf("deleting expired session: %v", err)
		}
		return nil, nil, ErrUnauthenticated
	}
	if session.ExpiresAt.Sub(now) < SessionRenewalWindow {
		session.ExpiresAt = now.Add(SessionLifetime)
		if err := s.store.UpdateSessionExpiry(ctx, session.ID, session.ExpiresAt); err != nil {
			return nil, nil, internalf("renewing session: %v", err)
		}
	}

	user, err := s.store.UserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrUnauthenticated
		}
		return nil, nil, internalf("looking up session user: %v", err)
	}
	return session, user, nil
}

// SetSessionTwoFactorVerified lifts the 2FA gate on a session. The gate
// is one-directional here; re-locking happens only through global
// invalidation paths.
func (s *Service) SetSessionTwoFactorVerified(ctx context.Context, sessionID string) error {
	if err := s.store.SetSessionTwoFactorVerified(ctx, sessionID, true); err != nil {
		return internalf("marking session 2FA-verified: %v", err)
	}
	return nil
}

// InvalidateSession deletes one session (logout).
func (s *Service) InvalidateSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return internalf("deleting session: %v", err)
	}
	return nil
}

// InvalidateUserSessions deletes every session owned by the user, used
// after password changes and recovery resets.
func (s *Service) InvalidateUserSessions(ctx context.Context, userID string) error {
	if err := s.store.DeleteUserSessions(ctx, userID); err != nil {
		return internalf("deleting user sessions: %v", err)
	}
	return nil
}

// RequireTwoFactor rejects a 2FA-gated operation unless the session has
// passed the gate or the user has no factor registered.
func (s *Service) RequireTwoFactor(session *store.Session, user *store.User) error {
	if user.Registered2FA() && !session.TwoFactorVerified {
		return fmt.Errorf("%w: two-factor verification required", ErrForbidden)
	}
	return nil
}
