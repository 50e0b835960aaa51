package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		result, err := env.svc.RegisterUser(ctx, "new@example.com", "correct horse battery staple")
		require.NoError(t, err)
		assert.False(t, result.Session.TwoFactorVerified)
		assert.Equal(t, "/auth/verify-email", result.Redirect)
		assert.True(t, result.User.RegisteredRecoveryCode)
		assert.False(t, result.User.Registered2FA(), "no second factor yet")

		code, err := env.svc.RecoveryCode(ctx, result.User.ID)
		require.NoError(t, err)
		assert.Len(t, code, 16)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		_, err := env.svc.RegisterUser(ctx, "new@example.com", "another fine password")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("ShortPassword", func(t *testing.T) {
		_, err := env.svc.RegisterUser(ctx, "short@example.com", "tiny")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("BreachedPassword", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.breach = &stubBreach{breached: true}
		_, err := env.svc.RegisterUser(ctx, "b@example.com", "password123456")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("BreachLookupFailureIsAnError", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.breach = &stubBreach{err: errors.New("network down")}
		_, err := env.svc.RegisterUser(ctx, "c@example.com", "correct horse battery staple")
		assert.ErrorIs(t, err, ErrInternal, "lookup failure must never pass as strong")
	})

	t.Run("MalformedEmail", func(t *testing.T) {
		_, err := env.svc.RegisterUser(ctx, "not-an-email", "correct horse battery staple")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, user, _ := env.register(t, "a@example.com")

	t.Run("UnverifiedEmailRedirect", func(t *testing.T) {
		result, err := env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		require.NoError(t, err)
		assert.False(t, result.Session.TwoFactorVerified, "password login seeds the gate closed")
		assert.Equal(t, "/auth/verify-email", result.Redirect)
	})

	t.Run("No2FARedirectsToSetup", func(t *testing.T) {
		env.verifyEmail(t, user)
		result, err := env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		require.NoError(t, err)
		assert.False(t, result.Session.TwoFactorVerified)
		assert.Equal(t, "/auth/twoFactor/setup", result.Redirect,
			"unregistered 2FA points at enrollment")
	})

	t.Run("UnknownEmailLooksLikeWrongPassword", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "ghost@example.com", "whatever password")
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("WrongPasswordThenThrottled", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "a@example.com", "wrong password entirely")
		assert.ErrorIs(t, err, ErrVerificationFailed)

		// The failed attempt advanced the backoff table; an immediate
		// retry is rejected before the password is even checked.
		_, err = env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		assert.ErrorIs(t, err, ErrRateLimited)
	})
}

func TestTwoFactorRedirectPriority(t *testing.T) {
	env := newTestEnv(t)
	_, user, _ := env.register(t, "a@example.com")

	assert.Equal(t, "/auth/twoFactor/setup", env.svc.TwoFactorRedirect(user))

	user.RegisteredTOTP = true
	assert.Equal(t, "/auth/twoFactor/totp", env.svc.TwoFactorRedirect(user))

	user.RegisteredSecurityKey = true
	assert.Equal(t, "/auth/twoFactor/security-key", env.svc.TwoFactorRedirect(user))

	user.RegisteredPasskey = true
	assert.Equal(t, "/auth/twoFactor/passkey", env.svc.TwoFactorRedirect(user),
		"passkey outranks security key outranks TOTP")
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session, user, oldToken := env.register(t, "a@example.com")

	result, err := env.svc.ChangePassword(ctx, session, user, "correct horse battery staple", "an even better passphrase")
	require.NoError(t, err)

	_, _, err = env.svc.ValidateSessionToken(ctx, oldToken)
	assert.ErrorIs(t, err, ErrUnauthenticated, "old sessions die with the old password")

	_, _, err = env.svc.ValidateSessionToken(ctx, result.Token)
	assert.NoError(t, err)

	_, err = env.svc.Login(ctx, "a@example.com", "an even better passphrase")
	assert.NoError(t, err)
}
