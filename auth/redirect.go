package auth

import "github.com/jmcleod/keygate/store"

// TwoFactorRedirect picks the verification page for the strongest
// factor the user has registered: passkey, then security key, then
// TOTP, then enrollment.
func (s *Service) TwoFactorRedirect(user *store.User) string {
	switch {
	case user.RegisteredPasskey:
		return "/auth/twoFactor/passkey"
	case user.RegisteredSecurityKey:
		return "/auth/twoFactor/security-key"
	case user.RegisteredTOTP:
		return "/auth/twoFactor/totp"
	}
	return "/auth/twoFactor/setup"
}

// PasswordResetTwoFactorRedirect is the same resolution for the reset
// flow's pages.
func (s *Service) PasswordResetTwoFactorRedirect(user *store.User) string {
	switch {
	case user.RegisteredPasskey:
		return "/reset-password/2fa/passkey"
	case user.RegisteredSecurityKey:
		return "/reset-password/2fa/security-key"
	case user.RegisteredTOTP:
		return "/reset-password/2fa/totp"
	}
	return "/auth/twoFactor/setup"
}
