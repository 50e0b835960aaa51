package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

const totpKeySize = 20

// GenerateTOTPKey returns a fresh 20-byte shared secret for enrollment.
func GenerateTOTPKey() ([]byte, error) {
	return util.RandomBytes(totpKeySize)
}

// verifyTOTPCode validates a 6-digit code against the shared key with a
// one-step grace window in both directions (30-second steps).
func (s *Service) verifyTOTPCode(key []byte, code string) (bool, error) {
	ok, err := totp.ValidateCustom(code, util.Base32UpperNoPadding(key), s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// A malformed user code (wrong length or charset) is a failed
		// check, not an internal fault.
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, internalf("validating TOTP code: %v", err)
	}
	return ok, nil
}

// SetupTOTP enrolls (or replaces) the user's TOTP key after the user
// proves possession by submitting a valid code for it. Key updates are
// limited to 3 per 10 minutes per user. On success the session's 2FA
// gate opens.
func (s *Service) SetupTOTP(ctx context.Context, session *store.Session, user *store.User, key []byte, code string) error {
	if len(key) != totpKeySize {
		return fmt.Errorf("%w: TOTP key must be %d bytes", ErrInvalidInput, totpKeySize)
	}
	if !s.totpSetupBucket.Consume(user.ID, 1) {
		return fmt.Errorf("%w: TOTP setup throttled", ErrRateLimited)
	}
	ok, err := s.verifyTOTPCode(key, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong TOTP code", ErrVerificationFailed)
	}

	sealed, err := s.sealSecret(key, aadTOTPKey)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertTOTPCredential(ctx, &store.TOTPCredential{UserID: user.ID, Key: sealed}); err != nil {
			return err
		}
		if err := tx.UpdateUserFactors(ctx, user.ID, true, user.RegisteredPasskey, user.RegisteredSecurityKey); err != nil {
			return err
		}
		return tx.SetSessionTwoFactorVerified(ctx, session.ID, true)
	})
	if err != nil {
		return internalf("storing TOTP credential: %v", err)
	}
	user.RegisteredTOTP = true
	session.TwoFactorVerified = true
	return nil
}

// VerifyTOTP checks a code against the stored credential. Attempts are
// limited to 5 per 30-minute window per user; a success resets the
// window so a legitimate user cannot be locked out by their own
// retries, and opens the session's 2FA gate.
func (s *Service) VerifyTOTP(ctx context.Context, session *store.Session, user *store.User, code string) error {
	if !user.EmailVerified {
		return fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if !user.RegisteredTOTP {
		return fmt.Errorf("%w: TOTP not registered", ErrForbidden)
	}
	if !s.totpBucket.Consume(user.ID, 1) {
		return fmt.Errorf("%w: TOTP attempts throttled", ErrRateLimited)
	}

	cred, err := s.store.TOTPCredentialByUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: TOTP not registered", ErrForbidden)
		}
		return internalf("looking up TOTP credential: %v", err)
	}
	key, err := s.openSecret(cred.Key, aadTOTPKey)
	if err != nil {
		return err
	}
	ok, err := s.verifyTOTPCode(key, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong TOTP code", ErrVerificationFailed)
	}

	s.totpBucket.Reset(user.ID)
	if err := s.SetSessionTwoFactorVerified(ctx, session.ID); err != nil {
		return err
	}
	session.TwoFactorVerified = true
	return nil
}

// VerifyPasswordResetTOTP is the reset-flow variant: it opens the reset
// session's 2FA gate instead of a primary session's.
func (s *Service) VerifyPasswordResetTOTP(ctx context.Context, resetSession *store.PasswordResetSession, user *store.User, code string) error {
	if !resetSession.EmailVerified {
		return fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if !user.RegisteredTOTP {
		return fmt.Errorf("%w: TOTP not registered", ErrForbidden)
	}
	if !s.totpBucket.Consume(user.ID, 1) {
		return fmt.Errorf("%w: TOTP attempts throttled", ErrRateLimited)
	}

	cred, err := s.store.TOTPCredentialByUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: TOTP not registered", ErrForbidden)
		}
		return internalf("looking up TOTP credential: %v", err)
	}
	key, err := s.openSecret(cred.Key, aadTOTPKey)
	if err != nil {
		return err
	}
	ok, err := s.verifyTOTPCode(key, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong TOTP code", ErrVerificationFailed)
	}

	s.totpBucket.Reset(user.ID)
	if err := s.SetPasswordResetSessionTwoFactorVerified(ctx, resetSession.ID); err != nil {
		return err
	}
	resetSession.TwoFactorVerified = true
	return nil
}

// DeleteTOTPCredential unenrolls TOTP for the user.
func (s *Service) DeleteTOTPCredential(ctx context.Context, session *store.Session, user *store.User) error {
	if err := s.RequireTwoFactor(session, user); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteUserTOTPCredential(ctx, user.ID); err != nil {
			return err
		}
		return tx.UpdateUserFactors(ctx, user.ID, false, user.RegisteredPasskey, user.RegisteredSecurityKey)
	})
	if err != nil {
		return internalf("deleting TOTP credential: %v", err)
	}
	user.RegisteredTOTP = false
	return nil
}
