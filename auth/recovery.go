package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// ResetTwoFactorWithRecoveryCode performs the destructive all-factors
// reset. After the supplied code matches the stored one, a single
// transaction rotates the recovery code, closes the 2FA gate on every
// session, and deletes every TOTP, passkey, and security-key credential
// the user has. Partial application is a correctness violation, so any
// failure rolls the whole operation back. Attempts are limited to 3 per
// hour per user.
//
// The new recovery code is returned for one-time display.
func (s *Service) ResetTwoFactorWithRecoveryCode(ctx context.Context, userID, code string) (string, error) {
	if !s.recoveryBucket.Consume(userID, 1) {
		return "", fmt.Errorf("%w: recovery attempts throttled", ErrRateLimited)
	}

	newCode, err := util.RandomRecoveryCode()
	if err != nil {
		return "", internalf("generating recovery code: %v", err)
	}
	sealedNew, err := s.sealSecret([]byte(newCode), aadRecoveryCode)
	if err != nil {
		return "", err
	}

	var wrongCode bool
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		user, err := tx.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		stored, err := s.openSecret(user.RecoveryCode, aadRecoveryCode)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(stored, []byte(code)) != 1 {
			wrongCode = true
			return fmt.Errorf("recovery code mismatch")
		}

		if err := tx.UpdateUserRecoveryCode(ctx, userID, sealedNew); err != nil {
			return err
		}
		if err := tx.ClearUserSessionsTwoFactorVerified(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteUserTOTPCredential(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteUserCredentials(ctx, store.NamespacePasskey, userID); err != nil {
			return err
		}
		if err := tx.DeleteUserCredentials(ctx, store.NamespaceSecurityKey, userID); err != nil {
			return err
		}
		return tx.UpdateUserFactors(ctx, userID, false, false, false)
	})
	if err != nil {
		if wrongCode {
			return "", fmt.Errorf("%w: wrong recovery code", ErrVerificationFailed)
		}
		return "", internalf("recovery reset: %v", err)
	}

	s.recoveryBucket.Reset(userID)
	return newCode, nil
}
