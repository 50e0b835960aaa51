package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// CreateEmailVerificationRequest issues a one-time code for the given
// address, replacing any prior request for the user, and delivers it
// through the mailer. Sends are limited to 3 per 10 minutes per user.
func (s *Service) CreateEmailVerificationRequest(ctx context.Context, userID, email string) (*store.EmailVerificationRequest, error) {
	if !s.emailBucket.Consume(userID, 1) {
		return nil, fmt.Errorf("%w: verification emails throttled", ErrRateLimited)
	}

	id, err := util.RandomSessionToken()
	if err != nil {
		return nil, internalf("generating request id: %v", err)
	}
	code, err := util.RandomOTP()
	if err != nil {
		return nil, internalf("generating verification code: %v", err)
	}
	req := &store.EmailVerificationRequest{
		ID:        id,
		UserID:    userID,
		Email:     email,
		Code:      code,
		ExpiresAt: s.now().Add(EmailVerificationLifetime),
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteUserEmailVerificationRequests(ctx, userID); err != nil {
			return err
		}
		return tx.InsertEmailVerificationRequest(ctx, req)
	})
	if err != nil {
		return nil, internalf("creating verification request: %v", err)
	}

	if err := s.mailer.SendVerificationCode(ctx, email, code); err != nil {
		return nil, internalf("sending verification code: %v", err)
	}
	return req, nil
}

// VerifyEmail checks the submitted code against the user's pending
// request. An expired request triggers a fresh code so the flow can
// recover. Success marks the account email verified and clears the
// request.
func (s *Service) VerifyEmail(ctx context.Context, userID, code string) error {
	req, err := s.store.EmailVerificationRequestByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no pending verification", ErrForbidden)
		}
		return internalf("looking up verification request: %v", err)
	}

	if !s.now().Before(req.ExpiresAt) {
		if _, err := s.CreateEmailVerificationRequest(ctx, userID, req.Email); err != nil {
			return err
		}
		return fmt.Errorf("%w: code expired, a new one was sent", ErrVerificationFailed)
	}
	if subtle.ConstantTimeCompare([]byte(req.Code), []byte(code)) != 1 {
		return fmt.Errorf("%w: wrong code", ErrVerificationFailed)
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteUserEmailVerificationRequests(ctx, userID); err != nil {
			return err
		}
		if _, err := tx.SetUserEmailVerified(ctx, userID, req.Email); err != nil {
			return err
		}
		// The address this request was issued for may carry a stale
		// reset flow; drop it.
		return tx.DeleteUserPasswordResetSessions(ctx, userID)
	})
	if err != nil {
		return internalf("marking email verified: %v", err)
	}
	s.emailBucket.Reset(userID)
	return nil
}
