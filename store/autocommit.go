package store

import (
	"context"
	"time"
)

// TxRunner is the single primitive a backend must provide: run fn
// atomically against a Tx.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Autocommit adapts a TxRunner into the direct (non-transactional) half of
// the Store interface by wrapping each operation in its own transaction.
// Backends embed it so they only implement WithTx and a Tx type.
type Autocommit struct {
	Runner TxRunner
}

func (a Autocommit) UserByEmail(ctx context.Context, email string) (u *User, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { u, err = tx.UserByEmail(ctx, email); return err })
	return u, err
}

func (a Autocommit) UserByID(ctx context.Context, id string) (u *User, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { u, err = tx.UserByID(ctx, id); return err })
	return u, err
}

func (a Autocommit) InsertUser(ctx context.Context, u *User) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.InsertUser(ctx, u) })
}

func (a Autocommit) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.UpdateUserPasswordHash(ctx, userID, passwordHash) })
}

func (a Autocommit) UpdateUserEmail(ctx context.Context, userID, email string, verified bool) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.UpdateUserEmail(ctx, userID, email, verified) })
}

func (a Autocommit) SetUserEmailVerified(ctx context.Context, userID, email string) (ok bool, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { ok, err = tx.SetUserEmailVerified(ctx, userID, email); return err })
	return ok, err
}

func (a Autocommit) UpdateUserRecoveryCode(ctx context.Context, userID string, encrypted []byte) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.UpdateUserRecoveryCode(ctx, userID, encrypted) })
}

func (a Autocommit) UpdateUserFactors(ctx context.Context, userID string, totp, passkey, securityKey bool) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateUserFactors(ctx, userID, totp, passkey, securityKey)
	})
}

func (a Autocommit) SessionByID(ctx context.Context, id string) (s *Session, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { s, err = tx.SessionByID(ctx, id); return err })
	return s, err
}

func (a Autocommit) InsertSession(ctx context.Context, s *Session) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.InsertSession(ctx, s) })
}

func (a Autocommit) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.UpdateSessionExpiry(ctx, id, expiresAt) })
}

func (a Autocommit) SetSessionTwoFactorVerified(ctx context.Context, id string, verified bool) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.SetSessionTwoFactorVerified(ctx, id, verified) })
}

func (a Autocommit) ClearUserSessionsTwoFactorVerified(ctx context.Context, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.ClearUserSessionsTwoFactorVerified(ctx, userID) })
}

func (a Autocommit) DeleteSession(ctx context.Context, id string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteSession(ctx, id) })
}

func (a Autocommit) DeleteUserSessions(ctx context.Context, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteUserSessions(ctx, userID) })
}

func (a Autocommit) PasswordResetSessionByID(ctx context.Context, id string) (s *PasswordResetSession, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { s, err = tx.PasswordResetSessionByID(ctx, id); return err })
	return s, err
}

func (a Autocommit) InsertPasswordResetSession(ctx context.Context, s *PasswordResetSession) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.InsertPasswordResetSession(ctx, s) })
}

func (a Autocommit) SetPasswordResetSessionEmailVerified(ctx context.Context, id string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.SetPasswordResetSessionEmailVerified(ctx, id) })
}

func (a Autocommit) SetPasswordResetSessionTwoFactorVerified(ctx context.Context, id string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.SetPasswordResetSessionTwoFactorVerified(ctx, id) })
}

func (a Autocommit) DeletePasswordResetSession(ctx context.Context, id string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeletePasswordResetSession(ctx, id) })
}

func (a Autocommit) DeleteUserPasswordResetSessions(ctx context.Context, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteUserPasswordResetSessions(ctx, userID) })
}

func (a Autocommit) TOTPCredentialByUser(ctx context.Context, userID string) (c *TOTPCredential, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { c, err = tx.TOTPCredentialByUser(ctx, userID); return err })
	return c, err
}

func (a Autocommit) UpsertTOTPCredential(ctx context.Context, c *TOTPCredential) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.UpsertTOTPCredential(ctx, c) })
}

func (a Autocommit) DeleteUserTOTPCredential(ctx context.Context, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteUserTOTPCredential(ctx, userID) })
}

func (a Autocommit) CredentialByID(ctx context.Context, ns Namespace, id []byte) (c *WebAuthnCredential, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { c, err = tx.CredentialByID(ctx, ns, id); return err })
	return c, err
}

func (a Autocommit) UserCredential(ctx context.Context, ns Namespace, userID string, id []byte) (c *WebAuthnCredential, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { c, err = tx.UserCredential(ctx, ns, userID, id); return err })
	return c, err
}

func (a Autocommit) UserCredentials(ctx context.Context, ns Namespace, userID string) (cs []*WebAuthnCredential, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { cs, err = tx.UserCredentials(ctx, ns, userID); return err })
	return cs, err
}

func (a Autocommit) InsertCredential(ctx context.Context, ns Namespace, c *WebAuthnCredential) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.InsertCredential(ctx, ns, c) })
}

func (a Autocommit) DeleteUserCredential(ctx context.Context, ns Namespace, userID string, id []byte) (ok bool, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { ok, err = tx.DeleteUserCredential(ctx, ns, userID, id); return err })
	return ok, err
}

func (a Autocommit) DeleteUserCredentials(ctx context.Context, ns Namespace, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteUserCredentials(ctx, ns, userID) })
}

func (a Autocommit) EmailVerificationRequestByUser(ctx context.Context, userID string) (r *EmailVerificationRequest, err error) {
	err = a.Runner.WithTx(ctx, func(tx Tx) error { r, err = tx.EmailVerificationRequestByUser(ctx, userID); return err })
	return r, err
}

func (a Autocommit) InsertEmailVerificationRequest(ctx context.Context, r *EmailVerificationRequest) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.InsertEmailVerificationRequest(ctx, r) })
}

func (a Autocommit) DeleteUserEmailVerificationRequests(ctx context.Context, userID string) error {
	return a.Runner.WithTx(ctx, func(tx Tx) error { return tx.DeleteUserEmailVerificationRequests(ctx, userID) })
}
