// Package store defines the persistence gateway consumed by the
// authentication core. Implementations live in the memory, bbolt, and
// postgres subpackages; the core only ever sees this contract.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a uniqueness constraint
// (duplicate email, duplicate credential id).
var ErrConflict = errors.New("record already exists")

// Namespace separates the two WebAuthn credential tables. Passkeys and
// security keys share a wire format but never share rows.
type Namespace string

const (
	NamespacePasskey     Namespace = "passkey"
	NamespaceSecurityKey Namespace = "security_key"
)

// User is an account row. RecoveryCode holds the AES-GCM ciphertext of the
// current recovery code; the plaintext never touches storage.
type User struct {
	ID                     string `json:"id"`
	Email                  string `json:"email"`
	EmailVerified          bool   `json:"email_verified"`
	PasswordHash           string `json:"password_hash"`
	RecoveryCode           []byte `json:"recovery_code"`
	RegisteredTOTP         bool   `json:"registered_totp"`
	RegisteredPasskey      bool   `json:"registered_passkey"`
	RegisteredSecurityKey  bool   `json:"registered_security_key"`
	RegisteredRecoveryCode bool   `json:"registered_recovery_code"`
}

// Registered2FA reports whether any second factor is set up. Callers must
// use this union rather than trusting a stored aggregate flag.
func (u *User) Registered2FA() bool {
	return u.RegisteredTOTP || u.RegisteredPasskey || u.RegisteredSecurityKey
}

// Session is a primary session row. ID is hex(SHA-256(token)); the raw
// token is never persisted.
type Session struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ExpiresAt         time.Time `json:"expires_at"`
	TwoFactorVerified bool      `json:"two_factor_verified"`
}

// PasswordResetSession is a short-lived reset session row with independent
// email and two-factor gates.
type PasswordResetSession struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Email             string    `json:"email"`
	Code              string    `json:"code"`
	ExpiresAt         time.Time `json:"expires_at"`
	EmailVerified     bool      `json:"email_verified"`
	TwoFactorVerified bool      `json:"two_factor_verified"`
}

// TOTPCredential stores a user's encrypted 20-byte TOTP key. One per user.
type TOTPCredential struct {
	UserID string `json:"user_id"`
	Key    []byte `json:"key"`
}

// WebAuthnCredential is a registered passkey or security key. ID is the
// raw credential id bytes; PublicKey is SEC1-uncompressed (ES256) or
// PKCS#1 (RS256), selected by Algorithm (COSE identifier).
type WebAuthnCredential struct {
	ID        []byte `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Algorithm int32  `json:"algorithm"`
	PublicKey []byte `json:"public_key"`
}

// EmailVerificationRequest is a pending one-time email verification code.
type EmailVerificationRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tx is the read/write surface available both directly on a Store and
// inside a transaction.
type Tx interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	InsertUser(ctx context.Context, u *User) error
	UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error
	UpdateUserEmail(ctx context.Context, userID, email string, verified bool) error
	SetUserEmailVerified(ctx context.Context, userID, email string) (bool, error)
	UpdateUserRecoveryCode(ctx context.Context, userID string, encrypted []byte) error
	UpdateUserFactors(ctx context.Context, userID string, totp, passkey, securityKey bool) error

	SessionByID(ctx context.Context, id string) (*Session, error)
	InsertSession(ctx context.Context, s *Session) error
	UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error
	SetSessionTwoFactorVerified(ctx context.Context, id string, verified bool) error
	ClearUserSessionsTwoFactorVerified(ctx context.Context, userID string) error
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error

	PasswordResetSessionByID(ctx context.Context, id string) (*PasswordResetSession, error)
	InsertPasswordResetSession(ctx context.Context, s *PasswordResetSession) error
	SetPasswordResetSessionEmailVerified(ctx context.Context, id string) error
	SetPasswordResetSessionTwoFactorVerified(ctx context.Context, id string) error
	DeletePasswordResetSession(ctx context.Context, id string) error
	DeleteUserPasswordResetSessions(ctx context.Context, userID string) error

	TOTPCredentialByUser(ctx context.Context, userID string) (*TOTPCredential, error)
	UpsertTOTPCredential(ctx context.Context, c *TOTPCredential) error
	DeleteUserTOTPCredential(ctx context.Context, userID string) error

	CredentialByID(ctx context.Context, ns Namespace, id []byte) (*WebAuthnCredential, error)
	UserCredential(ctx context.Context, ns Namespace, userID string, id []byte) (*WebAuthnCredential, error)
	UserCredentials(ctx context.Context, ns Namespace, userID string) ([]*WebAuthnCredential, error)
	InsertCredential(ctx context.Context, ns Namespace, c *WebAuthnCredential) error
	DeleteUserCredential(ctx context.Context, ns Namespace, userID string, id []byte) (bool, error)
	DeleteUserCredentials(ctx context.Context, ns Namespace, userID string) error

	EmailVerificationRequestByUser(ctx context.Context, userID string) (*EmailVerificationRequest, error)
	InsertEmailVerificationRequest(ctx context.Context, r *EmailVerificationRequest) error
	DeleteUserEmailVerificationRequests(ctx context.Context, userID string) error
}

// Store is the full gateway. WithTx runs fn atomically: either every write
// inside fn is applied or none are. Operations called on the Store outside
// WithTx are individually atomic.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
