package util

import (
	"crypto/rand"
	"fmt"
)

const (
	sessionTokenBytes = 20
	otpBytes          = 5
	recoveryCodeBytes = 10
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSessionToken returns a 20-byte random token encoded as lowercase
// base32 without padding. The token is the bearer secret handed to the
// client; only its SHA-256 hash is ever persisted.
func RandomSessionToken() (string, error) {
	b, err := RandomBytes(sessionTokenBytes)
	if err != nil {
		return "", err
	}
	return Base32LowerNoPadding(b), nil
}

// RandomOTP returns an 8-character one-time code (5 random bytes, upper
// base32) used for email verification and password reset.
func RandomOTP() (string, error) {
	b, err := RandomBytes(otpBytes)
	if err != nil {
		return "", err
	}
	return Base32UpperNoPadding(b), nil
}

// RandomRecoveryCode returns a 16-character recovery code (10 random
// bytes, upper base32).
func RandomRecoveryCode() (string, error) {
	b, err := RandomBytes(recoveryCodeBytes)
	if err != nil {
		return "", err
	}
	return Base32UpperNoPadding(b), nil
}
