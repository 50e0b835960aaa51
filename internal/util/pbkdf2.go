package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2SaltSize   = 16
	pbkdf2KeyLen     = 32
)

// HashPassword derives a PBKDF2-HMAC-SHA256 key from the password with a
// fresh random salt and encodes the result as "hex(salt):hex(key)".
func HashPassword(password string) (string, error) {
	salt, err := RandomBytes(pbkdf2SaltSize)
	if err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(Normalize(password)), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return HexEncode(salt) + ":" + HexEncode(key), nil
}

// VerifyPasswordHash re-derives the key with the stored salt and compares
// the full derived key in constant time.
func VerifyPasswordHash(storedHash, attempt string) (bool, error) {
	saltHex, keyHex, ok := strings.Cut(storedHash, ":")
	if !ok {
		return false, fmt.Errorf("malformed password hash")
	}
	salt, err := HexDecode(saltHex)
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	expected, err := HexDecode(keyHex)
	if err != nil {
		return false, fmt.Errorf("decoding derived key: %w", err)
	}
	if len(salt) != pbkdf2SaltSize || len(expected) != pbkdf2KeyLen {
		return false, fmt.Errorf("malformed password hash")
	}
	key := pbkdf2.Key([]byte(Normalize(attempt)), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}
