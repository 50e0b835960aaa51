package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestSealOpenAESGCM(t *testing.T) {
	key, _ := NewAESKey()
	plaintext := []byte("totp shared secret")
	aad := []byte("totp:user-1")

	t.Run("RoundTrip", func(t *testing.T) {
		sealed, err := SealAESGCM(plaintext, key, aad)
		if err != nil {
			t.Fatalf("SealAESGCM failed: %v", err)
		}
		opened, err := OpenAESGCM(sealed, key, aad)
		if err != nil {
			t.Fatalf("OpenAESGCM failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			t.Errorf("expected %q, got %q", plaintext, opened)
		}
	})

	t.Run("RoundTripEmpty", func(t *testing.T) {
		sealed, err := SealAESGCM(nil, key, nil)
		if err != nil {
			t.Fatalf("SealAESGCM failed: %v", err)
		}
		opened, err := OpenAESGCM(sealed, key, nil)
		if err != nil {
			t.Fatalf("OpenAESGCM failed: %v", err)
		}
		if len(opened) != 0 {
			t.Errorf("expected empty plaintext, got %q", opened)
		}
	})

	t.Run("TamperEveryByte", func(t *testing.T) {
		sealed, _ := SealAESGCM(plaintext, key, aad)
		for i := range sealed {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= 0xFF
			if _, err := OpenAESGCM(tampered, key, aad); err == nil {
				t.Fatalf("tampering byte %d did not fail decryption", i)
			}
		}
	})

	t.Run("WrongAAD", func(t *testing.T) {
		sealed, _ := SealAESGCM(plaintext, key, aad)
		if _, err := OpenAESGCM(sealed, key, []byte("totp:user-2")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		if _, err := SealAESGCM(plaintext, []byte("short"), nil); err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("RejectTruncatedCiphertext", func(t *testing.T) {
		if _, err := OpenAESGCM([]byte{0x01, 0x02}, key, nil); err == nil {
			t.Error("expected error with truncated ciphertext, got nil")
		}
	})
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	saltHex, keyHex, found := strings.Cut(hash, ":")
	if !found {
		t.Fatalf("hash %q missing separator", hash)
	}
	if len(saltHex) != 32 || len(keyHex) != 64 {
		t.Fatalf("unexpected encoding lengths: salt %d, key %d", len(saltHex), len(keyHex))
	}

	ok, err := VerifyPasswordHash(hash, "correct horse battery staple")
	if err != nil {
		t.Fatalf("VerifyPasswordHash failed: %v", err)
	}
	if !ok {
		t.Error("correct password rejected")
	}

	ok, err = VerifyPasswordHash(hash, "correct horse battery stapl")
	if err != nil {
		t.Fatalf("VerifyPasswordHash failed: %v", err)
	}
	if ok {
		t.Error("wrong password accepted")
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	a, _ := HashPassword("hunter22")
	b, _ := HashPassword("hunter22")
	if a == b {
		t.Error("two hashes of the same password share a salt")
	}
}

func TestVerifyPasswordHashMalformed(t *testing.T) {
	for _, h := range []string{"", "nocolon", "zz:zz", "abcd:1234"} {
		if _, err := VerifyPasswordHash(h, "whatever"); err == nil {
			t.Errorf("malformed hash %q did not error", h)
		}
	}
}

func TestRandomTokens(t *testing.T) {
	token, err := RandomSessionToken()
	if err != nil {
		t.Fatalf("RandomSessionToken failed: %v", err)
	}
	if len(token) != 32 {
		t.Errorf("expected 32-char token, got %d", len(token))
	}
	if token != strings.ToLower(token) {
		t.Errorf("token %q is not lowercase", token)
	}

	otp, err := RandomOTP()
	if err != nil {
		t.Fatalf("RandomOTP failed: %v", err)
	}
	if len(otp) != 8 {
		t.Errorf("expected 8-char OTP, got %d", len(otp))
	}

	code, err := RandomRecoveryCode()
	if err != nil {
		t.Fatalf("RandomRecoveryCode failed: %v", err)
	}
	if len(code) != 16 {
		t.Errorf("expected 16-char recovery code, got %d", len(code))
	}
}
