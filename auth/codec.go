package auth

import (
	"github.com/jmcleod/keygate/internal/util"
)

// AAD labels binding each sealed secret to its role. A ciphertext
// sealed under one label never opens under another.
const (
	aadRecoveryCode = "keygate/user/recovery-code"
	aadTOTPKey      = "keygate/user/totp-key"
)

// sealSecret encrypts plaintext under the service key with the given
// AAD label. The key buffer is wiped as soon as the operation is done.
func (s *Service) sealSecret(plaintext []byte, aad string) ([]byte, error) {
	keyBuf, err := s.secretKey.Open()
	if err != nil {
		return nil, internalf("opening secret key enclave: %v", err)
	}
	defer keyBuf.Destroy()

	out, err := util.SealAESGCM(plaintext, keyBuf.Bytes(), []byte(aad))
	if err != nil {
		return nil, internalf("sealing secret: %v", err)
	}
	return out, nil
}

// openSecret decrypts a stored secret. Failure means tampering or a key
// mismatch and is always loud.
func (s *Service) openSecret(ciphertext []byte, aad string) ([]byte, error) {
	keyBuf, err := s.secretKey.Open()
	if err != nil {
		return nil, internalf("opening secret key enclave: %v", err)
	}
	defer keyBuf.Destroy()

	out, err := util.OpenAESGCM(ciphertext, keyBuf.Bytes(), []byte(aad))
	if err != nil {
		return nil, internalf("opening sealed secret: %v", err)
	}
	return out, nil
}
