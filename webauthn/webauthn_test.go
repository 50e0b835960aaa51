package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRP = RelyingParty{ID: "example.com", Origin: "https://example.com"}

// buildAuthData assembles the binary authenticator data layout used by
// real authenticators.
func buildAuthData(t *testing.T, rpID string, flags byte, credentialID []byte, coseKey []byte) []byte {
	t.Helper()
	rpHash := sha256.Sum256([]byte(rpID))
	out := append([]byte(nil), rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, 1)

	if credentialID != nil {
		out = append(out, make([]byte, 16)...) // aaguid
		out = binary.BigEndian.AppendUint16(out, uint16(len(credentialID)))
		out = append(out, credentialID...)
		out = append(out, coseKey...)
	}
	return out
}

func coseES256Key(t *testing.T, pub *ecdsa.PublicKey) []byte {
	t.Helper()
	raw, err := cbor.Marshal(map[int]any{
		1:  coseKeyTypeEC2,
		3:  AlgES256,
		-1: coseCurveP256,
		-2: pub.X.FillBytes(make([]byte, 32)),
		-3: pub.Y.FillBytes(make([]byte, 32)),
	})
	require.NoError(t, err)
	return raw
}

func coseRS256Key(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	raw, err := cbor.Marshal(map[int]any{
		1:  coseKeyTypeRSA,
		3:  AlgRS256,
		-1: pub.N.Bytes(),
		-2: []byte{0x01, 0x00, 0x01},
	})
	require.NoError(t, err)
	return raw
}

func buildAttestationObject(t *testing.T, format string, authData []byte) []byte {
	t.Helper()
	raw, err := cbor.Marshal(map[string]any{
		"fmt":      format,
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	require.NoError(t, err)
	return raw
}

func buildClientData(t *testing.T, ceremonyType string, challenge []byte, origin string, crossOrigin bool) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":        ceremonyType,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      origin,
		"crossOrigin": crossOrigin,
	})
	require.NoError(t, err)
	return raw
}

const flagsRegistered = flagUserPresent | flagUserVerified | flagAttestedCredential

func TestVerifyRegistrationES256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	challenges := NewChallengeSet()
	challenge, err := challenges.Issue()
	require.NoError(t, err)

	credentialID := []byte("credential-id-0001")
	authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseES256Key(t, &key.PublicKey))
	attObj := buildAttestationObject(t, "none", authData)
	clientData := buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)

	registered, err := testRP.VerifyRegistration(challenges, attObj, clientData)
	require.NoError(t, err)
	assert.Equal(t, credentialID, registered.CredentialID)
	assert.Equal(t, AlgES256, registered.Algorithm)
	require.Len(t, registered.PublicKey, 65)
	assert.Equal(t, byte(0x04), registered.PublicKey[0], "SEC1 uncompressed prefix")
}

func TestVerifyRegistrationRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	challenges := NewChallengeSet()
	challenge, err := challenges.Issue()
	require.NoError(t, err)

	authData := buildAuthData(t, testRP.ID, flagsRegistered, []byte("rsa-cred"), coseRS256Key(t, &key.PublicKey))
	attObj := buildAttestationObject(t, "none", authData)
	clientData := buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)

	registered, err := testRP.VerifyRegistration(challenges, attObj, clientData)
	require.NoError(t, err)
	assert.Equal(t, AlgRS256, registered.Algorithm)

	parsed, err := x509.ParsePKCS1PublicKey(registered.PublicKey)
	require.NoError(t, err)
	assert.Zero(t, parsed.N.Cmp(key.N), "stored modulus should round-trip")
}

func TestVerifyRegistrationRejections(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	coseKey := coseES256Key(t, &key.PublicKey)
	credentialID := []byte("cred")

	// Each case gets a fresh challenge so the consume step is never the
	// reason for rejection unless the case targets it.
	cases := []struct {
		name  string
		build func(challenges *ChallengeSet, challenge []byte) (attObj, clientData []byte)
	}{
		{
			name: "WrongAttestationFormat",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "packed", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)
			},
		},
		{
			name: "WrongRelyingPartyHash",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, "evil.com", flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)
			},
		},
		{
			name: "MissingUserVerified",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagUserPresent|flagAttestedCredential, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)
			},
		},
		{
			name: "NoAttestedCredential",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagUserPresent|flagUserVerified, nil, nil)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)
			},
		},
		{
			name: "WrongClientDataType",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
			},
		},
		{
			name: "WrongOrigin",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, "https://evil.com", false)
			},
		},
		{
			name: "CrossOrigin",
			build: func(_ *ChallengeSet, challenge []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, true)
			},
		},
		{
			name: "UnissuedChallenge",
			build: func(_ *ChallengeSet, _ []byte) ([]byte, []byte) {
				authData := buildAuthData(t, testRP.ID, flagsRegistered, credentialID, coseKey)
				return buildAttestationObject(t, "none", authData),
					buildClientData(t, ClientDataTypeCreate, []byte("never issued challenge"), testRP.Origin, false)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			challenges := NewChallengeSet()
			challenge, err := challenges.Issue()
			require.NoError(t, err)

			attObj, clientData := tc.build(challenges, challenge)
			_, err = testRP.VerifyRegistration(challenges, attObj, clientData)
			assert.ErrorIs(t, err, ErrVerification)
		})
	}
}

func TestVerifyRegistrationReplayedChallenge(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	challenges := NewChallengeSet()
	challenge, err := challenges.Issue()
	require.NoError(t, err)

	authData := buildAuthData(t, testRP.ID, flagsRegistered, []byte("cred"), coseES256Key(t, &key.PublicKey))
	attObj := buildAttestationObject(t, "none", authData)
	clientData := buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)

	_, err = testRP.VerifyRegistration(challenges, attObj, clientData)
	require.NoError(t, err)

	_, err = testRP.VerifyRegistration(challenges, attObj, clientData)
	assert.ErrorIs(t, err, ErrVerification, "consumed challenge must not verify twice")
}

func signAssertion(t *testing.T, signer crypto.Signer, authData, clientDataJSON []byte) []byte {
	t.Helper()
	clientDataHash := sha256.Sum256(clientDataJSON)
	message := append(append([]byte(nil), authData...), clientDataHash[:]...)
	digest := sha256.Sum256(message)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	return sig
}

func TestVerifyAssertionES256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	publicKey := encodeSEC1Uncompressed(
		key.X.FillBytes(make([]byte, 32)),
		key.Y.FillBytes(make([]byte, 32)))

	challenges := NewChallengeSet()
	challenge, err := challenges.Issue()
	require.NoError(t, err)

	authData := buildAuthData(t, testRP.ID, flagUserPresent|flagUserVerified, nil, nil)
	clientData := buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
	sig := signAssertion(t, key, authData, clientData)

	err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgES256, publicKey,
		AssertionOptions{RequireUserVerified: true})
	assert.NoError(t, err)
}

func TestVerifyAssertionRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	publicKey := x509.MarshalPKCS1PublicKey(&key.PublicKey)

	challenges := NewChallengeSet()
	challenge, err := challenges.Issue()
	require.NoError(t, err)

	authData := buildAuthData(t, testRP.ID, flagUserPresent, nil, nil)
	clientData := buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
	sig := signAssertion(t, key, authData, clientData)

	err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgRS256, publicKey,
		AssertionOptions{})
	assert.NoError(t, err)
}

func TestVerifyAssertionRejections(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	publicKey := encodeSEC1Uncompressed(
		key.X.FillBytes(make([]byte, 32)),
		key.Y.FillBytes(make([]byte, 32)))

	t.Run("TamperedSignature", func(t *testing.T) {
		challenges := NewChallengeSet()
		challenge, err := challenges.Issue()
		require.NoError(t, err)

		authData := buildAuthData(t, testRP.ID, flagUserPresent|flagUserVerified, nil, nil)
		clientData := buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
		sig := signAssertion(t, key, authData, clientData)
		sig[len(sig)-1] ^= 0xFF

		err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgES256, publicKey,
			AssertionOptions{RequireUserVerified: true})
		assert.ErrorIs(t, err, ErrVerification)
	})

	t.Run("UserVerificationRequired", func(t *testing.T) {
		challenges := NewChallengeSet()
		challenge, err := challenges.Issue()
		require.NoError(t, err)

		authData := buildAuthData(t, testRP.ID, flagUserPresent, nil, nil)
		clientData := buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
		sig := signAssertion(t, key, authData, clientData)

		err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgES256, publicKey,
			AssertionOptions{RequireUserVerified: true})
		assert.ErrorIs(t, err, ErrVerification)
	})

	t.Run("SignedForOtherRelyingParty", func(t *testing.T) {
		challenges := NewChallengeSet()
		challenge, err := challenges.Issue()
		require.NoError(t, err)

		authData := buildAuthData(t, "evil.com", flagUserPresent|flagUserVerified, nil, nil)
		clientData := buildClientData(t, ClientDataTypeGet, challenge, testRP.Origin, false)
		sig := signAssertion(t, key, authData, clientData)

		err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgES256, publicKey,
			AssertionOptions{RequireUserVerified: true})
		assert.ErrorIs(t, err, ErrVerification)
	})

	t.Run("WrongCeremonyType", func(t *testing.T) {
		challenges := NewChallengeSet()
		challenge, err := challenges.Issue()
		require.NoError(t, err)

		authData := buildAuthData(t, testRP.ID, flagUserPresent|flagUserVerified, nil, nil)
		clientData := buildClientData(t, ClientDataTypeCreate, challenge, testRP.Origin, false)
		sig := signAssertion(t, key, authData, clientData)

		err = testRP.VerifyAssertion(challenges, authData, clientData, sig, AlgES256, publicKey,
			AssertionOptions{RequireUserVerified: true})
		assert.ErrorIs(t, err, ErrVerification)
	})
}

func TestChallengeSetExpiry(t *testing.T) {
	s := NewChallengeSet()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	challenge, err := s.Issue()
	require.NoError(t, err)

	stale, err := s.Issue()
	require.NoError(t, err)

	now = now.Add(ChallengeTTL + time.Second)
	assert.False(t, s.Consume(challenge), "expired challenge must not verify")

	dropped := s.Sweep()
	assert.Equal(t, 1, dropped, "sweep should drop the remaining stale challenge")
	assert.False(t, s.Consume(stale))
}
