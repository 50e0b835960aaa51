package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keygate/store"
)

// ceremonyBuilder assembles the client-side artifacts of a WebAuthn
// ceremony from a real P-256 key, standing in for an authenticator.
type ceremonyBuilder struct {
	t    *testing.T
	key  *ecdsa.PrivateKey
	rpID string
}

func newCeremonyBuilder(t *testing.T) *ceremonyBuilder {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &ceremonyBuilder{t: t, key: key, rpID: "example.com"}
}

func (b *ceremonyBuilder) authData(flags byte, credentialID []byte) []byte {
	rpHash := sha256.Sum256([]byte(b.rpID))
	out := append([]byte(nil), rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, 1)
	if credentialID != nil {
		coseKey, err := cbor.Marshal(map[int]any{
			1:  2, // EC2
			3:  -7,
			-1: 1, // P-256
			-2: b.key.X.FillBytes(make([]byte, 32)),
			-3: b.key.Y.FillBytes(make([]byte, 32)),
		})
		require.NoError(b.t, err)
		out = append(out, make([]byte, 16)...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(credentialID)))
		out = append(out, credentialID...)
		out = append(out, coseKey...)
	}
	return out
}

func (b *ceremonyBuilder) clientData(ceremonyType string, challengeB64 string) []byte {
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	require.NoError(b.t, err)
	raw, err := json.Marshal(map[string]any{
		"type":        ceremonyType,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      "https://example.com",
		"crossOrigin": false,
	})
	require.NoError(b.t, err)
	return raw
}

// registration returns base64 attestation object and client data for
// the issued challenge.
func (b *ceremonyBuilder) registration(challengeB64 string, credentialID []byte) (string, string) {
	authData := b.authData(0x01|0x04|0x40, credentialID)
	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	require.NoError(b.t, err)
	clientData := b.clientData("webauthn.create", challengeB64)
	return base64.StdEncoding.EncodeToString(attObj), base64.StdEncoding.EncodeToString(clientData)
}

// assertion returns base64 authenticator data, client data, and a real
// signature over them.
func (b *ceremonyBuilder) assertion(challengeB64 string) (string, string, string) {
	authData := b.authData(0x01|0x04, nil)
	clientData := b.clientData("webauthn.get", challengeB64)

	clientDataHash := sha256.Sum256(clientData)
	message := append(append([]byte(nil), authData...), clientDataHash[:]...)
	digest := sha256.Sum256(message)
	sig, err := b.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(b.t, err)

	return base64.StdEncoding.EncodeToString(authData),
		base64.StdEncoding.EncodeToString(clientData),
		base64.StdEncoding.EncodeToString(sig)
}

func TestRegisterWebAuthnCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session, user, _ := env.register(t, "a@example.com")
	builder := newCeremonyBuilder(t)
	credentialID := []byte("passkey-credential-1")

	t.Run("UnverifiedEmailForbidden", func(t *testing.T) {
		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		attObj, clientData := builder.registration(challenge, credentialID)
		_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "laptop", attObj, clientData)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	env.verifyEmail(t, user)

	t.Run("Success", func(t *testing.T) {
		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		attObj, clientData := builder.registration(challenge, credentialID)

		cred, err := env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "laptop", attObj, clientData)
		require.NoError(t, err)
		assert.Equal(t, credentialID, cred.ID)
		assert.EqualValues(t, -7, cred.Algorithm)
		assert.True(t, session.TwoFactorVerified)
		assert.True(t, user.RegisteredPasskey)

		stored, err := env.store.UserCredential(ctx, store.NamespacePasskey, user.ID, credentialID)
		require.NoError(t, err)
		assert.Equal(t, "laptop", stored.Name)
	})

	t.Run("ReplayedChallengeRejected", func(t *testing.T) {
		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		attObj, clientData := builder.registration(challenge, []byte("passkey-credential-2"))

		_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "phone", attObj, clientData)
		require.NoError(t, err)

		// Same ceremony again: the challenge is consumed, no second row
		// may appear.
		_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "phone", attObj, clientData)
		assert.ErrorIs(t, err, ErrVerificationFailed)

		creds, err := env.store.UserCredentials(ctx, store.NamespacePasskey, user.ID)
		require.NoError(t, err)
		assert.Len(t, creds, 2, "replay must not add a row")
	})

	t.Run("CredentialCap", func(t *testing.T) {
		// Two registered so far; fill to the cap of five.
		for i := 0; i < 3; i++ {
			challenge, err := env.svc.IssueWebAuthnChallenge()
			require.NoError(t, err)
			attObj, clientData := builder.registration(challenge, []byte{byte('A' + i)})
			_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "extra", attObj, clientData)
			require.NoError(t, err)
		}

		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		attObj, clientData := builder.registration(challenge, []byte("one-too-many"))
		_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "extra", attObj, clientData)
		assert.ErrorIs(t, err, ErrConflict)

		creds, err := env.store.UserCredentials(ctx, store.NamespacePasskey, user.ID)
		require.NoError(t, err)
		assert.Len(t, creds, 5, "cap holds inside the transaction")
	})
}

func TestVerifyWebAuthnAssertion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session, user, _ := env.register(t, "a@example.com")
	env.verifyEmail(t, user)
	builder := newCeremonyBuilder(t)
	credentialID := []byte("passkey-credential-1")

	challenge, err := env.svc.IssueWebAuthnChallenge()
	require.NoError(t, err)
	attObj, clientData := builder.registration(challenge, credentialID)
	_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "laptop", attObj, clientData)
	require.NoError(t, err)

	credentialIDB64 := base64.StdEncoding.EncodeToString(credentialID)

	t.Run("Success", func(t *testing.T) {
		result, err := env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		require.NoError(t, err)
		require.False(t, result.Session.TwoFactorVerified)

		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		authData, clientData, sig := builder.assertion(challenge)

		err = env.svc.VerifyWebAuthnAssertion(ctx, result.Session, result.User, store.NamespacePasskey,
			credentialIDB64, authData, clientData, sig)
		require.NoError(t, err)
		assert.True(t, result.Session.TwoFactorVerified)
	})

	t.Run("UnknownCredential", func(t *testing.T) {
		result, err := env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		require.NoError(t, err)

		challenge, err := env.svc.IssueWebAuthnChallenge()
		require.NoError(t, err)
		authData, clientData, sig := builder.assertion(challenge)

		err = env.svc.VerifyWebAuthnAssertion(ctx, result.Session, result.User, store.NamespacePasskey,
			base64.StdEncoding.EncodeToString([]byte("nope")), authData, clientData, sig)
		assert.ErrorIs(t, err, ErrVerificationFailed)
		assert.False(t, result.Session.TwoFactorVerified)
	})

	t.Run("MalformedBase64", func(t *testing.T) {
		result, err := env.svc.Login(ctx, "a@example.com", "correct horse battery staple")
		require.NoError(t, err)
		err = env.svc.VerifyWebAuthnAssertion(ctx, result.Session, result.User, store.NamespacePasskey,
			credentialIDB64, "!!!not base64!!!", "x", "y")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestDeleteWebAuthnCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session, user, _ := env.register(t, "a@example.com")
	env.verifyEmail(t, user)
	builder := newCeremonyBuilder(t)
	credentialID := []byte("the-only-passkey")

	challenge, err := env.svc.IssueWebAuthnChallenge()
	require.NoError(t, err)
	attObj, clientData := builder.registration(challenge, credentialID)
	_, err = env.svc.RegisterWebAuthnCredential(ctx, session, user, store.NamespacePasskey, "laptop", attObj, clientData)
	require.NoError(t, err)

	err = env.svc.DeleteWebAuthnCredential(ctx, session, user, store.NamespacePasskey,
		base64.StdEncoding.EncodeToString(credentialID))
	require.NoError(t, err)

	fresh, err := env.store.UserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, fresh.RegisteredPasskey, "flag drops with the last credential")
	assert.False(t, user.RegisteredPasskey, "caller's copy mirrors the stored flags")
	assert.False(t, user.Registered2FA())
}
