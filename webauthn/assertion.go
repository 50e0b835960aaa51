package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
)

// AssertionOptions control the checks that vary between credential
// namespaces.
type AssertionOptions struct {
	// RequireUserVerified demands the UV flag in addition to UP.
	// Passkeys set this; plain security keys do not.
	RequireUserVerified bool
}

// VerifyAssertion validates an authentication ceremony against a stored
// credential public key. The signed message is
// authenticatorData || SHA-256(clientDataJSON). Every failure returns
// an error matching ErrVerification.
func (rp RelyingParty) VerifyAssertion(challenges *ChallengeSet, authDataBytes, clientDataJSON, signature []byte, algorithm int32, publicKey []byte, opts AssertionOptions) error {
	authData, err := ParseAuthenticatorData(authDataBytes)
	if err != nil {
		return err
	}
	if !authData.VerifyRelyingPartyIDHash(rp.ID) {
		return failf("relying party id hash mismatch")
	}
	if !authData.UserPresent {
		return failf("user presence flag missing")
	}
	if opts.RequireUserVerified && !authData.UserVerified {
		return failf("user verification flag missing")
	}

	clientData, err := ParseClientDataJSON(clientDataJSON)
	if err != nil {
		return err
	}
	if clientData.Type != ClientDataTypeGet {
		return failf("client data type %q, want get", clientData.Type)
	}
	if !challenges.Consume(clientData.Challenge) {
		return failf("unknown or already consumed challenge")
	}
	if clientData.Origin != rp.Origin {
		return failf("client data origin %q, want %q", clientData.Origin, rp.Origin)
	}
	if clientData.CrossOrigin {
		return failf("cross-origin ceremony rejected")
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	message := make([]byte, 0, len(authDataBytes)+sha256.Size)
	message = append(message, authDataBytes...)
	message = append(message, clientDataHash[:]...)
	digest := sha256.Sum256(message)

	switch algorithm {
	case AlgES256:
		pub, err := parseSEC1P256PublicKey(publicKey)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return failf("ECDSA signature invalid")
		}
	case AlgRS256:
		pub, err := x509.ParsePKCS1PublicKey(publicKey)
		if err != nil {
			return failf("malformed stored RSA key: %v", err)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return failf("RSA signature invalid")
		}
	default:
		return failf("unsupported stored algorithm %d", algorithm)
	}
	return nil
}

// parseSEC1P256PublicKey decodes a 65-byte uncompressed SEC1 point on
// P-256.
func parseSEC1P256PublicKey(encoded []byte) (*ecdsa.PublicKey, error) {
	if len(encoded) != 65 || encoded[0] != 0x04 {
		return nil, failf("stored EC key is not an uncompressed SEC1 point")
	}
	x := new(big.Int).SetBytes(encoded[1:33])
	y := new(big.Int).SetBytes(encoded[33:65])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, failf("stored EC point not on P-256")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
