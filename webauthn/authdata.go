package webauthn

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits (WebAuthn §6.1).
const (
	flagUserPresent        = 0x01
	flagUserVerified       = 0x04
	flagAttestedCredential = 0x40
)

// AuthenticatorData is the parsed fixed-layout authenticator data
// structure. Credential is non-nil only when the attested-credential
// flag was set (registration ceremonies).
type AuthenticatorData struct {
	RelyingPartyIDHash [32]byte
	UserPresent        bool
	UserVerified       bool
	SignCount          uint32
	Credential         *AttestedCredential
}

// AttestedCredential is the credential embedded in registration
// authenticator data.
type AttestedCredential struct {
	ID        []byte
	PublicKey *PublicKey
}

// VerifyRelyingPartyIDHash reports whether the authenticator data was
// produced for the given relying party ID.
func (a *AuthenticatorData) VerifyRelyingPartyIDHash(rpID string) bool {
	expected := sha256.Sum256([]byte(rpID))
	return subtle.ConstantTimeCompare(a.RelyingPartyIDHash[:], expected[:]) == 1
}

// ParseAuthenticatorData decodes the binary authenticator data layout:
// rpIdHash[32] || flags[1] || signCount[4] || attestedCredentialData?.
func ParseAuthenticatorData(data []byte) (*AuthenticatorData, error) {
	if len(data) < 37 {
		return nil, failf("authenticator data too short: %d bytes", len(data))
	}

	var out AuthenticatorData
	copy(out.RelyingPartyIDHash[:], data[:32])
	flags := data[32]
	out.UserPresent = flags&flagUserPresent != 0
	out.UserVerified = flags&flagUserVerified != 0
	out.SignCount = binary.BigEndian.Uint32(data[33:37])

	if flags&flagAttestedCredential == 0 {
		return &out, nil
	}

	// aaguid[16] || credentialIdLength[2] || credentialId || COSE key
	rest := data[37:]
	if len(rest) < 18 {
		return nil, failf("truncated attested credential data")
	}
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, failf("credential id length %d exceeds remaining data", idLen)
	}
	credentialID := append([]byte(nil), rest[:idLen]...)

	// The COSE key may be followed by extension data; decode exactly
	// one CBOR item.
	var rawKey cbor.RawMessage
	dec := cbor.NewDecoder(bytes.NewReader(rest[idLen:]))
	if err := dec.Decode(&rawKey); err != nil {
		return nil, failf("malformed credential public key: %v", err)
	}
	publicKey, err := decodeCOSEKey(rawKey)
	if err != nil {
		return nil, err
	}

	out.Credential = &AttestedCredential{ID: credentialID, PublicKey: publicKey}
	return &out, nil
}
