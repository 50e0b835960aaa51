package webauthn

import (
	"github.com/fxamacker/cbor/v2"
)

const attestationFormatNone = "none"

// Only self-attestation without a trust chain is accepted, which bounds
// this implementation to deployments that do not require attestation
// trust decisions.
type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

// RelyingParty carries the deployment identity every ceremony is
// verified against.
type RelyingParty struct {
	// ID is the relying party identifier, normally the deployment host.
	ID string
	// Origin is the full base URL the client data origin must equal.
	Origin string
}

// RegisteredKey is the outcome of a successful registration ceremony.
type RegisteredKey struct {
	CredentialID []byte
	Algorithm    int32
	PublicKey    []byte
}

// VerifyRegistration runs the attestation checks in order, consuming
// the ceremony challenge from the set. Every failure returns an error
// matching ErrVerification; the challenge is consumed even when a later
// check fails, so a retry needs a fresh one.
func (rp RelyingParty) VerifyRegistration(challenges *ChallengeSet, attestationObjectBytes, clientDataJSON []byte) (*RegisteredKey, error) {
	var obj attestationObject
	if err := cbor.Unmarshal(attestationObjectBytes, &obj); err != nil {
		return nil, failf("malformed attestation object: %v", err)
	}
	if obj.Format != attestationFormatNone {
		return nil, failf("unsupported attestation format %q", obj.Format)
	}

	authData, err := ParseAuthenticatorData(obj.AuthData)
	if err != nil {
		return nil, err
	}
	if !authData.VerifyRelyingPartyIDHash(rp.ID) {
		return nil, failf("relying party id hash mismatch")
	}
	if !authData.UserPresent || !authData.UserVerified {
		return nil, failf("user presence or verification flag missing")
	}
	if authData.Credential == nil {
		return nil, failf("no attested credential in authenticator data")
	}

	clientData, err := ParseClientDataJSON(clientDataJSON)
	if err != nil {
		return nil, err
	}
	if clientData.Type != ClientDataTypeCreate {
		return nil, failf("client data type %q, want create", clientData.Type)
	}
	if !challenges.Consume(clientData.Challenge) {
		return nil, failf("unknown or already consumed challenge")
	}
	if clientData.Origin != rp.Origin {
		return nil, failf("client data origin %q, want %q", clientData.Origin, rp.Origin)
	}
	if clientData.CrossOrigin {
		return nil, failf("cross-origin ceremony rejected")
	}

	return &RegisteredKey{
		CredentialID: authData.Credential.ID,
		Algorithm:    authData.Credential.PublicKey.Algorithm,
		PublicKey:    authData.Credential.PublicKey.Encoded,
	}, nil
}
