package webauthn

import (
	"encoding/base64"
	"encoding/json"
)

// Client data ceremony types.
const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

// ClientData is the parsed collected client data from the browser.
// Challenge holds the decoded challenge bytes.
type ClientData struct {
	Type        string
	Challenge   []byte
	Origin      string
	CrossOrigin bool
}

type rawClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin *bool  `json:"crossOrigin"`
}

// ParseClientDataJSON decodes the client data JSON document. The
// challenge field is base64url without padding per the WebAuthn spec.
func ParseClientDataJSON(data []byte) (*ClientData, error) {
	var raw rawClientData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, failf("malformed client data JSON: %v", err)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(raw.Challenge)
	if err != nil {
		return nil, failf("malformed client data challenge: %v", err)
	}
	out := &ClientData{
		Type:      raw.Type,
		Challenge: challenge,
		Origin:    raw.Origin,
	}
	if raw.CrossOrigin != nil {
		out.CrossOrigin = *raw.CrossOrigin
	}
	return out, nil
}
