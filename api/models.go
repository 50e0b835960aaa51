package api

// Result is the uniform response shape for every mutating operation.
type Result struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyEmailRequest struct {
	Code string `json:"code"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type totpSetupRequest struct {
	// Key is the base64-encoded 20-byte shared secret shown to the
	// user during enrollment.
	Key  string `json:"key"`
	Code string `json:"code"`
}

type totpVerifyRequest struct {
	Code string `json:"code"`
}

type webauthnRegisterRequest struct {
	Name              string `json:"name"`
	AttestationObject string `json:"attestation_object"`
	ClientDataJSON    string `json:"client_data_json"`
}

type webauthnVerifyRequest struct {
	CredentialID      string `json:"credential_id"`
	AuthenticatorData string `json:"authenticator_data"`
	ClientDataJSON    string `json:"client_data_json"`
	Signature         string `json:"signature"`
}

type credentialDeleteRequest struct {
	CredentialID string `json:"credential_id"`
}

type credentialResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Algorithm int32  `json:"algorithm"`
}

type recoveryResetRequest struct {
	Code string `json:"code"`
}

type recoveryCodeResponse struct {
	RecoveryCode string `json:"recovery_code"`
}

type totpKeyResponse struct {
	// Key is base64; EncodedKey is the base32 form for authenticator
	// apps.
	Key        string `json:"key"`
	EncodedKey string `json:"encoded_key"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type startPasswordResetRequest struct {
	Email string `json:"email"`
}

type completePasswordResetRequest struct {
	Password string `json:"password"`
}
