package api

import (
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/jmcleod/keygate/auth"
	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
)

// Register creates an account, sends the verification code, and starts
// an authenticated session pointing at email verification.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.svc.RegisterUser(r.Context(), req.Email, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditRegister, r, result.User.ID, slog.String("email", result.User.Email))
	a.setSessionCookie(w, r, result.Token)
	writeJSON(w, http.StatusCreated, Result{OK: true, Message: "registered", Redirect: result.Redirect})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.audit.log(AuditLoginFailure, r, slog.String("email", req.Email))
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditLoginSuccess, r, result.User.ID)
	a.setSessionCookie(w, r, result.Token)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "logged in", Redirect: result.Redirect})
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	if err := a.svc.InvalidateSession(r.Context(), session.ID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditLogout, r, session.UserID)
	clearCookie(w, sessionCookieName, "/")
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "logged out", Redirect: "/auth/login"})
}

func (a *API) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user := userFromContext(r)
	if err := a.svc.VerifyEmail(r.Context(), user.ID, req.Code); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditEmailVerified, r, user.ID)
	redirect := "/auth/twoFactor/setup"
	if user.Registered2FA() {
		redirect = a.svc.TwoFactorRedirect(user)
	}
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "email verified", Redirect: redirect})
}

func (a *API) ResendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if user.EmailVerified {
		writeError(w, http.StatusForbidden, "email already verified")
		return
	}
	if _, err := a.svc.CreateEmailVerificationRequest(r.Context(), user.ID, user.Email); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "verification email sent"})
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	result, err := a.svc.ChangePassword(r.Context(), session, user, req.CurrentPassword, req.NewPassword)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditPasswordChanged, r, user.ID)
	a.setSessionCookie(w, r, result.Token)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "password changed"})
}

// NewTOTPKey mints a fresh shared secret for enrollment. Nothing is
// persisted until SetupTOTP proves possession.
func (a *API) NewTOTPKey(w http.ResponseWriter, r *http.Request) {
	key, err := auth.GenerateTOTPKey()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totpKeyResponse{
		Key:        base64.StdEncoding.EncodeToString(key),
		EncodedKey: util.Base32UpperNoPadding(key),
	})
}

func (a *API) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	var req totpSetupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid key encoding")
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.SetupTOTP(r.Context(), session, user, key, req.Code); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditTOTPSetup, r, user.ID)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "authenticator app registered", Redirect: "/"})
}

func (a *API) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req totpVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.VerifyTOTP(r.Context(), session, user, req.Code); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditTOTPVerified, r, user.ID)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "verified", Redirect: "/"})
}

func (a *API) DeleteTOTP(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.DeleteTOTPCredential(r.Context(), session, user); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditTOTPRemoved, r, user.ID)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "authenticator app removed"})
}

func (a *API) RegisterPasskey(w http.ResponseWriter, r *http.Request) {
	a.registerWebAuthnCredential(w, r, store.NamespacePasskey)
}

func (a *API) VerifyPasskey(w http.ResponseWriter, r *http.Request) {
	a.verifyWebAuthnCredential(w, r, store.NamespacePasskey)
}

func (a *API) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	a.listWebAuthnCredentials(w, r, store.NamespacePasskey)
}

func (a *API) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	a.deleteWebAuthnCredential(w, r, store.NamespacePasskey)
}

func (a *API) RegisterSecurityKey(w http.ResponseWriter, r *http.Request) {
	a.registerWebAuthnCredential(w, r, store.NamespaceSecurityKey)
}

func (a *API) VerifySecurityKey(w http.ResponseWriter, r *http.Request) {
	a.verifyWebAuthnCredential(w, r, store.NamespaceSecurityKey)
}

func (a *API) ListSecurityKeys(w http.ResponseWriter, r *http.Request) {
	a.listWebAuthnCredentials(w, r, store.NamespaceSecurityKey)
}

func (a *API) DeleteSecurityKey(w http.ResponseWriter, r *http.Request) {
	a.deleteWebAuthnCredential(w, r, store.NamespaceSecurityKey)
}

func (a *API) registerWebAuthnCredential(w http.ResponseWriter, r *http.Request, ns store.Namespace) {
	var req webauthnRegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	cred, err := a.svc.RegisterWebAuthnCredential(r.Context(), session, user, ns, req.Name, req.AttestationObject, req.ClientDataJSON)
	if err != nil {
		a.audit.logUser(AuditWebAuthnRejected, r, user.ID, slog.String("namespace", string(ns)))
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditWebAuthnRegistered, r, user.ID,
		slog.String("namespace", string(ns)),
		slog.String("credential_id", base64.StdEncoding.EncodeToString(cred.ID)))
	writeJSON(w, http.StatusCreated, Result{OK: true, Message: "credential registered", Redirect: "/"})
}

func (a *API) verifyWebAuthnCredential(w http.ResponseWriter, r *http.Request, ns store.Namespace) {
	var req webauthnVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	err := a.svc.VerifyWebAuthnAssertion(r.Context(), session, user, ns, req.CredentialID, req.AuthenticatorData, req.ClientDataJSON, req.Signature)
	if err != nil {
		a.audit.logUser(AuditWebAuthnRejected, r, user.ID, slog.String("namespace", string(ns)))
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditWebAuthnVerified, r, user.ID, slog.String("namespace", string(ns)))
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "verified", Redirect: "/"})
}

func (a *API) listWebAuthnCredentials(w http.ResponseWriter, r *http.Request, ns store.Namespace) {
	user := userFromContext(r)
	creds, err := a.svc.WebAuthnCredentials(r.Context(), user.ID, ns)
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialResponse{
			ID:        base64.StdEncoding.EncodeToString(c.ID),
			Name:      c.Name,
			Algorithm: c.Algorithm,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) deleteWebAuthnCredential(w http.ResponseWriter, r *http.Request, ns store.Namespace) {
	var req credentialDeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := sessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.DeleteWebAuthnCredential(r.Context(), session, user, ns, req.CredentialID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditCredentialDeleted, r, user.ID, slog.String("namespace", string(ns)))
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "credential deleted"})
}

// RecoveryCode returns the caller's current recovery code. Requires an
// open two-factor gate so a stolen cookie alone cannot exfiltrate it.
func (a *API) RecoveryCode(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.RequireTwoFactor(session, user); err != nil {
		mapError(w, err)
		return
	}
	code, err := a.svc.RecoveryCode(r.Context(), user.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryCodeResponse{RecoveryCode: code})
}

// RecoveryReset tears down all second factors in exchange for the
// recovery code and returns the replacement code.
func (a *API) RecoveryReset(w http.ResponseWriter, r *http.Request) {
	var req recoveryResetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user := userFromContext(r)
	newCode, err := a.svc.ResetTwoFactorWithRecoveryCode(r.Context(), user.ID, req.Code)
	if err != nil {
		a.audit.logUser(AuditRecoveryResetFailed, r, user.ID)
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditRecoveryReset, r, user.ID)
	writeJSON(w, http.StatusOK, recoveryCodeResponse{RecoveryCode: newCode})
}

// IssueWebAuthnChallenge mints a single-use challenge. Separately rate
// limited because challenges are unauthenticated and stored server side.
func (a *API) IssueWebAuthnChallenge(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if !a.challengeBucket.Consume(ip, 1) {
		a.audit.log(AuditRateLimited, r)
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	challenge, err := a.svc.IssueWebAuthnChallenge()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: challenge})
}

// StartPasswordReset begins the reset flow and hands out the reset
// cookie. The emailed code is required before anything else in the
// flow can happen.
func (a *API) StartPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req startPasswordResetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, session, err := a.svc.CreatePasswordResetSession(r.Context(), req.Email)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditPasswordResetStarted, r, session.UserID)
	a.setResetCookie(w, r, token)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "password reset started", Redirect: "/reset-password/verify-email"})
}

func (a *API) VerifyPasswordResetEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := resetSessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.VerifyPasswordResetEmail(r.Context(), session, req.Code); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditEmailVerified, r, user.ID)
	redirect := "/reset-password/complete"
	if user.Registered2FA() {
		redirect = a.svc.PasswordResetTwoFactorRedirect(user)
	}
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "email verified", Redirect: redirect})
}

func (a *API) VerifyPasswordResetTOTP(w http.ResponseWriter, r *http.Request) {
	var req totpVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := resetSessionFromContext(r)
	user := userFromContext(r)
	if err := a.svc.VerifyPasswordResetTOTP(r.Context(), session, user, req.Code); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditTOTPVerified, r, user.ID)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "verified", Redirect: "/reset-password/complete"})
}

func (a *API) VerifyPasswordResetPasskey(w http.ResponseWriter, r *http.Request) {
	a.verifyPasswordResetWebAuthn(w, r, store.NamespacePasskey)
}

func (a *API) VerifyPasswordResetSecurityKey(w http.ResponseWriter, r *http.Request) {
	a.verifyPasswordResetWebAuthn(w, r, store.NamespaceSecurityKey)
}

func (a *API) verifyPasswordResetWebAuthn(w http.ResponseWriter, r *http.Request, ns store.Namespace) {
	var req webauthnVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := resetSessionFromContext(r)
	user := userFromContext(r)
	err := a.svc.VerifyPasswordResetWebAuthnAssertion(r.Context(), session, user, ns, req.CredentialID, req.AuthenticatorData, req.ClientDataJSON, req.Signature)
	if err != nil {
		a.audit.logUser(AuditWebAuthnRejected, r, user.ID, slog.String("namespace", string(ns)))
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditWebAuthnVerified, r, user.ID, slog.String("namespace", string(ns)))
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "verified", Redirect: "/reset-password/complete"})
}

// CompletePasswordReset applies the new password and swaps the reset
// cookie for a fresh session cookie.
func (a *API) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req completePasswordResetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session := resetSessionFromContext(r)
	user := userFromContext(r)
	result, err := a.svc.CompletePasswordReset(r.Context(), session, user, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditPasswordResetCompleted, r, user.ID)
	clearCookie(w, resetCookieName, "/reset-password")
	a.setSessionCookie(w, r, result.Token)
	writeJSON(w, http.StatusOK, Result{OK: true, Message: "password reset", Redirect: result.Redirect})
}
