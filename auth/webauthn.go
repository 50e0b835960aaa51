package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmcleod/keygate/store"
	"github.com/jmcleod/keygate/webauthn"
)

// credentialCap is the per-user, per-namespace limit.
const credentialCap = 5

// IssueWebAuthnChallenge mints a ceremony challenge and returns it
// base64-encoded for the client. Per-IP limiting happens at the
// transport.
func (s *Service) IssueWebAuthnChallenge() (string, error) {
	challenge, err := s.challenges.Issue()
	if err != nil {
		return "", internalf("issuing challenge: %v", err)
	}
	return base64.StdEncoding.EncodeToString(challenge), nil
}

func decodeField(name, encoded string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidInput, name)
	}
	return out, nil
}

// assertionOptions returns the per-namespace verification policy:
// passkeys must assert user verification, plain security keys only user
// presence.
func assertionOptions(ns store.Namespace) webauthn.AssertionOptions {
	return webauthn.AssertionOptions{RequireUserVerified: ns == store.NamespacePasskey}
}

// RegisterWebAuthnCredential runs the registration ceremony for either
// namespace. Preconditions: verified email, and a passed 2FA gate when
// the user already has a factor. The credential cap is enforced inside
// the insert transaction so two concurrent registrations cannot both
// land a sixth credential. Success opens the session's 2FA gate.
func (s *Service) RegisterWebAuthnCredential(ctx context.Context, session *store.Session, user *store.User, ns store.Namespace, name, attestationObjectB64, clientDataJSONB64 string) (*store.WebAuthnCredential, error) {
	if !user.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if err := s.RequireTwoFactor(session, user); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing credential name", ErrInvalidInput)
	}

	attestationObject, err := decodeField("attestation object", attestationObjectB64)
	if err != nil {
		return nil, err
	}
	clientDataJSON, err := decodeField("client data", clientDataJSONB64)
	if err != nil {
		return nil, err
	}

	registered, err := s.rp.VerifyRegistration(s.challenges, attestationObject, clientDataJSON)
	if err != nil {
		s.logger.Warn("webauthn registration rejected", "user_id", user.ID, "namespace", string(ns), "error", err)
		return nil, fmt.Errorf("%w: registration ceremony rejected", ErrVerificationFailed)
	}

	credential := &store.WebAuthnCredential{
		ID:        registered.CredentialID,
		UserID:    user.ID,
		Name:      name,
		Algorithm: registered.Algorithm,
		PublicKey: registered.PublicKey,
	}
	var capExceeded bool
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		existing, err := tx.UserCredentials(ctx, ns, user.ID)
		if err != nil {
			return err
		}
		if len(existing) >= credentialCap {
			capExceeded = true
			return fmt.Errorf("credential cap reached")
		}
		if err := tx.InsertCredential(ctx, ns, credential); err != nil {
			return err
		}
		passkey := user.RegisteredPasskey || ns == store.NamespacePasskey
		securityKey := user.RegisteredSecurityKey || ns == store.NamespaceSecurityKey
		if err := tx.UpdateUserFactors(ctx, user.ID, user.RegisteredTOTP, passkey, securityKey); err != nil {
			return err
		}
		return tx.SetSessionTwoFactorVerified(ctx, session.ID, true)
	})
	if err != nil {
		if capExceeded {
			return nil, fmt.Errorf("%w: credential limit reached", ErrConflict)
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: credential already registered", ErrConflict)
		}
		return nil, internalf("storing credential: %v", err)
	}

	if ns == store.NamespacePasskey {
		user.RegisteredPasskey = true
	} else {
		user.RegisteredSecurityKey = true
	}
	session.TwoFactorVerified = true
	return credential, nil
}

// VerifyWebAuthnAssertion validates an authentication ceremony against
// one of the user's stored credentials and opens the session's 2FA
// gate. All ceremony failures surface as the same coarse rejection.
func (s *Service) VerifyWebAuthnAssertion(ctx context.Context, session *store.Session, user *store.User, ns store.Namespace, credentialIDB64, authDataB64, clientDataJSONB64, signatureB64 string) error {
	if !user.EmailVerified {
		return fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	registered := user.RegisteredPasskey
	if ns == store.NamespaceSecurityKey {
		registered = user.RegisteredSecurityKey
	}
	if !registered {
		return fmt.Errorf("%w: no credential registered", ErrForbidden)
	}

	if err := s.verifyAssertion(ctx, user.ID, ns, credentialIDB64, authDataB64, clientDataJSONB64, signatureB64); err != nil {
		return err
	}
	if err := s.SetSessionTwoFactorVerified(ctx, session.ID); err != nil {
		return err
	}
	session.TwoFactorVerified = true
	return nil
}

// VerifyPasswordResetWebAuthnAssertion is the reset-flow variant.
func (s *Service) VerifyPasswordResetWebAuthnAssertion(ctx context.Context, resetSession *store.PasswordResetSession, user *store.User, ns store.Namespace, credentialIDB64, authDataB64, clientDataJSONB64, signatureB64 string) error {
	if !resetSession.EmailVerified {
		return fmt.Errorf("%w: email not verified", ErrForbidden)
	}
	if err := s.verifyAssertion(ctx, user.ID, ns, credentialIDB64, authDataB64, clientDataJSONB64, signatureB64); err != nil {
		return err
	}
	if err := s.SetPasswordResetSessionTwoFactorVerified(ctx, resetSession.ID); err != nil {
		return err
	}
	resetSession.TwoFactorVerified = true
	return nil
}

func (s *Service) verifyAssertion(ctx context.Context, userID string, ns store.Namespace, credentialIDB64, authDataB64, clientDataJSONB64, signatureB64 string) error {
	credentialID, err := decodeField("credential id", credentialIDB64)
	if err != nil {
		return err
	}
	authData, err := decodeField("authenticator data", authDataB64)
	if err != nil {
		return err
	}
	clientDataJSON, err := decodeField("client data", clientDataJSONB64)
	if err != nil {
		return err
	}
	signature, err := decodeField("signature", signatureB64)
	if err != nil {
		return err
	}

	credential, err := s.store.UserCredential(ctx, ns, userID, credentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown credential", ErrVerificationFailed)
		}
		return internalf("looking up credential: %v", err)
	}

	err = s.rp.VerifyAssertion(s.challenges, authData, clientDataJSON, signature,
		credential.Algorithm, credential.PublicKey, assertionOptions(ns))
	if err != nil {
		s.logger.Warn("webauthn assertion rejected", "user_id", userID, "namespace", string(ns), "error", err)
		return fmt.Errorf("%w: assertion ceremony rejected", ErrVerificationFailed)
	}
	return nil
}

// DeleteWebAuthnCredential removes one credential and recomputes the
// factor flag for its namespace.
func (s *Service) DeleteWebAuthnCredential(ctx context.Context, session *store.Session, user *store.User, ns store.Namespace, credentialIDB64 string) error {
	if err := s.RequireTwoFactor(session, user); err != nil {
		return err
	}
	credentialID, err := decodeField("credential id", credentialIDB64)
	if err != nil {
		return err
	}

	var notOwned, lastRemoved bool
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeleteUserCredential(ctx, ns, user.ID, credentialID)
		if err != nil {
			return err
		}
		if !deleted {
			notOwned = true
			return fmt.Errorf("credential not owned")
		}
		remaining, err := tx.UserCredentials(ctx, ns, user.ID)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return nil
		}
		lastRemoved = true
		passkey := user.RegisteredPasskey && ns != store.NamespacePasskey
		securityKey := user.RegisteredSecurityKey && ns != store.NamespaceSecurityKey
		return tx.UpdateUserFactors(ctx, user.ID, user.RegisteredTOTP, passkey, securityKey)
	})
	if err != nil {
		if notOwned {
			return fmt.Errorf("%w: unknown credential", ErrVerificationFailed)
		}
		return internalf("deleting credential: %v", err)
	}
	if lastRemoved {
		switch ns {
		case store.NamespacePasskey:
			user.RegisteredPasskey = false
		case store.NamespaceSecurityKey:
			user.RegisteredSecurityKey = false
		}
	}
	return nil
}

// WebAuthnCredentials lists the user's credentials in a namespace.
func (s *Service) WebAuthnCredentials(ctx context.Context, userID string, ns store.Namespace) ([]*store.WebAuthnCredential, error) {
	out, err := s.store.UserCredentials(ctx, ns, userID)
	if err != nil {
		return nil, internalf("listing credentials: %v", err)
	}
	return out, nil
}
