package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister               AuditEvent = "register"
	AuditLoginSuccess           AuditEvent = "login_success"
	AuditLoginFailure           AuditEvent = "login_failure"
	AuditLogout                 AuditEvent = "logout"
	AuditRateLimited            AuditEvent = "rate_limited"
	AuditEmailVerified          AuditEvent = "email_verified"
	AuditPasswordChanged        AuditEvent = "password_changed"
	AuditTOTPSetup              AuditEvent = "totp_setup"
	AuditTOTPVerified           AuditEvent = "totp_verified"
	AuditTOTPRemoved            AuditEvent = "totp_removed"
	AuditWebAuthnRegistered     AuditEvent = "webauthn_registered"
	AuditWebAuthnVerified       AuditEvent = "webauthn_verified"
	AuditWebAuthnRejected       AuditEvent = "webauthn_rejected"
	AuditCredentialDeleted      AuditEvent = "credential_deleted"
	AuditRecoveryReset          AuditEvent = "recovery_reset"
	AuditRecoveryResetFailed    AuditEvent = "recovery_reset_failed"
	AuditPasswordResetStarted   AuditEvent = "password_reset_started"
	AuditPasswordResetCompleted AuditEvent = "password_reset_completed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit entry with request metadata.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logUser is a convenience for events tied to a user id.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("user_id", userID)}, extra...)
	al.log(event, r, attrs...)
}
