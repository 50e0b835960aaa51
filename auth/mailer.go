package auth

import (
	"context"
	"log/slog"
)

// Mailer delivers one-time verification codes. Transport is out of
// scope for the engine; deployments inject their own implementation.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogMailer writes codes to the log instead of sending mail. Default
// for development and tests.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) SendVerificationCode(_ context.Context, email, code string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("verification code issued", "email", email, "code", code)
	return nil
}
