// Package auth implements the authentication verification engine:
// user registration and login, session and password-reset state
// machines, TOTP and recovery-code factors, WebAuthn credential
// registration and assertion verification, and the rate limits gating
// all of it. Persistence goes through the store gateway; nothing here
// knows about HTTP.
package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/keygate/ratelimit"
	"github.com/jmcleod/keygate/store"
	"github.com/jmcleod/keygate/webauthn"
)

// Lifetimes for the session state machines.
const (
	SessionLifetime = 30 * 24 * time.Hour
	// SessionRenewalWindow is the trailing fraction of the lifetime in
	// which validation extends the session.
	SessionRenewalWindow = 15 * 24 * time.Hour

	ResetSessionLifetime      = 10 * time.Minute
	EmailVerificationLifetime = 10 * time.Minute
)

// Service is the core engine. All rate-limit state is owned by the
// instance; nothing is process-global.
type Service struct {
	store      store.Store
	logger     *slog.Logger
	rp         webauthn.RelyingParty
	challenges *webauthn.ChallengeSet
	// secretKey holds the process-wide AES key for the secret codec
	// (TOTP keys, recovery codes), opened transiently per operation.
	secretKey *memguard.Enclave
	breach    BreachChecker
	mailer    Mailer
	now       func() time.Time

	// Limiter parameters follow the operation they guard: TOTP
	// verification gets 5 attempts per 30 minutes, key updates 3 per
	// 10 minutes, recovery codes 3 per hour, verification emails 3 per
	// 10 minutes, and login attempts back off along an escalating
	// table.
	totpBucket      *ratelimit.ExpiringTokenBucket[string]
	totpSetupBucket *ratelimit.RefillingTokenBucket[string]
	recoveryBucket  *ratelimit.ExpiringTokenBucket[string]
	emailBucket     *ratelimit.ExpiringTokenBucket[string]
	loginThrottle   *ratelimit.Throttler[string]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger for internal diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRelyingParty sets the WebAuthn relying-party identity. The ID is
// the deployment host; the origin is the full base URL.
func WithRelyingParty(rp webauthn.RelyingParty) Option {
	return func(s *Service) { s.rp = rp }
}

// WithBreachChecker replaces the breach-corpus lookup used by the
// password strength check.
func WithBreachChecker(b BreachChecker) Option {
	return func(s *Service) { s.breach = b }
}

// WithMailer replaces the verification-code delivery mechanism.
func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// New creates a Service over the given store. secretKey must hold a
// 32-byte AES key; it stays enclave-guarded and is only opened while
// sealing or opening a stored secret.
func New(st store.Store, secretKey *memguard.Enclave, opts ...Option) *Service {
	s := &Service{
		store:      st,
		logger:     slog.Default(),
		rp:         webauthn.RelyingParty{ID: "localhost", Origin: "http://localhost"},
		challenges: webauthn.NewChallengeSet(),
		secretKey:  secretKey,
		breach:     &HIBPChecker{},
		mailer:     &LogMailer{},
		now:        time.Now,

		totpBucket:      ratelimit.NewExpiringTokenBucket[string](5, 30*time.Minute),
		totpSetupBucket: ratelimit.NewRefillingTokenBucket[string](3, 10*time.Minute),
		recoveryBucket:  ratelimit.NewExpiringTokenBucket[string](3, time.Hour),
		emailBucket:     ratelimit.NewExpiringTokenBucket[string](3, 10*time.Minute),
		loginThrottle: ratelimit.NewThrottler[string]([]time.Duration{
			0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 30 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mailer == nil {
		s.mailer = &LogMailer{Logger: s.logger}
	}
	return s
}

// Challenges exposes the ceremony challenge set so the caller can run
// the TTL sweeper.
func (s *Service) Challenges() *webauthn.ChallengeSet {
	return s.challenges
}

// internalf wraps a storage or codec failure as ErrInternal with detail
// retained for logs.
func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
