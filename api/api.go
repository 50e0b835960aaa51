// Package api exposes the authentication engine over HTTP: chi routes,
// session cookie handling, per-IP rate limits, audit logging, and the
// OpenAPI document.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/keygate/auth"
	"github.com/jmcleod/keygate/ratelimit"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *auth.Service
	audit          *auditLogger
	trustedProxies []netip.Prefix

	// globalBucket implements the coarse per-IP request budget: 100
	// tokens refilling every second, GET costing 1 and POST 3.
	globalBucket *ratelimit.RefillingTokenBucket[string]
	// challengeBucket limits WebAuthn challenge issuance per IP.
	challengeBucket *ratelimit.RefillingTokenBucket[string]
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithTrustedProxies enables proxy-header client IP resolution for
// requests arriving from the given CIDR ranges.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance over the auth service.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		svc:             svc,
		globalBucket:    ratelimit.NewRefillingTokenBucket[string](100, time.Second),
		challengeBucket: ratelimit.NewRefillingTokenBucket[string](30, 10*time.Second),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.GlobalRateLimit)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Get("/webauthn/challenge", a.IssueWebAuthnChallenge)

	r.Group(func(r chi.Router) {
		r.Use(a.SessionMiddleware)
		r.Post("/auth/logout", a.Logout)
		r.Post("/auth/email/verify", a.VerifyEmail)
		r.Post("/auth/email/resend", a.ResendVerificationEmail)
		r.Post("/auth/password", a.ChangePassword)

		r.Get("/auth/totp/key", a.NewTOTPKey)
		r.Post("/auth/totp/setup", a.SetupTOTP)
		r.Post("/auth/totp/verify", a.VerifyTOTP)
		r.Delete("/auth/totp", a.DeleteTOTP)

		r.Post("/auth/passkey/register", a.RegisterPasskey)
		r.Post("/auth/passkey/verify", a.VerifyPasskey)
		r.Get("/auth/passkey", a.ListPasskeys)
		r.Delete("/auth/passkey", a.DeletePasskey)

		r.Post("/auth/security-key/register", a.RegisterSecurityKey)
		r.Post("/auth/security-key/verify", a.VerifySecurityKey)
		r.Get("/auth/security-key", a.ListSecurityKeys)
		r.Delete("/auth/security-key", a.DeleteSecurityKey)

		r.Get("/auth/recovery-code", a.RecoveryCode)
		r.Post("/auth/recovery/reset", a.RecoveryReset)
	})

	r.Post("/reset-password", a.StartPasswordReset)
	r.Group(func(r chi.Router) {
		r.Use(a.ResetSessionMiddleware)
		r.Post("/reset-password/verify-email", a.VerifyPasswordResetEmail)
		r.Post("/reset-password/totp", a.VerifyPasswordResetTOTP)
		r.Post("/reset-password/passkey", a.VerifyPasswordResetPasskey)
		r.Post("/reset-password/security-key", a.VerifyPasswordResetSecurityKey)
		r.Post("/reset-password/complete", a.CompletePasswordReset)
	})

	return r
}
