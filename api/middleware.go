package api

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"github.com/jmcleod/keygate/auth"
	"github.com/jmcleod/keygate/store"
)

type contextKey int

const (
	sessionKey contextKey = iota
	userKey
	resetSessionKey
)

const (
	sessionCookieName = "keygate_session"
	resetCookieName   = "keygate_reset"
)

// requestCost weights mutating requests heavier against the global
// per-IP budget.
func requestCost(r *http.Request) int {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return 1
	}
	return 3
}

// GlobalRateLimit applies the coarse per-IP token budget to every
// request before any routing happens.
func (a *API) GlobalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if !a.globalBucket.Consume(ip, requestCost(r)) {
			a.audit.log(AuditRateLimited, r)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionMiddleware resolves the session cookie to a session and user
// and stores both on the request context. Validation has the usual side
// effects: expired sessions are deleted, near-expiry sessions renewed.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		session, user, err := a.svc.ValidateSessionToken(r.Context(), cookie.Value)
		if err != nil {
			mapError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		ctx = context.WithValue(ctx, userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ResetSessionMiddleware is the password-reset flow's counterpart,
// keyed by its own cookie.
func (a *API) ResetSessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(resetCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		session, user, err := a.svc.ValidatePasswordResetToken(r.Context(), cookie.Value)
		if err != nil {
			mapError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), resetSessionKey, session)
		ctx = context.WithValue(ctx, userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(r *http.Request) *store.Session {
	s, _ := r.Context().Value(sessionKey).(*store.Session)
	return s
}

func userFromContext(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

func resetSessionFromContext(r *http.Request) *store.PasswordResetSession {
	s, _ := r.Context().Value(resetSessionKey).(*store.PasswordResetSession)
	return s
}

func (a *API) setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(auth.SessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) setResetCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     resetCookieName,
		Value:    token,
		Path:     "/reset-password",
		MaxAge:   int(auth.ResetSessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// extractClientIP returns the client IP for rate limiting. Proxy
// headers are only honored when the direct peer is inside a trusted
// CIDR range; by default RemoteAddr always wins, so clients cannot
// spoof their source via headers.
func (a *API) extractClientIP(r *http.Request) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(a.trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range a.trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}
	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

// parseIPCandidate normalizes a raw address that may carry a port,
// brackets, or surrounding whitespace.
func parseIPCandidate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if addrPort, err := netip.ParseAddrPort(raw); err == nil {
		return addrPort.Addr().String(), true
	}
	raw = strings.Trim(raw, "[]")
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.String(), true
	}
	return "", false
}
