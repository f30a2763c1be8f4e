package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/assetledger/auth"
)

type contextKey int

const principalKey contextKey = iota

const (
	sessionCookieName = "assetledger_session"
	// tokenParam carries a session token in the URL so a full reload can
	// restore it.
	tokenParam = "token"
)

// AuthMiddleware resolves the caller's session from, in order, the session
// cookie or bearer header and the ?token= URL parameter. A URL token that
// validates is promoted into the session cookie.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, token, ok := a.restore(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		switch {
		case token != stateToken(r):
			writeSessionCookie(w, r, token, a.now().Add(a.sessionTTL))
			writeCSRFCookie(w, r)
		case hasSessionCookie(r):
			// The server-side expiry slid forward; keep the cookie in step.
			writeSessionCookie(w, r, token, a.now().Add(a.sessionTTL))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// OptionalAuth attaches the principal when one can be restored and lets the
// request through either way.
func (a *API) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, _, ok := a.restore(r); ok {
			r = r.WithContext(context.WithValue(r.Context(), principalKey, p))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects principals whose role is not role. It must run after
// AuthMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFromContext(r.Context())
			if !ok || !strings.EqualFold(p.Role, role) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) restore(r *http.Request) (auth.Principal, string, bool) {
	return a.gateway.Restore(stateToken(r), r.URL.Query().Get(tokenParam))
}

// stateToken returns the token the client already holds: the session cookie,
// or a bearer token for non-browser clients.
func stateToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func hasSessionCookie(r *http.Request) bool {
	c, err := r.Cookie(sessionCookieName)
	return err == nil && c.Value != ""
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// SecurityHeaders sets standard security response headers. The docs pages
// load their assets from a CDN and get a looser content policy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if !strings.Contains(r.URL.Path, "/docs") && !strings.Contains(r.URL.Path, "/redoc") {
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
