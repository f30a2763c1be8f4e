package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/assetledger/auth"
)

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ip := clientIP(r, a.trustedProxies)
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.ipLimiter.Check(ip); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}

	token, p, err := a.gateway.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var locked *auth.LockedError
		switch {
		case errors.As(err, &locked):
			a.audit.logFailure(AuditLoginRateLimited, r, "identity locked out", slog.String("username", req.Username))
		case errors.Is(err, auth.ErrInvalidCredentials):
			a.ipLimiter.Record(ip)
			a.globalLimiter.record()
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", slog.String("username", req.Username))
		}
		mapError(w, err)
		return
	}
	a.ipLimiter.Reset(ip)

	writeSessionCookie(w, r, token, a.now().Add(a.sessionTTL))
	writeCSRFCookie(w, r)
	a.audit.logEvent(AuditLoginSuccess, r, p.Username, slog.String("role", p.Role))
	writeJSON(w, http.StatusOK, SessionResponse{Username: p.Username, Role: p.Role, Token: token})
}

// Logout handles POST /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if token := stateToken(r); token != "" {
		if p, ok := a.gateway.Session(token); ok {
			a.audit.logEvent(AuditLogout, r, p.Username)
		}
		a.gateway.Logout(token)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Session handles GET /session.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{Username: p.Username, Role: p.Role})
}

// Register handles POST /auth/register. Anyone may register an ordinary
// account; only administrators may choose the role.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, a.trustedProxies)
	if blocked, retryAfter := a.regGlobalLimiter.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}
	if blocked, retryAfter := a.regIPLimiter.Check(ip); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter, "too many requests; try again later")
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := auth.ValidatePassword(req.Password, req.ConfirmPassword); err != nil {
		mapError(w, err)
		return
	}

	role := ""
	if req.Role != "" {
		caller, ok := principalFromContext(r.Context())
		if !ok || !strings.EqualFold(caller.Role, auth.AdminRole) {
			writeError(w, http.StatusForbidden, "only administrators may assign roles")
			return
		}
		role = req.Role
	}

	a.regIPLimiter.Record(ip)
	a.regGlobalLimiter.record()

	err := a.gateway.CreateAccount(r.Context(), auth.Account{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
		Role:     role,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	if role == "" {
		role = auth.DefaultRole
	}
	a.audit.logEvent(AuditRegister, r, strings.TrimSpace(req.Username), slog.String("role", role))
	writeJSON(w, http.StatusCreated, SessionResponse{Username: strings.TrimSpace(req.Username), Role: role})
}

// RequestReset handles POST /auth/reset/request. The token is returned to
// the administrator, who hands it to the user out of band.
func (a *API) RequestReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	token, err := a.gateway.RequestReset(r.Context(), req.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	admin, _ := principalFromContext(r.Context())
	a.audit.logEvent(AuditResetRequested, r, req.Username, slog.String("requested_by", admin.Username))
	writeJSON(w, http.StatusCreated, ResetResponse{Username: req.Username, Token: token})
}

// RedeemReset handles POST /auth/reset/redeem.
func (a *API) RedeemReset(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, a.trustedProxies)
	if blocked, retryAfter := a.ipLimiter.Check(ip); blocked {
		writeRateLimited(w, retryAfter, "too many failed attempts; try again later")
		return
	}

	req, ok := decodeJSON[RedeemRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := auth.ValidatePassword(req.Password, req.ConfirmPassword); err != nil {
		mapError(w, err)
		return
	}
	if err := a.gateway.RedeemReset(r.Context(), req.Username, req.Token, req.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidResetToken) {
			a.ipLimiter.Record(ip)
			a.audit.logFailure(AuditResetFailed, r, "invalid token", slog.String("username", req.Username))
		}
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditResetRedeemed, r, req.Username)
	w.WriteHeader(http.StatusNoContent)
}
