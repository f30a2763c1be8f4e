// Package api exposes accounts, sessions and the business tables over a JSON
// REST interface.
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

	"github.com/jmcleod/assetledger/auth"
	"github.com/jmcleod/assetledger/internal/backoff"
	"github.com/jmcleod/assetledger/session"
	"github.com/jmcleod/assetledger/tabledb"
)

const (
	globalLoginWindow      = time.Minute
	globalLoginMaxFailures = 100
	globalLoginLockout     = 5 * time.Minute

	globalRegisterWindow      = time.Minute
	globalRegisterMaxRequests = 50
	globalRegisterLockout     = 5 * time.Minute
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine  *tabledb.Engine
	gateway *auth.Gateway
	audit   *auditLogger

	sessionTTL     time.Duration
	trustedProxies []netip.Prefix
	now            func() time.Time
	alertFn        AlertFunc

	ipLimiter        *backoff.Limiter
	globalLimiter    *windowLimiter
	regIPLimiter     *backoff.Limiter
	regGlobalLimiter *windowLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithTrustedProxies lists the peers whose forwarding headers are believed
// when deciding a client's address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc sets the callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithSessionTTL sets the lifetime of session cookies. It should match the
// session store's sliding window.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *API) {
		a.sessionTTL = ttl
	}
}

// WithClock replaces time.Now in the rate limiters and cookie expiries, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(engine *tabledb.Engine, gateway *auth.Gateway, opts ...Option) *API {
	a := &API{
		engine:     engine,
		gateway:    gateway,
		sessionTTL: session.DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn == nil {
		logger := a.audit.logger
		a.alertFn = func(ev AlertEvent) {
			logger.Warn("anomaly detected", "type", ev.Type, "count", ev.Count, "threshold", ev.Threshold)
		}
	}
	a.audit.alerts = newAlertCollector(a.alertFn, a.now)
	a.ipLimiter = backoff.New(loginIPPolicy, a.now)
	a.globalLimiter = newWindowLimiter(globalLoginWindow, globalLoginMaxFailures, globalLoginLockout, a.now)
	a.regIPLimiter = backoff.New(registerIPPolicy, a.now)
	a.regGlobalLimiter = newWindowLimiter(globalRegisterWindow, globalRegisterMaxRequests, globalRegisterLockout, a.now)
	return a
}

// Sweep drops expired rate-limit and lockout records. Call it periodically.
func (a *API) Sweep() {
	a.ipLimiter.Sweep()
	a.regIPLimiter.Sweep()
	a.gateway.Sweep()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

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

	r.Get("/health", a.Health)

	r.Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)
	r.With(a.OptionalAuth, CSRFMiddleware).Post("/auth/register", a.Register)
	r.With(a.AuthMiddleware, CSRFMiddleware, RequireRole(auth.AdminRole)).Post("/auth/reset/request", a.RequestReset)
	r.Post("/auth/reset/redeem", a.RedeemReset)
	r.With(a.AuthMiddleware).Get("/session", a.Session)

	r.Route("/tables", func(r chi.Router) {
		r.Use(a.AuthMiddleware, CSRFMiddleware)
		r.Get("/", a.ListTables)
		r.Get("/{table}", a.ReadTable)
		r.Get("/{table}/find", a.FindRow)
		r.Post("/{table}/rows", a.AppendRow)
		r.Put("/{table}/rows/{index}", a.UpdateRow)
		r.Delete("/{table}/rows/{index}", a.DeleteRow)
		r.Put("/{table}/keys/{key}", a.UpdateByKey)
		r.Delete("/{table}/keys/{key}", a.DeleteByKey)
	})

	return r
}
