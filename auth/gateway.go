// Package auth authenticates users against the Users table, registers new
// accounts, runs the password reset flow and binds successful logins to
// session tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/assetledger/internal/backoff"
	"github.com/jmcleod/assetledger/internal/util"
	"github.com/jmcleod/assetledger/session"
	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/tabledb"
)

const (
	// DefaultRole is assigned when an account has no role.
	DefaultRole = "user"
	// AdminRole may register accounts with any role and issue reset tokens.
	AdminRole = "admin"
	// MinPasswordLength is the shortest accepted password.
	MinPasswordLength = 6
	// DefaultResetTTL is how long a password reset token stays valid.
	DefaultResetTTL = 24 * time.Hour
	// ResetTokenBytes is the amount of randomness in a reset token.
	ResetTokenBytes = 32
)

// IdentityLockout throttles failed logins per identity: five failures lock
// the identity for a minute, doubling per further failure up to 15 minutes.
var IdentityLockout = backoff.Policy{
	Threshold: 5,
	Base:      time.Minute,
	Max:       15 * time.Minute,
	Expiry:    time.Hour,
}

// Users and PasswordResets columns.
const (
	colUsername   = "Username"
	colResetToken = "Reset Token"

	userUsername = 0
	userPassword = 1
	userEmail    = 2
	userRole     = 3

	resetUsername = 0
	resetToken    = 1
	resetExpiry   = 2
)

var (
	// ErrInvalidCredentials is returned for an unknown identity or a wrong
	// password; the two are not distinguished.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrIdentityTaken is returned when registering an existing identity.
	ErrIdentityTaken = errors.New("username already exists")
	// ErrInvalidIdentity is returned for a blank username.
	ErrInvalidIdentity = errors.New("username is required")
	// ErrPasswordTooShort is returned for passwords under MinPasswordLength.
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	// ErrPasswordMismatch is returned when the confirmation differs.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrUnknownIdentity is returned by RequestReset for an unknown user.
	ErrUnknownIdentity = errors.New("no such user")
	// ErrInvalidResetToken covers wrong, used and expired reset tokens.
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
	// ErrDirectoryUnavailable is returned when the Users table cannot be
	// read reliably enough to act on.
	ErrDirectoryUnavailable = errors.New("user directory temporarily unavailable")
)

// LockedError is returned by Login while an identity is locked out after
// repeated failures.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed login attempts; retry in %s", e.RetryAfter.Round(time.Second))
}

// Account is a registration request.
type Account struct {
	Username string
	Password string
	Email    string
	// Role defaults to DefaultRole.
	Role string
}

// Principal is an authenticated user.
type Principal struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Gateway is the single entry point for authentication.
type Gateway struct {
	engine   *tabledb.Engine
	sessions session.Store
	hasher   *PasswordHasher
	lockout  *backoff.Limiter
	now      func() time.Time
	resetTTL time.Duration
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHasher replaces the default password hasher.
func WithHasher(h *PasswordHasher) Option {
	return func(g *Gateway) {
		g.hasher = h
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithResetTTL sets how long reset tokens stay valid.
func WithResetTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		g.resetTTL = ttl
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New returns a Gateway storing accounts through engine and issuing tokens
// from sessions.
func New(engine *tabledb.Engine, sessions session.Store, opts ...Option) *Gateway {
	g := &Gateway{
		engine:   engine,
		sessions: sessions,
		now:      time.Now,
		resetTTL: DefaultResetTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.hasher == nil {
		g.hasher, _ = NewPasswordHasher(util.DefaultArgon2idParams())
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "auth")
	g.lockout = backoff.New(IdentityLockout, g.now)
	return g
}

// ValidatePassword checks a new password and its confirmation.
func ValidatePassword(password, confirm string) error {
	if len([]rune(password)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

type user struct {
	username string
	hash     string
	email    string
	role     string
}

// lookup finds the user whose name folds to the same value as identity.
func (g *Gateway) lookup(ctx context.Context, identity string) (user, tabledb.Status, bool, error) {
	want := util.FoldIdentity(identity)
	if want == "" {
		return user{}, tabledb.StatusFresh, false, nil
	}
	m, ok, err := g.engine.FindRowFunc(ctx, tabledb.Users, colUsername, func(v string) bool {
		return util.FoldIdentity(v) == want
	})
	if err != nil || !ok {
		return user{}, m.Status, false, err
	}
	return user{
		username: m.Row[userUsername],
		hash:     m.Row[userPassword],
		email:    m.Row[userEmail],
		role:     m.Row[userRole],
	}, m.Status, true, nil
}

// Authenticate reports whether password is correct for identity. Lookup
// failures of any kind count as a mismatch.
func (g *Gateway) Authenticate(ctx context.Context, identity, password string) bool {
	_, ok := g.authenticate(ctx, identity, password)
	return ok
}

func (g *Gateway) authenticate(ctx context.Context, identity, password string) (user, bool) {
	u, _, ok, err := g.lookup(ctx, identity)
	if err != nil {
		g.logger.Error("user lookup failed", "error", err)
	}
	if !ok || u.hash == "" {
		g.hasher.burn(password)
		return user{}, false
	}
	if !g.hasher.Verify(u.hash, password) {
		return user{}, false
	}
	return u, true
}

// CreateAccount registers a new user. Usernames are unique regardless of
// case. The uniqueness check and the append are separate remote calls, so
// two concurrent registrations of one name can both succeed.
func (g *Gateway) CreateAccount(ctx context.Context, a Account) error {
	name := strings.TrimSpace(a.Username)
	if name == "" {
		return ErrInvalidIdentity
	}
	if len([]rune(a.Password)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	_, status, exists, err := g.lookup(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", name, ErrIdentityTaken)
	}
	// Without a current view of Users the duplicate check means nothing.
	if status == tabledb.StatusStale || status == tabledb.StatusUnavailable {
		return ErrDirectoryUnavailable
	}

	hash, err := g.hasher.Hash(a.Password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	role := strings.TrimSpace(a.Role)
	if role == "" {
		role = DefaultRole
	}
	row := storage.Row{name, hash, strings.TrimSpace(a.Email), role}
	if err := g.engine.Append(ctx, tabledb.Users, row); err != nil {
		return err
	}
	g.logger.Info("account created", "username", name, "role", role)
	return nil
}

// ResolveRole returns the stored role for identity, or DefaultRole.
func (g *Gateway) ResolveRole(ctx context.Context, identity string) string {
	u, _, ok, err := g.lookup(ctx, identity)
	if err != nil || !ok || u.role == "" {
		return DefaultRole
	}
	return u.role
}

// RequestReset records a single-use reset token for identity and returns
// it. Delivering the token is the caller's business.
func (g *Gateway) RequestReset(ctx context.Context, identity string) (string, error) {
	u, _, ok, err := g.lookup(ctx, identity)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnknownIdentity
	}
	token, err := util.RandomToken(ResetTokenBytes)
	if err != nil {
		return "", err
	}
	expiry := g.now().Add(g.resetTTL).UTC().Format(time.RFC3339)
	if err := g.engine.Append(ctx, tabledb.PasswordResets, storage.Row{u.username, token, expiry}); err != nil {
		return "", err
	}
	g.logger.Info("password reset requested", "username", u.username)
	return token, nil
}

// RedeemReset replaces the password of identity if token is a live reset
// token issued for it. The reset row is removed before the password is
// written, so a token can be redeemed at most once.
func (g *Gateway) RedeemReset(ctx context.Context, identity, token, newPassword string) error {
	if len([]rune(newPassword)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	want := util.FoldIdentity(identity)
	if want == "" || token == "" {
		return ErrInvalidResetToken
	}

	snap, err := g.engine.ReadAll(ctx, tabledb.PasswordResets)
	if err != nil {
		return err
	}
	var row storage.Row
	for _, r := range snap.Rows {
		if util.FoldIdentity(r[resetUsername]) == want &&
			subtle.ConstantTimeCompare([]byte(r[resetToken]), []byte(token)) == 1 {
			row = r
			break
		}
	}
	if row == nil {
		return ErrInvalidResetToken
	}
	expires, err := parseExpiry(row[resetExpiry])
	if err != nil || !g.now().Before(expires) {
		if err := g.engine.DeleteByKey(ctx, tabledb.PasswordResets, colResetToken, token); err != nil && !errors.Is(err, tabledb.ErrKeyNotFound) {
			g.logger.Warn("could not remove expired reset token", "error", err)
		}
		return ErrInvalidResetToken
	}

	if err := g.engine.DeleteByKey(ctx, tabledb.PasswordResets, colResetToken, token); err != nil {
		if errors.Is(err, tabledb.ErrKeyNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}

	hash, err := g.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	username := row[resetUsername]
	if err := g.engine.UpdateByKey(ctx, tabledb.Users, colUsername, username, storage.Row{username, hash}); err != nil {
		if errors.Is(err, tabledb.ErrKeyNotFound) {
			return ErrUnknownIdentity
		}
		return err
	}
	g.logger.Info("password reset completed", "username", username)
	return nil
}

// Login authenticates identity and issues a session token.
func (g *Gateway) Login(ctx context.Context, identity, password string) (string, Principal, error) {
	key := util.FoldIdentity(identity)
	if blocked, retry := g.lockout.Check(key); blocked {
		return "", Principal{}, &LockedError{RetryAfter: retry}
	}
	u, ok := g.authenticate(ctx, identity, password)
	if !ok {
		g.lockout.Record(key)
		return "", Principal{}, ErrInvalidCredentials
	}
	g.lockout.Reset(key)
	g.upgradeHash(ctx, u, password)

	p := Principal{Username: u.username, Role: u.role}
	if p.Role == "" {
		p.Role = DefaultRole
	}
	token, err := g.sessions.Issue(p.Username, p.Role)
	if err != nil {
		return "", Principal{}, err
	}
	return token, p, nil
}

// upgradeHash replaces a legacy or outdated hash after a successful login.
// Failure is logged and otherwise ignored.
func (g *Gateway) upgradeHash(ctx context.Context, u user, password string) {
	if !g.hasher.NeedsRehash(u.hash) {
		return
	}
	hash, err := g.hasher.Hash(password)
	if err == nil {
		err = g.engine.UpdateByKey(ctx, tabledb.Users, colUsername, u.username, storage.Row{u.username, hash})
	}
	if err != nil {
		g.logger.Warn("could not upgrade password hash", "username", u.username, "error", err)
		return
	}
	g.logger.Info("upgraded password hash", "username", u.username)
}

// Logout revokes token.
func (g *Gateway) Logout(token string) {
	g.sessions.Revoke(token)
}

// Session resolves a session token to its principal, extending its expiry.
func (g *Gateway) Session(token string) (Principal, bool) {
	id, ok := g.sessions.Validate(token)
	if !ok {
		return Principal{}, false
	}
	return Principal{Username: id.Subject, Role: id.Role}, true
}

// Restore resolves a session from a cookie token or, failing that, a URL
// token. The returned token is the one the client should keep.
func (g *Gateway) Restore(stateToken, urlToken string) (Principal, string, bool) {
	id, token, ok := session.Restore(g.sessions, stateToken, urlToken)
	if !ok {
		return Principal{}, "", false
	}
	return Principal{Username: id.Subject, Role: id.Role}, token, true
}

// Sweep drops expired lockout records.
func (g *Gateway) Sweep() {
	g.lockout.Sweep()
}

// parseExpiry accepts RFC 3339 and naive ISO 8601 timestamps. Naive values
// are read in local time.
func parseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.Local)
}
