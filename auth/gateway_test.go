package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/assetledger/session"
	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/tabledb"
)

func TestCreateAccount_StoresHashAndDefaultRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")

	snap, err := f.engine.ReadAll(ctx, tabledb.Users)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	row := snap.Rows[0]
	assert.Equal(t, "alice", row[0])
	assert.NotEqual(t, "s3cret!", row[1])
	assert.Contains(t, row[1], "$argon2id$")
	assert.Equal(t, "alice@example.com", row[2])
	assert.Equal(t, DefaultRole, row[3])
}

func TestCreateAccount_DuplicateIgnoresCase(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Alice", "s3cret!", "admin")

	err := f.gw.CreateAccount(context.Background(), Account{Username: " alice ", Password: "another1"})
	assert.ErrorIs(t, err, ErrIdentityTaken)
}

func TestCreateAccount_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.gw.CreateAccount(ctx, Account{Username: "  ", Password: "s3cret!"}), ErrInvalidIdentity)
	assert.ErrorIs(t, f.gw.CreateAccount(ctx, Account{Username: "bob", Password: "12345"}), ErrPasswordTooShort)
}

func TestCreateAccount_RefusesWhenDirectoryDegraded(t *testing.T) {
	f := newFixture(t)
	f.backend.quota.Store(true)

	err := f.gw.CreateAccount(context.Background(), Account{Username: "bob", Password: "s3cret!"})
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

// Registration is check-then-append with no lock on the remote table, so
// two simultaneous registrations of one name can both pass the duplicate
// check. This records the outcome rather than asserting a single winner.
func TestCreateAccount_ConcurrentDuplicateRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"alice", "Alice"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = f.gw.CreateAccount(ctx, Account{Username: name, Password: "s3cret!"})
		}()
	}
	close(start)
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrIdentityTaken)
	}
	require.GreaterOrEqual(t, created, 1, "at least one registration must win")

	f.engine.Invalidate(tabledb.Users)
	snap, err := f.engine.ReadAll(ctx, tabledb.Users)
	require.NoError(t, err)
	rows := 0
	for _, row := range snap.Rows {
		if strings.EqualFold(row[0], "alice") {
			rows++
		}
	}
	assert.Equal(t, created, rows, "every successful registration leaves exactly one row")
	t.Logf("concurrent registrations: %d succeeded, %d rows for alice", created, rows)

	assert.True(t, f.gw.Authenticate(ctx, "alice", "s3cret!"))
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")

	assert.True(t, f.gw.Authenticate(ctx, "alice", "s3cret!"))
	assert.True(t, f.gw.Authenticate(ctx, "ALICE", "s3cret!"))
	assert.False(t, f.gw.Authenticate(ctx, "alice", "wrong"))
	assert.False(t, f.gw.Authenticate(ctx, "nobody", "s3cret!"))
	assert.False(t, f.gw.Authenticate(ctx, "", ""))
}

func TestAuthenticate_FailsClosedWhenBackendDown(t *testing.T) {
	hasher, err := NewPasswordHasher(fastParams)
	require.NoError(t, err)
	h := tabledb.NewHandle(func(context.Context) (storage.Backend, error) {
		return nil, errors.New("no credentials")
	})
	engine := tabledb.New(h, tabledb.WithLogger(discardLogger()))
	gw := New(engine, session.NewMemoryStore(), WithHasher(hasher), WithLogger(discardLogger()))

	assert.False(t, gw.Authenticate(context.Background(), "alice", "s3cret!"))
	assert.Equal(t, DefaultRole, gw.ResolveRole(context.Background(), "alice"))
}

func TestAuthenticate_LegacyBcryptAndUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.engine.Append(ctx, tabledb.Users, storage.Row{"carol", string(legacy), "c@example.com", "admin"}))

	assert.True(t, f.gw.Authenticate(ctx, "carol", "old-pass"))

	_, p, err := f.gw.Login(ctx, "carol", "old-pass")
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)

	snap, err := f.engine.ReadAll(ctx, tabledb.Users)
	require.NoError(t, err)
	assert.Contains(t, snap.Rows[0][1], "$argon2id$")
	assert.Equal(t, "c@example.com", snap.Rows[0][2], "upgrade must leave other columns alone")
	assert.True(t, f.gw.Authenticate(ctx, "carol", "old-pass"))
}

func TestResolveRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "root", "s3cret!", "admin")
	require.NoError(t, f.engine.Append(ctx, tabledb.Users, storage.Row{"blank", "x", "", ""}))

	assert.Equal(t, "admin", f.gw.ResolveRole(ctx, "Root"))
	assert.Equal(t, DefaultRole, f.gw.ResolveRole(ctx, "blank"))
	assert.Equal(t, DefaultRole, f.gw.ResolveRole(ctx, "ghost"))
}

func TestLogin_IssuesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "manager")

	token, p, err := f.gw.Login(ctx, "alice", "s3cret!")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, Principal{Username: "alice", Role: "manager"}, p)

	got, ok := f.gw.Session(token)
	require.True(t, ok)
	assert.Equal(t, p, got)

	f.gw.Logout(token)
	_, ok = f.gw.Session(token)
	assert.False(t, ok)
}

func TestLogin_Restore(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "s3cret!", "")
	token, _, err := f.gw.Login(context.Background(), "alice", "s3cret!")
	require.NoError(t, err)

	p, kept, ok := f.gw.Restore("", token)
	require.True(t, ok)
	assert.Equal(t, token, kept)
	assert.Equal(t, "alice", p.Username)

	_, _, ok = f.gw.Restore("stale", "")
	assert.False(t, ok)
}

func TestLogin_LocksOutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")

	for i := 0; i < IdentityLockout.Threshold; i++ {
		_, _, err := f.gw.Login(ctx, "alice", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := f.gw.Login(ctx, "Alice", "s3cret!")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, IdentityLockout.Base, locked.RetryAfter)

	f.clock.Advance(IdentityLockout.Base + time.Second)
	_, _, err = f.gw.Login(ctx, "alice", "s3cret!")
	require.NoError(t, err)
}

func TestLogin_LockoutIsPerIdentityAndSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")
	f.register(t, "bob", "hunter2!", "")

	for i := 0; i < IdentityLockout.Threshold; i++ {
		_, _, _ = f.gw.Login(ctx, "alice", "wrong")
	}
	_, _, err := f.gw.Login(ctx, "bob", "hunter2!")
	require.NoError(t, err, "another identity is unaffected")

	f.clock.Advance(IdentityLockout.Expiry + time.Second)
	f.gw.Sweep()
	_, _, err = f.gw.Login(ctx, "alice", "s3cret!")
	require.NoError(t, err)
}

func TestReset_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")

	token, err := f.gw.RequestReset(ctx, "ALICE")
	require.NoError(t, err)
	assert.Len(t, token, 43)

	snap, err := f.engine.ReadAll(ctx, tabledb.PasswordResets)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, storage.Row{"alice", token, "2024-05-03T10:00:00Z"}, snap.Rows[0])

	require.NoError(t, f.gw.RedeemReset(ctx, "alice", token, "brand-new"))
	assert.True(t, f.gw.Authenticate(ctx, "alice", "brand-new"))
	assert.False(t, f.gw.Authenticate(ctx, "alice", "s3cret!"))

	// Single use.
	assert.ErrorIs(t, f.gw.RedeemReset(ctx, "alice", token, "again-new"), ErrInvalidResetToken)
	snap, err = f.engine.ReadAll(ctx, tabledb.PasswordResets)
	require.NoError(t, err)
	assert.Empty(t, snap.Rows)
}

func TestReset_UnknownIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.RequestReset(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestReset_RejectsWrongUserOrToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")
	f.register(t, "bob", "s3cret!", "")

	token, err := f.gw.RequestReset(ctx, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, f.gw.RedeemReset(ctx, "bob", token, "hijacked"), ErrInvalidResetToken)
	assert.ErrorIs(t, f.gw.RedeemReset(ctx, "alice", "bogus", "hijacked"), ErrInvalidResetToken)
	assert.ErrorIs(t, f.gw.RedeemReset(ctx, "alice", token, "short"), ErrPasswordTooShort)
	assert.True(t, f.gw.Authenticate(ctx, "bob", "s3cret!"))
}

func TestReset_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")

	token, err := f.gw.RequestReset(ctx, "alice")
	require.NoError(t, err)
	f.clock.Advance(DefaultResetTTL + time.Minute)

	assert.ErrorIs(t, f.gw.RedeemReset(ctx, "alice", token, "brand-new"), ErrInvalidResetToken)
	assert.True(t, f.gw.Authenticate(ctx, "alice", "s3cret!"))

	snap, err := f.engine.ReadAll(ctx, tabledb.PasswordResets)
	require.NoError(t, err)
	assert.Empty(t, snap.Rows, "expired token should be removed")
}

func TestReset_NaiveExpiryFormat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "s3cret!", "")
	expiry := f.clock.Now().In(time.Local).Add(time.Hour).Format("2006-01-02T15:04:05.000000")
	require.NoError(t, f.engine.Append(ctx, tabledb.PasswordResets, storage.Row{"alice", "legacy-token", expiry}))

	require.NoError(t, f.gw.RedeemReset(ctx, "alice", "legacy-token", "brand-new"))
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("abcdef", "abcdef"))
	assert.ErrorIs(t, ValidatePassword("abc", "abc"), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePassword("abcdef", "abcdeg"), ErrPasswordMismatch)
}

func TestParseExpiry(t *testing.T) {
	got, err := parseExpiry("2024-05-03T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)))

	got, err = parseExpiry("2024-05-03T10:00:00.123456")
	require.NoError(t, err)
	assert.Equal(t, time.Local, got.Location())

	_, err = parseExpiry("tomorrow")
	assert.Error(t, err)
}
