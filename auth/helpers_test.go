package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/assetledger/internal/util"
	"github.com/jmcleod/assetledger/session"
	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/storage/memory"
	"github.com/jmcleod/assetledger/tabledb"
)

// fastParams keeps Argon2id cheap in tests.
var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyBackend is a memory backend whose reads can be made to hit quota.
type flakyBackend struct {
	*memory.Backend
	quota atomic.Bool
}

func (f *flakyBackend) ReadAll(ctx context.Context, table string) ([]storage.Row, error) {
	if f.quota.Load() {
		return nil, storage.ErrQuotaExceeded
	}
	return f.Backend.ReadAll(ctx, table)
}

type fixture struct {
	gw       *Gateway
	engine   *tabledb.Engine
	backend  *flakyBackend
	sessions *session.MemoryStore
	clock    *testClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)}
	backend := &flakyBackend{Backend: memory.New()}
	logger := discardLogger()
	engine := tabledb.New(tabledb.Connected(backend),
		tabledb.WithLogger(logger),
		tabledb.WithCache(tabledb.NewCache(tabledb.WithClock(clock.Now), tabledb.WithCacheLogger(logger))),
	)
	require.NoError(t, engine.Provision(context.Background()))

	hasher, err := NewPasswordHasher(fastParams)
	require.NoError(t, err)
	sessions := session.NewMemoryStore(session.WithClock(clock.Now))
	gw := New(engine, sessions, WithHasher(hasher), WithClock(clock.Now), WithLogger(logger))
	return &fixture{gw: gw, engine: engine, backend: backend, sessions: sessions, clock: clock}
}

func (f *fixture) register(t *testing.T, username, password, role string) {
	t.Helper()
	require.NoError(t, f.gw.CreateAccount(context.Background(), Account{
		Username: username,
		Password: password,
		Email:    username + "@example.com",
		Role:     role,
	}))
}
