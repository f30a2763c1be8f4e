package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/assetledger/auth"
	"github.com/jmcleod/assetledger/internal/config"
	"github.com/jmcleod/assetledger/tabledb"
)

func TestDialer_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "excel"
	_, err := dialer(cfg)
	assert.Error(t, err)
}

func TestNewStack_Bolt(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendBolt
	cfg.Bolt.Path = filepath.Join(t.TempDir(), "nested", "ledger.db")
	cfg.MinInterval = 0

	st, err := newStack(cfg, slog.Default())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.engine.Provision(ctx))
	require.NoError(t, st.gateway.CreateAccount(ctx, auth.Account{Username: "admin", Password: "hunter22", Role: auth.AdminRole}))
	assert.True(t, st.gateway.Authenticate(ctx, "ADMIN", "hunter22"))

	snap, err := st.engine.ReadAll(ctx, tabledb.Users)
	require.NoError(t, err)
	assert.Len(t, snap.Rows, 1)
}

func TestNewStack_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendMemory
	cfg.Tables = map[string]string{tabledb.Assets: "Asset Register"}

	st, err := newStack(cfg, slog.Default())
	require.NoError(t, err)
	defer st.Close()

	tbl, err := st.engine.Catalog().Lookup(tabledb.Assets)
	require.NoError(t, err)
	assert.Equal(t, "Asset Register", tbl.Name)
	assert.True(t, st.engine.Handle().Available(context.Background()))
}
