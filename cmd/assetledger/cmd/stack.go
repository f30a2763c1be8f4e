package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/assetledger/auth"
	"github.com/jmcleod/assetledger/internal/config"
	"github.com/jmcleod/assetledger/session"
	"github.com/jmcleod/assetledger/storage"
	bboltstorage "github.com/jmcleod/assetledger/storage/bbolt"
	"github.com/jmcleod/assetledger/storage/memory"
	"github.com/jmcleod/assetledger/storage/postgres"
	"github.com/jmcleod/assetledger/storage/sheets"
	"github.com/jmcleod/assetledger/tabledb"
)

// stack is the assembled data layer and account gateway.
type stack struct {
	registry *prometheus.Registry
	handle   *tabledb.Handle
	engine   *tabledb.Engine
	sessions *session.MemoryStore
	gateway  *auth.Gateway
}

func newStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	dial, err := dialer(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := tabledb.NewCatalog(cfg.Tables)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := tabledb.NewMetrics(reg)

	handle := tabledb.NewHandle(dial,
		tabledb.WithThrottle(tabledb.NewThrottle(cfg.MinInterval)),
		tabledb.WithHandleMetrics(metrics),
		tabledb.WithHandleLogger(logger),
	)
	cache := tabledb.NewCache(
		tabledb.WithTTL(cfg.CacheTTL),
		tabledb.WithCacheMetrics(metrics),
		tabledb.WithCacheLogger(logger),
	)
	engine := tabledb.New(handle,
		tabledb.WithCatalog(catalog),
		tabledb.WithCache(cache),
		tabledb.WithLogger(logger),
	)
	sessions := session.NewMemoryStore(session.WithTTL(cfg.SessionTTL))
	gateway := auth.New(engine, sessions,
		auth.WithResetTTL(cfg.ResetTTL),
		auth.WithLogger(logger),
	)
	return &stack{
		registry: reg,
		handle:   handle,
		engine:   engine,
		sessions: sessions,
		gateway:  gateway,
	}, nil
}

func (s *stack) Close() {
	s.sessions.Close()
	if err := s.handle.Close(); err != nil {
		slog.Warn("closing backend", "error", err)
	}
}

// dialer returns a Dialer for the configured backend. Dialing is deferred
// so the service starts even when the remote store is unreachable.
func dialer(cfg config.Config) (tabledb.Dialer, error) {
	switch cfg.Backend {
	case config.BackendSheets:
		sc := sheets.Config{
			SpreadsheetID:   cfg.Sheets.SpreadsheetID,
			CredentialsFile: cfg.Sheets.CredentialsFile,
			Endpoint:        cfg.Sheets.Endpoint,
			Timeout:         cfg.RequestTimeout,
		}
		if cfg.Sheets.CredentialsJSON != "" {
			sc.CredentialsJSON = []byte(cfg.Sheets.CredentialsJSON)
		}
		return func(ctx context.Context) (storage.Backend, error) {
			c, err := sheets.New(ctx, sc)
			if err != nil {
				return nil, err
			}
			return c, nil
		}, nil
	case config.BackendBolt:
		path := cfg.Bolt.Path
		return func(context.Context) (storage.Backend, error) {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
			s, err := bboltstorage.Open(path, &bbolt.Options{Timeout: time.Second})
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil
	case config.BackendPostgres:
		dsn := cfg.Postgres.DSN
		timeout := cfg.RequestTimeout
		return func(ctx context.Context) (storage.Backend, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			s, err := postgres.Open(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil
	case config.BackendMemory:
		b := memory.New()
		return func(context.Context) (storage.Backend, error) { return b, nil }, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
