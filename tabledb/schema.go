package tabledb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/assetledger/storage"
)

// SchemaManager makes sure each table exists with its canonical header
// before anything reads or writes it. Success is remembered for the life of
// the process.
type SchemaManager struct {
	handle  *Handle
	catalog *Catalog
	logger  *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	ensured map[string]bool
}

// NewSchemaManager returns a SchemaManager for the tables in catalog.
func NewSchemaManager(h *Handle, catalog *Catalog, logger *slog.Logger) *SchemaManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaManager{
		handle:  h,
		catalog: catalog,
		logger:  logger.With("component", "tabledb.schema"),
		ensured: make(map[string]bool),
	}
}

// Ensure creates the table if it is missing and rewrites row 1 when it does
// not start with the canonical header. Columns beyond the canonical width
// are left as they are.
func (s *SchemaManager) Ensure(ctx context.Context, key string) error {
	t, err := s.catalog.Lookup(key)
	if err != nil {
		return err
	}
	if s.isEnsured(key) {
		return nil
	}
	_, err, _ = s.group.Do(key, func() (any, error) {
		if s.isEnsured(key) {
			return nil, nil
		}
		if err := s.ensure(ctx, t); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.ensured[key] = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Forget drops the memoized result for key so the next Ensure checks the
// remote table again.
func (s *SchemaManager) Forget(key string) {
	s.mu.Lock()
	delete(s.ensured, key)
	s.mu.Unlock()
}

func (s *SchemaManager) isEnsured(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured[key]
}

func (s *SchemaManager) ensure(ctx context.Context, t Table) error {
	b, err := s.handle.Backend(ctx)
	if err != nil {
		return err
	}
	exists, err := b.HasTable(ctx, t.Name)
	if err != nil {
		return &BackendError{Op: "has_table", Table: t.Name, Err: err}
	}
	if !exists {
		err := b.CreateTable(ctx, t.Name)
		switch {
		case err == nil:
			if err := b.Append(ctx, t.Name, t.Header); err != nil {
				return &BackendError{Op: "write_header", Table: t.Name, Err: err}
			}
			s.logger.Info("created table", "table", t.Name, "columns", len(t.Header))
			return nil
		case errors.Is(err, storage.ErrTableExists):
			// Someone else created it between the check and the create.
		default:
			return &BackendError{Op: "create_table", Table: t.Name, Err: err}
		}
	}

	first, err := b.ReadRow(ctx, t.Name, 1)
	if err != nil {
		return &BackendError{Op: "read_header", Table: t.Name, Err: err}
	}
	if headerMatches(first, t.Header) {
		return nil
	}

	err = b.UpdateRow(ctx, t.Name, 1, t.Header)
	if errors.Is(err, storage.ErrRowOutOfRange) {
		err = b.Append(ctx, t.Name, t.Header)
	}
	if err != nil {
		return &BackendError{Op: "write_header", Table: t.Name, Err: err}
	}
	s.logger.Warn("rewrote table header",
		"table", t.Name,
		"found", fmt.Sprint([]string(first)),
		"canonical", fmt.Sprint([]string(t.Header)),
	)
	return nil
}

func headerMatches(existing, canonical storage.Row) bool {
	if len(existing) < len(canonical) {
		return false
	}
	return slices.Equal(existing[:len(canonical)], canonical)
}
