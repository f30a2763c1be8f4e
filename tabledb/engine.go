package tabledb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/assetledger/internal/uuid"
	"github.com/jmcleod/assetledger/storage"
)

// Engine performs row-level reads and writes against the catalog's tables.
type Engine struct {
	handle  *Handle
	catalog *Catalog
	schema  *SchemaManager
	cache   *Cache
	logger  *slog.Logger
	newID   func(prefix string) string
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog sets the table catalog. The default is DefaultCatalog.
func WithCatalog(c *Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithCache sets the snapshot cache. The default is NewCache().
func WithCache(c *Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithIDGenerator replaces the generator used for blank row IDs.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// New returns an Engine reading and writing through h.
func New(h *Handle, opts ...Option) *Engine {
	e := &Engine{handle: h, newID: uuid.Prefixed}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.catalog == nil {
		e.catalog = DefaultCatalog()
	}
	if e.cache == nil {
		e.cache = NewCache(WithCacheLogger(e.logger))
	}
	e.schema = NewSchemaManager(h, e.catalog, e.logger)
	e.logger = e.logger.With("component", "tabledb.engine")
	return e
}

// Catalog returns the engine's table catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Handle returns the engine's connection handle.
func (e *Engine) Handle() *Handle { return e.handle }

// Provision ensures every table in the catalog exists with its canonical
// header.
func (e *Engine) Provision(ctx context.Context) error {
	var errs []error
	for _, key := range e.catalog.Keys() {
		if err := e.schema.Ensure(ctx, key); err != nil {
			t, _ := e.catalog.Lookup(key)
			errs = append(errs, e.fail("provision", t, err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate expires the cached snapshot of table.
func (e *Engine) Invalidate(table string) {
	e.cache.Invalidate(table)
}

// ReadAll returns every data row of table. When the remote store throttles
// the read, the last good snapshot (StatusStale) or an empty one
// (StatusUnavailable) is returned instead of an error.
func (e *Engine) ReadAll(ctx context.Context, table string) (Snapshot, error) {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := e.cache.Read(ctx, t.Key, func(ctx context.Context) (Snapshot, error) {
		return e.fetch(ctx, t)
	})
	if err != nil {
		return Snapshot{}, e.fail("read_all", t, err)
	}
	if snap.Header == nil {
		snap.Header = t.Header
	}
	return snap, nil
}

func (e *Engine) fetch(ctx context.Context, t Table) (Snapshot, error) {
	b, err := e.prepare(ctx, t)
	if err != nil {
		return Snapshot{}, err
	}
	rows, err := b.ReadAll(ctx, t.Name)
	if err != nil {
		e.forgetMissing(t, err)
		return Snapshot{}, &BackendError{Op: "read_all", Table: t.Name, Err: err}
	}
	header := t.Header
	if len(rows) > 0 && len(rows[0]) > len(header) {
		header = rows[0]
	}
	snap := Snapshot{Header: header.Clone(), Rows: make([]storage.Row, 0, max(len(rows)-1, 0))}
	for _, r := range rows[min(1, len(rows)):] {
		snap.Rows = append(snap.Rows, r.Padded(len(header)))
	}
	return snap, nil
}

// Append writes row after the last row of table. A blank first field is
// filled with a fresh ID for tables that mint IDs.
func (e *Engine) Append(ctx context.Context, table string, row storage.Row) error {
	_, err := e.Insert(ctx, table, row)
	return err
}

// Insert is Append that also returns the row's first field, which is the
// generated ID when one was minted.
func (e *Engine) Insert(ctx context.Context, table string, row storage.Row) (string, error) {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return "", err
	}
	if err := checkWidth(t, row); err != nil {
		return "", err
	}
	row = row.Clone()
	if t.IDPrefix != "" && row[0] == "" {
		row[0] = e.newID(t.IDPrefix)
	}

	b, err := e.prepare(ctx, t)
	if err != nil {
		return "", e.fail("append", t, err)
	}
	if err := b.Append(ctx, t.Name, row); err != nil {
		e.forgetMissing(t, err)
		return "", e.fail("append", t, err)
	}
	e.cache.Invalidate(t.Key)
	return row[0], nil
}

// Update overwrites the leading len(row) fields of the row at the 0-based
// logical index. The index is checked against a fresh read of the table;
// an index past the end fails with ErrRowOutOfRange and nothing is written.
func (e *Engine) Update(ctx context.Context, table string, index int, row storage.Row) error {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return err
	}
	if err := checkWidth(t, row); err != nil {
		return err
	}
	b, physical, err := e.resolve(ctx, t, "update", index)
	if err != nil {
		return err
	}
	if err := b.UpdateRow(ctx, t.Name, physical, row); err != nil {
		return e.fail("update", t, err)
	}
	e.cache.Invalidate(t.Key)
	return nil
}

// Delete removes the row at the 0-based logical index. Later rows shift up
// by one, so every index read before the delete is stale afterwards.
func (e *Engine) Delete(ctx context.Context, table string, index int) error {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return err
	}
	b, physical, err := e.resolve(ctx, t, "delete", index)
	if err != nil {
		return err
	}
	if err := b.DeleteRow(ctx, t.Name, physical); err != nil {
		return e.fail("delete", t, err)
	}
	e.cache.Invalidate(t.Key)
	return nil
}

// resolve maps a logical index onto a physical row after re-reading the
// table. The header is physical row 1, so index 0 is physical row 2.
func (e *Engine) resolve(ctx context.Context, t Table, op string, index int) (storage.Backend, int, error) {
	if index < 0 {
		return nil, 0, fmt.Errorf("%s index %d: %w", t.Key, index, ErrRowOutOfRange)
	}
	b, err := e.prepare(ctx, t)
	if err != nil {
		return nil, 0, e.fail(op, t, err)
	}
	rows, err := b.ReadAll(ctx, t.Name)
	if err != nil {
		e.forgetMissing(t, err)
		return nil, 0, e.fail(op, t, err)
	}
	if count := max(len(rows)-1, 0); index >= count {
		// Whatever snapshot produced this index is out of date.
		e.cache.Invalidate(t.Key)
		return nil, 0, fmt.Errorf("%s index %d of %d rows: %w", t.Key, index, count, ErrRowOutOfRange)
	}
	return b, index + 2, nil
}

// Match is a row located by a search.
type Match struct {
	// Index is the 0-based logical index within the snapshot searched.
	Index int
	Row   storage.Row
	// Status is the status of the snapshot searched.
	Status Status
}

// FindRow returns the logical index of the first row whose field equals
// value exactly.
func (e *Engine) FindRow(ctx context.Context, table, field, value string) (int, bool, error) {
	m, ok, err := e.FindRowFunc(ctx, table, field, func(v string) bool { return v == value })
	if err != nil || !ok {
		return -1, false, err
	}
	return m.Index, true, nil
}

// FindRowFunc returns the first row whose field satisfies match.
func (e *Engine) FindRowFunc(ctx context.Context, table, field string, match func(string) bool) (Match, bool, error) {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return Match{}, false, err
	}
	col := t.Column(field)
	if col < 0 {
		return Match{}, false, fmt.Errorf("%s.%s: %w", t.Key, field, ErrUnknownColumn)
	}
	snap, err := e.ReadAll(ctx, table)
	if err != nil {
		return Match{}, false, err
	}
	for i, r := range snap.Rows {
		if match(r[col]) {
			return Match{Index: i, Row: r, Status: snap.Status}, true, nil
		}
	}
	return Match{Status: snap.Status}, false, nil
}

// UpdateByKey overwrites the leading len(row) fields of the first row whose
// field equals key. Backends that implement storage.KeyedWriter locate and
// write the row in one call; for others the row is located by a fresh read
// immediately before the write.
func (e *Engine) UpdateByKey(ctx context.Context, table, field, key string, row storage.Row) error {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return err
	}
	if err := checkWidth(t, row); err != nil {
		return err
	}
	col := t.Column(field)
	if col < 0 {
		return fmt.Errorf("%s.%s: %w", t.Key, field, ErrUnknownColumn)
	}
	b, err := e.prepare(ctx, t)
	if err != nil {
		return e.fail("update_by_key", t, err)
	}

	if kw, ok := b.(storage.KeyedWriter); ok {
		err = kw.UpdateWhere(ctx, t.Name, col, key, row)
	} else {
		var physical int
		physical, err = e.locate(ctx, b, t, col, key)
		if err == nil {
			err = b.UpdateRow(ctx, t.Name, physical, row)
		}
	}
	if err != nil {
		return e.keyFail("update_by_key", t, field, key, err)
	}
	e.cache.Invalidate(t.Key)
	return nil
}

// DeleteByKey removes the first row whose field equals key.
func (e *Engine) DeleteByKey(ctx context.Context, table, field, key string) error {
	t, err := e.catalog.Lookup(table)
	if err != nil {
		return err
	}
	col := t.Column(field)
	if col < 0 {
		return fmt.Errorf("%s.%s: %w", t.Key, field, ErrUnknownColumn)
	}
	b, err := e.prepare(ctx, t)
	if err != nil {
		return e.fail("delete_by_key", t, err)
	}

	if kw, ok := b.(storage.KeyedWriter); ok {
		err = kw.DeleteWhere(ctx, t.Name, col, key)
	} else {
		var physical int
		physical, err = e.locate(ctx, b, t, col, key)
		if err == nil {
			err = b.DeleteRow(ctx, t.Name, physical)
		}
	}
	if err != nil {
		return e.keyFail("delete_by_key", t, field, key, err)
	}
	e.cache.Invalidate(t.Key)
	return nil
}

// locate returns the physical row holding key. Another writer can still
// move the row between this read and the caller's write.
func (e *Engine) locate(ctx context.Context, b storage.Backend, t Table, col int, key string) (int, error) {
	rows, err := b.ReadAll(ctx, t.Name)
	if err != nil {
		return 0, err
	}
	idx := storage.FindKey(rows, col, key)
	if idx < 0 {
		return 0, storage.ErrRowOutOfRange
	}
	return idx + 1, nil
}

func (e *Engine) keyFail(op string, t Table, field, key string, err error) error {
	if errors.Is(err, storage.ErrRowOutOfRange) {
		return fmt.Errorf("%s %s=%q: %w", t.Key, field, key, ErrKeyNotFound)
	}
	e.forgetMissing(t, err)
	return e.fail(op, t, err)
}

// prepare ensures the table schema and returns the backend.
func (e *Engine) prepare(ctx context.Context, t Table) (storage.Backend, error) {
	if err := e.schema.Ensure(ctx, t.Key); err != nil {
		return nil, err
	}
	return e.handle.Backend(ctx)
}

// forgetMissing makes the next call re-provision a table that disappeared.
func (e *Engine) forgetMissing(t Table, err error) {
	if errors.Is(err, storage.ErrTableNotFound) {
		e.schema.Forget(t.Key)
	}
}

// fail wraps a remote failure and logs it: quota errors at WARN, an
// unreachable backend at DEBUG (the handle reports it once), anything else
// at ERROR.
func (e *Engine) fail(op string, t Table, err error) error {
	var be *BackendError
	if !errors.As(err, &be) {
		err = &BackendError{Op: op, Table: t.Name, Err: err}
	}
	switch {
	case storage.IsTransient(err):
		e.logger.Warn("remote quota exceeded", "op", op, "table", t.Name, "error", err)
	case errors.Is(err, storage.ErrBackendUnavailable):
		e.logger.Debug("remote store unavailable", "op", op, "table", t.Name, "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Debug("request cancelled", "op", op, "table", t.Name, "error", err)
	default:
		e.logger.Error("remote operation failed", "op", op, "table", t.Name, "error", err)
	}
	return err
}

func checkWidth(t Table, row storage.Row) error {
	if len(row) == 0 {
		return fmt.Errorf("%s: %w", t.Key, ErrEmptyRow)
	}
	if len(row) > len(t.Header) {
		return fmt.Errorf("%s: row has %d fields, header has %d: %w", t.Key, len(row), len(t.Header), ErrUnknownColumn)
	}
	return nil
}
