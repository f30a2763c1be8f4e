// Package memory provides a thread-safe in-memory implementation of storage.Backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/assetledger/storage"
)

// Backend is a thread-safe in-memory implementation of storage.Backend.
// Suitable for testing, demos, and single-process use cases.
type Backend struct {
	mu     sync.RWMutex
	tables map[string][]storage.Row
}

var (
	_ storage.Backend     = (*Backend)(nil)
	_ storage.KeyedWriter = (*Backend)(nil)
)

// New creates a new empty in-memory Backend.
func New() *Backend {
	return &Backend{tables: make(map[string][]storage.Row)}
}

func cloneRows(rows []storage.Row) []storage.Row {
	out := make([]storage.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func (b *Backend) HasTable(_ context.Context, table string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tables[table]
	return ok, nil
}

func (b *Backend) CreateTable(_ context.Context, table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[table]; ok {
		return fmt.Errorf("%s: %w", table, storage.ErrTableExists)
	}
	b.tables[table] = []storage.Row{}
	return nil
}

func (b *Backend) ReadAll(_ context.Context, table string) ([]storage.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows, ok := b.tables[table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	return cloneRows(rows), nil
}

func (b *Backend) ReadRow(_ context.Context, table string, physicalRow int) (storage.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows, ok := b.tables[table]
	if !ok {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	if physicalRow < 1 || physicalRow > len(rows) {
		return storage.Row{}, nil
	}
	return rows[physicalRow-1].Clone(), nil
}

func (b *Backend) Append(_ context.Context, table string, row storage.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, ok := b.tables[table]
	if !ok {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	b.tables[table] = append(rows, row.Clone())
	return nil
}

func (b *Backend) UpdateRow(_ context.Context, table string, physicalRow int, row storage.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateLocked(table, physicalRow, row)
}

func (b *Backend) updateLocked(table string, physicalRow int, row storage.Row) error {
	rows, ok := b.tables[table]
	if !ok {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	if err := storage.UpdateAt(rows, physicalRow, row); err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}
	return nil
}

func (b *Backend) DeleteRow(_ context.Context, table string, physicalRow int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(table, physicalRow)
}

func (b *Backend) deleteLocked(table string, physicalRow int) error {
	rows, ok := b.tables[table]
	if !ok {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	rows, err := storage.DeleteAt(rows, physicalRow)
	if err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}
	b.tables[table] = rows
	return nil
}

// UpdateWhere locates the first data row whose column equals key and
// overwrites it under a single lock.
func (b *Backend) UpdateWhere(_ context.Context, table string, column int, key string, row storage.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := storage.FindKey(b.tables[table], column, key)
	if idx < 0 {
		return fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
	}
	return b.updateLocked(table, idx+1, row)
}

// DeleteWhere locates the first data row whose column equals key and
// removes it under a single lock.
func (b *Backend) DeleteWhere(_ context.Context, table string, column int, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := storage.FindKey(b.tables[table], column, key)
	if idx < 0 {
		return fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
	}
	return b.deleteLocked(table, idx+1)
}
