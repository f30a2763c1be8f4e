// Package bbolt provides a BBolt-backed tabular storage backend.
//
// Each table is stored as a single JSON-encoded list of rows under its name
// in one bucket, so every operation is a read-modify-write inside a BBolt
// transaction.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/assetledger/storage"
)

var tablesBucket = []byte("tables")

// Store implements storage.Backend backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.Backend     = (*Store)(nil)
	_ storage.KeyedWriter = (*Store)(nil)
)

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Open opens a BBolt database at the given path and returns a new Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func loadRows(b *bbolt.Bucket, table string) ([]storage.Row, error) {
	if b == nil {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	data := b.Get([]byte(table))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	var rows []storage.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", table, storage.ErrMalformedResponse, err)
	}
	return rows, nil
}

func saveRows(b *bbolt.Bucket, table string, rows []storage.Row) error {
	if rows == nil {
		rows = []storage.Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return b.Put([]byte(table), data)
}

// modify runs fn against the rows of table inside a write transaction and
// persists the result when fn succeeds.
func (s *Store) modify(table string, fn func(rows []storage.Row) ([]storage.Row, error)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tablesBucket)
		if err != nil {
			return err
		}
		rows, err := loadRows(b, table)
		if err != nil {
			return err
		}
		rows, err = fn(rows)
		if err != nil {
			return err
		}
		return saveRows(b, table, rows)
	})
}

func (s *Store) HasTable(_ context.Context, table string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tablesBucket)
		ok = b != nil && b.Get([]byte(table)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) CreateTable(_ context.Context, table string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tablesBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(table)) != nil {
			return fmt.Errorf("%s: %w", table, storage.ErrTableExists)
		}
		return saveRows(b, table, nil)
	})
}

func (s *Store) ReadAll(_ context.Context, table string) ([]storage.Row, error) {
	var rows []storage.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rows, err = loadRows(tx.Bucket(tablesBucket), table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ReadRow(ctx context.Context, table string, physicalRow int) (storage.Row, error) {
	rows, err := s.ReadAll(ctx, table)
	if err != nil {
		return nil, err
	}
	if physicalRow < 1 || physicalRow > len(rows) {
		return storage.Row{}, nil
	}
	return rows[physicalRow-1], nil
}

func (s *Store) Append(_ context.Context, table string, row storage.Row) error {
	return s.modify(table, func(rows []storage.Row) ([]storage.Row, error) {
		return append(rows, row), nil
	})
}

func updateAt(table string, rows []storage.Row, physicalRow int, row storage.Row) ([]storage.Row, error) {
	if err := storage.UpdateAt(rows, physicalRow, row); err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}
	return rows, nil
}

func deleteAt(table string, rows []storage.Row, physicalRow int) ([]storage.Row, error) {
	rows, err := storage.DeleteAt(rows, physicalRow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}
	return rows, nil
}

func (s *Store) UpdateRow(_ context.Context, table string, physicalRow int, row storage.Row) error {
	return s.modify(table, func(rows []storage.Row) ([]storage.Row, error) {
		return updateAt(table, rows, physicalRow, row)
	})
}

func (s *Store) DeleteRow(_ context.Context, table string, physicalRow int) error {
	return s.modify(table, func(rows []storage.Row) ([]storage.Row, error) {
		return deleteAt(table, rows, physicalRow)
	})
}

func (s *Store) UpdateWhere(_ context.Context, table string, column int, key string, row storage.Row) error {
	return s.modify(table, func(rows []storage.Row) ([]storage.Row, error) {
		idx := storage.FindKey(rows, column, key)
		if idx < 0 {
			return nil, fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
		}
		return updateAt(table, rows, idx+1, row)
	})
}

func (s *Store) DeleteWhere(_ context.Context, table string, column int, key string) error {
	return s.modify(table, func(rows []storage.Row) ([]storage.Row, error) {
		idx := storage.FindKey(rows, column, key)
		if idx < 0 {
			return nil, fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
		}
		return deleteAt(table, rows, idx+1)
	})
}
