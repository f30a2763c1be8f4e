// Package postgres implements storage.Backend backed by PostgreSQL.
//
// Every logical table is one row of tabular_tables holding its physical rows
// as a JSONB array, header first. Appends are a single array concatenation;
// positional and keyed writes lock the table row with SELECT ... FOR UPDATE
// and rewrite the array inside one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/assetledger/storage"
)

// Store implements storage.Backend backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Backend     = (*Store)(nil)
	_ storage.KeyedWriter = (*Store)(nil)
)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", errors.Join(storage.ErrBackendUnavailable, err))
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) HasTable(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tabular_tables WHERE name = $1)`, table).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (s *Store) CreateTable(ctx context.Context, table string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tabular_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, table)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", table, storage.ErrTableExists)
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context, table string) ([]storage.Row, error) {
	return loadRows(ctx, s.pool, table, false)
}

func (s *Store) ReadRow(ctx context.Context, table string, physicalRow int) (storage.Row, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(rows -> ($2::int - 1), '[]'::jsonb) FROM tabular_tables WHERE name = $1`,
		table, physicalRow).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	if physicalRow < 1 {
		return storage.Row{}, nil
	}
	var row storage.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%s row %d: %w: %v", table, physicalRow, storage.ErrMalformedResponse, err)
	}
	if row == nil {
		row = storage.Row{}
	}
	return row, nil
}

func (s *Store) Append(ctx context.Context, table string, row storage.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tabular_tables
		 SET rows = rows || jsonb_build_array($2::jsonb), updated_at = now()
		 WHERE name = $1`,
		table, string(data))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	return nil
}

func (s *Store) UpdateRow(ctx context.Context, table string, physicalRow int, row storage.Row) error {
	return s.modify(ctx, table, func(rows []storage.Row) ([]storage.Row, error) {
		if err := storage.UpdateAt(rows, physicalRow, row); err != nil {
			return nil, fmt.Errorf("%s: %w", table, err)
		}
		return rows, nil
	})
}

func (s *Store) DeleteRow(ctx context.Context, table string, physicalRow int) error {
	return s.modify(ctx, table, func(rows []storage.Row) ([]storage.Row, error) {
		rows, err := storage.DeleteAt(rows, physicalRow)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", table, err)
		}
		return rows, nil
	})
}

func (s *Store) UpdateWhere(ctx context.Context, table string, column int, key string, row storage.Row) error {
	return s.modify(ctx, table, func(rows []storage.Row) ([]storage.Row, error) {
		idx := storage.FindKey(rows, column, key)
		if idx < 0 {
			return nil, fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
		}
		rows[idx] = storage.MergeRow(rows[idx], row)
		return rows, nil
	})
}

func (s *Store) DeleteWhere(ctx context.Context, table string, column int, key string) error {
	return s.modify(ctx, table, func(rows []storage.Row) ([]storage.Row, error) {
		idx := storage.FindKey(rows, column, key)
		if idx < 0 {
			return nil, fmt.Errorf("%s key %q: %w", table, key, storage.ErrRowOutOfRange)
		}
		return storage.DeleteAt(rows, idx+1)
	})
}

// modify locks the table row, applies fn to its rows and writes the result
// back in the same transaction.
func (s *Store) modify(ctx context.Context, table string, fn func([]storage.Row) ([]storage.Row, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := loadRows(ctx, tx, table, true)
	if err != nil {
		return err
	}
	rows, err = fn(rows)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []storage.Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tabular_tables SET rows = $2::jsonb, updated_at = now() WHERE name = $1`,
		table, string(data)); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadRows(ctx context.Context, q querier, table string, forUpdate bool) ([]storage.Row, error) {
	query := `SELECT rows FROM tabular_tables WHERE name = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var data []byte
	err := q.QueryRow(ctx, query, table).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	var rows []storage.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", table, storage.ErrMalformedResponse, err)
	}
	return rows, nil
}

// classify maps driver errors onto the storage sentinels. Server-reported
// errors pass through; anything that never reached the server is treated
// as the backend being unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "53300", "57P03":
			return fmt.Errorf("%w: %v", storage.ErrQuotaExceeded, err)
		case "28000", "28P01", "42501":
			return fmt.Errorf("%w: %v", storage.ErrAccessDenied, err)
		}
		return err
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return err
}
