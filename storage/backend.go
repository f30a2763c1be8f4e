// Package storage defines the contract for the remote tabular store that
// holds every business table, together with the errors backends report.
//
// A backend exposes named tables of ordered rows. Rows are addressed by
// 1-based physical position; physical row 1 is the header row. Backends
// offer no transactions, no secondary indexes and no row locking, so any
// positional address is only meaningful with respect to the read it came
// from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrTableNotFound is returned when a named table does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by CreateTable when the table already exists.
	ErrTableExists = errors.New("table already exists")
	// ErrRowOutOfRange is returned when a physical row does not exist.
	ErrRowOutOfRange = errors.New("row out of range")
	// ErrQuotaExceeded signals the remote service throttled the request.
	// It is transient and expected.
	ErrQuotaExceeded = errors.New("remote quota exceeded")
	// ErrBackendUnavailable signals that no connection to the remote
	// service could be established (missing credentials, network down).
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrAccessDenied signals the backend rejected our credentials.
	ErrAccessDenied = errors.New("backend access denied")
	// ErrMalformedResponse signals the backend answered with something we
	// could not interpret.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// Row is an ordered list of scalar field values.
type Row []string

// Clone returns a copy of the row that shares no memory with r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return slices.Clone(r)
}

// Padded returns a copy of r extended with empty fields up to width.
// Rows wider than width are returned unchanged.
func (r Row) Padded(width int) Row {
	out := make(Row, max(len(r), width))
	copy(out, r)
	return out
}

// Backend is the remote tabular store.
type Backend interface {
	// HasTable reports whether the named table exists.
	HasTable(ctx context.Context, table string) (bool, error)
	// CreateTable creates an empty table.
	CreateTable(ctx context.Context, table string) error
	// ReadAll returns every physical row of the table, header included.
	ReadAll(ctx context.Context, table string) ([]Row, error)
	// ReadRow returns a single physical row. A row past the end of the
	// table is returned as an empty row, not an error.
	ReadRow(ctx context.Context, table string, physicalRow int) (Row, error)
	// Append writes row after the last physical row.
	Append(ctx context.Context, table string, row Row) error
	// UpdateRow overwrites the leading len(row) columns of a physical row;
	// later columns are left untouched.
	UpdateRow(ctx context.Context, table string, physicalRow int, row Row) error
	// DeleteRow removes a physical row, shifting later rows up by one.
	DeleteRow(ctx context.Context, table string, physicalRow int) error
}

// KeyedWriter is implemented by backends that can locate a data row by the
// value of a key column on the server side, atomically with the write.
// Rows are matched below the header only; column is 0-based.
type KeyedWriter interface {
	UpdateWhere(ctx context.Context, table string, column int, key string, row Row) error
	DeleteWhere(ctx context.Context, table string, column int, key string) error
}

// IsTransient reports whether err is a quota or rate-limit signal.
func IsTransient(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// MergeRow overlays update onto existing, returning the new row. Columns
// beyond len(update) keep their existing values.
func MergeRow(existing, update Row) Row {
	out := existing.Padded(len(update))
	copy(out, update)
	return out
}

// FindKey returns the index within rows (header at index 0) of the first
// data row whose column equals key, or -1.
func FindKey(rows []Row, column int, key string) int {
	for i := 1; i < len(rows); i++ {
		if column < len(rows[i]) && rows[i][column] == key {
			return i
		}
	}
	return -1
}

// UpdateAt merges row into the 1-based physicalRow of rows in place.
func UpdateAt(rows []Row, physicalRow int, row Row) error {
	if physicalRow < 1 || physicalRow > len(rows) {
		return fmt.Errorf("row %d of %d: %w", physicalRow, len(rows), ErrRowOutOfRange)
	}
	rows[physicalRow-1] = MergeRow(rows[physicalRow-1], row)
	return nil
}

// DeleteAt removes the 1-based physicalRow from rows.
func DeleteAt(rows []Row, physicalRow int) ([]Row, error) {
	if physicalRow < 1 || physicalRow > len(rows) {
		return nil, fmt.Errorf("row %d of %d: %w", physicalRow, len(rows), ErrRowOutOfRange)
	}
	return slices.Delete(rows, physicalRow-1, physicalRow), nil
}
