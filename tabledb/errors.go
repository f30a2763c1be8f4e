package tabledb

import (
	"errors"
	"fmt"

	"github.com/jmcleod/assetledger/storage"
)

var (
	// ErrUnknownTable is returned for a table key outside the catalog.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownColumn is returned when a field is not in a table's header.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrEmptyRow is returned when appending a row with no fields.
	ErrEmptyRow = errors.New("row has no fields")
	// ErrKeyNotFound is returned when no row carries the requested key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrRowOutOfRange is returned when a logical index does not address a
	// data row of the current table contents.
	ErrRowOutOfRange = storage.ErrRowOutOfRange
)

// BackendError records a failed remote operation.
type BackendError struct {
	Op    string
	Table string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient reports whether the failure was a quota signal that may clear
// on its own.
func (e *BackendError) Transient() bool {
	return storage.IsTransient(e.Err)
}
