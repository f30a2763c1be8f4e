// Package storagetest holds a conformance suite shared by every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/jmcleod/assetledger/storage"
)

// Run exercises b against the storage.Backend contract. The backend must
// start without a table named by the suite ("Suite").
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()
	const table = "Suite"
	header := storage.Row{"ID", "Name", "Dept"}

	t.Run("MissingTable", func(t *testing.T) {
		ok, err := b.HasTable(ctx, "NoSuchTable")
		if err != nil {
			t.Fatalf("HasTable failed: %v", err)
		}
		if ok {
			t.Fatal("expected missing table")
		}
		if _, err := b.ReadAll(ctx, "NoSuchTable"); !errors.Is(err, storage.ErrTableNotFound) {
			t.Fatalf("expected ErrTableNotFound, got %v", err)
		}
	})

	t.Run("CreateAndHeader", func(t *testing.T) {
		if err := b.CreateTable(ctx, table); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
		if err := b.CreateTable(ctx, table); !errors.Is(err, storage.ErrTableExists) {
			t.Fatalf("expected ErrTableExists, got %v", err)
		}
		ok, err := b.HasTable(ctx, table)
		if err != nil || !ok {
			t.Fatalf("HasTable = %v, %v; want true", ok, err)
		}
		first, err := b.ReadRow(ctx, table, 1)
		if err != nil {
			t.Fatalf("ReadRow on empty table failed: %v", err)
		}
		if len(first) != 0 {
			t.Fatalf("expected empty first row, got %v", first)
		}
		if err := b.Append(ctx, table, header); err != nil {
			t.Fatalf("Append header failed: %v", err)
		}
		got, err := b.ReadRow(ctx, table, 1)
		if err != nil {
			t.Fatalf("ReadRow failed: %v", err)
		}
		if !slices.Equal(got, header) {
			t.Fatalf("got header %v, want %v", got, header)
		}
	})

	t.Run("AppendReadAll", func(t *testing.T) {
		for _, r := range []storage.Row{{"1", "a", "x"}, {"2", "b", "y"}, {"3", "c", "z"}} {
			if err := b.Append(ctx, table, r); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		rows, err := b.ReadAll(ctx, table)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(rows) != 4 {
			t.Fatalf("expected 4 rows, got %d", len(rows))
		}
		if !slices.Equal(rows[2], storage.Row{"2", "b", "y"}) {
			t.Fatalf("unexpected row 3: %v", rows[2])
		}
		// Mutating the result must not leak into the backend.
		rows[1][1] = "mutated"
		again, _ := b.ReadAll(ctx, table)
		if again[1][1] != "a" {
			t.Fatal("ReadAll should return copies")
		}
	})

	t.Run("UpdatePartial", func(t *testing.T) {
		if err := b.UpdateRow(ctx, table, 3, storage.Row{"2", "B"}); err != nil {
			t.Fatalf("UpdateRow failed: %v", err)
		}
		got, err := b.ReadRow(ctx, table, 3)
		if err != nil {
			t.Fatalf("ReadRow failed: %v", err)
		}
		if !slices.Equal(got, storage.Row{"2", "B", "y"}) {
			t.Fatalf("columns beyond the update must be untouched, got %v", got)
		}
	})

	t.Run("UpdateOutOfRange", func(t *testing.T) {
		err := b.UpdateRow(ctx, table, 99, storage.Row{"x"})
		if !errors.Is(err, storage.ErrRowOutOfRange) {
			t.Fatalf("expected ErrRowOutOfRange, got %v", err)
		}
	})

	t.Run("DeleteShifts", func(t *testing.T) {
		if err := b.DeleteRow(ctx, table, 2); err != nil {
			t.Fatalf("DeleteRow failed: %v", err)
		}
		rows, err := b.ReadAll(ctx, table)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected 3 rows after delete, got %d", len(rows))
		}
		if rows[1][0] != "2" || rows[2][0] != "3" {
			t.Fatalf("rows did not shift up: %v", rows)
		}
		if err := b.DeleteRow(ctx, table, 10); !errors.Is(err, storage.ErrRowOutOfRange) {
			t.Fatalf("expected ErrRowOutOfRange, got %v", err)
		}
	})

	kw, ok := b.(storage.KeyedWriter)
	if !ok {
		return
	}

	t.Run("KeyedWriter", func(t *testing.T) {
		if err := kw.UpdateWhere(ctx, table, 0, "3", storage.Row{"3", "C"}); err != nil {
			t.Fatalf("UpdateWhere failed: %v", err)
		}
		rows, _ := b.ReadAll(ctx, table)
		if !slices.Equal(rows[2], storage.Row{"3", "C", "z"}) {
			t.Fatalf("UpdateWhere wrote the wrong row: %v", rows)
		}
		// The header must never match a key lookup.
		if err := kw.DeleteWhere(ctx, table, 0, "ID"); !errors.Is(err, storage.ErrRowOutOfRange) {
			t.Fatalf("expected header to be skipped, got %v", err)
		}
		if err := kw.DeleteWhere(ctx, table, 0, "2"); err != nil {
			t.Fatalf("DeleteWhere failed: %v", err)
		}
		rows, _ = b.ReadAll(ctx, table)
		if len(rows) != 2 || rows[1][0] != "3" {
			t.Fatalf("DeleteWhere removed the wrong row: %v", rows)
		}
		if err := kw.UpdateWhere(ctx, table, 0, "missing", storage.Row{"x"}); !errors.Is(err, storage.ErrRowOutOfRange) {
			t.Fatalf("expected ErrRowOutOfRange for unknown key, got %v", err)
		}
	})
}
