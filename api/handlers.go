package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/tabledb"
)

const healthTimeout = 5 * time.Second

// Health handles GET /health. It answers 503 with a banner while no
// connection to the remote store can be established.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if !a.engine.Handle().Available(ctx) {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "degraded",
			Backend: "down",
			Banner:  unavailableBanner,
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Backend: "up"})
}

// table resolves the {table} URL parameter, answering 404 itself for
// unknown and credential tables.
func (a *API) table(w http.ResponseWriter, r *http.Request) (tabledb.Table, bool) {
	key := chi.URLParam(r, "table")
	if isPrivateTable(key) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s: %v", key, tabledb.ErrUnknownTable))
		return tabledb.Table{}, false
	}
	t, err := a.engine.Catalog().Lookup(key)
	if err != nil {
		mapError(w, err)
		return tabledb.Table{}, false
	}
	return t, true
}

func rowIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// buildRow overlays req onto base: Values positionally, then Fields by
// header name.
func buildRow(t tabledb.Table, base storage.Row, req RowRequest) (storage.Row, error) {
	row := base.Clone()
	if len(req.Values) > 0 {
		row = storage.MergeRow(row, req.Values)
	}
	for name, v := range req.Fields {
		col := t.Column(name)
		if col < 0 {
			return nil, fmt.Errorf("%s.%s: %w", t.Key, name, tabledb.ErrUnknownColumn)
		}
		if col >= len(row) {
			row = row.Padded(col + 1)
		}
		row[col] = v
	}
	if len(row) == 0 {
		return nil, tabledb.ErrEmptyRow
	}
	return row, nil
}

// ListTables handles GET /tables.
func (a *API) ListTables(w http.ResponseWriter, r *http.Request) {
	cat := a.engine.Catalog()
	resp := ListTablesResponse{Tables: []TableSummary{}}
	for _, key := range cat.Keys() {
		if isPrivateTable(key) {
			continue
		}
		t, err := cat.Lookup(key)
		if err != nil {
			continue
		}
		resp.Tables = append(resp.Tables, TableSummary{Key: t.Key, Name: t.Name, Header: t.Header})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReadTable handles GET /tables/{table}.
func (a *API) ReadTable(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	snap, err := a.engine.ReadAll(r.Context(), t.Key)
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	start, end, meta := page(len(snap.Rows), limit, offset)
	rows := make([]RowView, 0, end-start)
	for i := start; i < end; i++ {
		rows = append(rows, RowView{Index: i, Values: snap.Rows[i]})
	}
	writeJSON(w, http.StatusOK, TableResponse{
		Table:          t.Key,
		Header:         snap.Header,
		Rows:           rows,
		Status:         snap.Status.String(),
		Degraded:       snap.Degraded(),
		FetchedAt:      snap.FetchedAt,
		PaginationMeta: meta,
	})
}

// FindRow handles GET /tables/{table}/find?field=&value=.
func (a *API) FindRow(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		field = t.Header[0]
	}
	value := r.URL.Query().Get("value")
	m, found, err := a.engine.FindRowFunc(r.Context(), t.Key, field, func(v string) bool { return v == value })
	if err != nil {
		mapError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, FindResponse{Found: false, Index: -1})
		return
	}
	writeJSON(w, http.StatusOK, FindResponse{Found: true, Index: m.Index, Row: m.Row})
}

// AppendRow handles POST /tables/{table}/rows. A blank ID column is filled
// in for tables that mint IDs.
func (a *API) AppendRow(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[RowRequest](w, r, maxRowBodySize)
	if !ok {
		return
	}
	row, err := buildRow(t, nil, req)
	if err != nil {
		mapError(w, err)
		return
	}
	id, err := a.engine.Insert(r.Context(), t.Key, row)
	if err != nil {
		mapError(w, err)
		return
	}
	a.auditRow(AuditRowAppended, r, t, slog.String("id", id))
	writeJSON(w, http.StatusCreated, AppendResponse{ID: id})
}

// UpdateRow handles PUT /tables/{table}/rows/{index}. Named fields are
// merged onto the row currently at index; positional values overwrite the
// leading columns.
func (a *API) UpdateRow(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	index, ok := rowIndex(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[RowRequest](w, r, maxRowBodySize)
	if !ok {
		return
	}

	var base storage.Row
	if len(req.Fields) > 0 {
		snap, err := a.engine.ReadAll(r.Context(), t.Key)
		if err != nil {
			mapError(w, err)
			return
		}
		if index >= len(snap.Rows) {
			mapError(w, tabledb.ErrRowOutOfRange)
			return
		}
		base = snap.Rows[index]
	}
	row, err := buildRow(t, base, req)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.engine.Update(r.Context(), t.Key, index, row); err != nil {
		mapError(w, err)
		return
	}
	a.auditRow(AuditRowUpdated, r, t, slog.Int("index", index))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRow handles DELETE /tables/{table}/rows/{index}.
func (a *API) DeleteRow(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	index, ok := rowIndex(w, r)
	if !ok {
		return
	}
	if err := a.engine.Delete(r.Context(), t.Key, index); err != nil {
		mapError(w, err)
		return
	}
	a.auditRow(AuditRowDeleted, r, t, slog.Int("index", index))
	w.WriteHeader(http.StatusNoContent)
}

// keyField is the ?field= column for keyed writes, the ID column by
// default.
func keyField(r *http.Request, t tabledb.Table) string {
	if f := r.URL.Query().Get("field"); f != "" {
		return f
	}
	return t.Header[0]
}

// UpdateByKey handles PUT /tables/{table}/keys/{key}.
func (a *API) UpdateByKey(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	field := keyField(r, t)
	req, ok := decodeJSON[RowRequest](w, r, maxRowBodySize)
	if !ok {
		return
	}

	var base storage.Row
	if len(req.Fields) > 0 {
		m, found, err := a.engine.FindRowFunc(r.Context(), t.Key, field, func(v string) bool { return v == key })
		if err != nil {
			mapError(w, err)
			return
		}
		if !found {
			mapError(w, fmt.Errorf("%s %s=%q: %w", t.Key, field, key, tabledb.ErrKeyNotFound))
			return
		}
		base = m.Row
	}
	row, err := buildRow(t, base, req)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.engine.UpdateByKey(r.Context(), t.Key, field, key, row); err != nil {
		mapError(w, err)
		return
	}
	a.auditRow(AuditRowUpdated, r, t, slog.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteByKey handles DELETE /tables/{table}/keys/{key}.
func (a *API) DeleteByKey(w http.ResponseWriter, r *http.Request) {
	t, ok := a.table(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := a.engine.DeleteByKey(r.Context(), t.Key, keyField(r, t), key); err != nil {
		mapError(w, err)
		return
	}
	a.auditRow(AuditRowDeleted, r, t, slog.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) auditRow(event AuditEvent, r *http.Request, t tabledb.Table, extra ...slog.Attr) {
	p, _ := principalFromContext(r.Context())
	a.audit.logEvent(event, r, p.Username, append([]slog.Attr{slog.String("table", t.Key)}, extra...)...)
}
