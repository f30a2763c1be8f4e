package sheets

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/storage/memory"
)

// fakeSheets serves the subset of the Sheets v4 REST API the client uses,
// keeping worksheet contents in a memory backend.
type fakeSheets struct {
	t      *testing.T
	id     string
	tables *memory.Backend

	mu     sync.Mutex
	ids    map[string]int64
	nextID int64

	quota    atomic.Bool
	denied   atomic.Bool
	requests atomic.Int64
}

func newFake(t *testing.T) (*fakeSheets, *httptest.Server) {
	t.Helper()
	f := &fakeSheets{t: t, id: "sheet-123", tables: memory.New(), ids: make(map[string]int64)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

var rangeRe = regexp.MustCompile(`^'((?:[^']|'')*)'(?:!(.*))?$`)

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.quota.Load() {
		f.fail(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "Quota exceeded for quota metric 'Read requests'")
		return
	}
	if f.denied.Load() {
		f.fail(w, http.StatusForbidden, "PERMISSION_DENIED", "The caller does not have permission")
		return
	}

	prefix := "/v4/spreadsheets/" + f.id
	if !strings.HasPrefix(r.URL.Path, prefix) {
		f.fail(w, http.StatusNotFound, "NOT_FOUND", "Requested entity was not found.")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	ctx := r.Context()

	switch {
	case rest == "" && r.Method == http.MethodGet:
		f.mu.Lock()
		var meta spreadsheet
		for title, id := range f.ids {
			meta.Sheets = append(meta.Sheets, struct {
				Properties sheetProperties `json:"properties"`
			}{sheetProperties{SheetID: id, Title: title}})
		}
		f.mu.Unlock()
		writeJSON(w, meta)

	case rest == ":batchUpdate" && r.Method == http.MethodPost:
		f.batchUpdate(w, r)

	case strings.HasPrefix(rest, "/values/"):
		rng := strings.TrimPrefix(rest, "/values/")
		appendCall := strings.HasSuffix(rng, ":append")
		rng = strings.TrimSuffix(rng, ":append")
		m := rangeRe.FindStringSubmatch(rng)
		if m == nil {
			f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Unable to parse range: "+rng)
			return
		}
		title := strings.ReplaceAll(m[1], "''", "'")
		if ok, _ := f.tables.HasTable(ctx, title); !ok {
			f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Unable to parse range: "+rng)
			return
		}
		var in valueRange
		if r.Method != http.MethodGet {
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
				return
			}
			if got := r.URL.Query().Get("valueInputOption"); got != "RAW" {
				f.t.Errorf("valueInputOption = %q, want RAW", got)
			}
		}

		switch {
		case appendCall:
			_ = f.tables.Append(ctx, title, toRow(in.Values[0]))
			writeJSON(w, map[string]any{})
		case r.Method == http.MethodPut:
			n := rowNumber(m[2])
			if err := f.tables.UpdateRow(ctx, title, n, toRow(in.Values[0])); err != nil {
				f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("Range (%s) exceeds grid limits.", rng))
				return
			}
			writeJSON(w, map[string]any{})
		case m[2] == "":
			rows, _ := f.tables.ReadAll(ctx, title)
			writeJSON(w, valueRange{Range: rng, MajorDimension: "ROWS", Values: toValues(rows)})
		default:
			row, _ := f.tables.ReadRow(ctx, title, rowNumber(m[2]))
			var values [][]any
			if len(row) > 0 {
				values = toValues([]storage.Row{row})
			}
			writeJSON(w, valueRange{Range: rng, MajorDimension: "ROWS", Values: values})
		}

	default:
		f.fail(w, http.StatusNotFound, "NOT_FOUND", "unsupported call "+r.Method+" "+rest)
	}
}

func (f *fakeSheets) batchUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []struct {
			AddSheet *struct {
				Properties sheetProperties `json:"properties"`
			} `json:"addSheet"`
			DeleteDimension *struct {
				Range struct {
					SheetID    int64  `json:"sheetId"`
					Dimension  string `json:"dimension"`
					StartIndex int    `json:"startIndex"`
					EndIndex   int    `json:"endIndex"`
				} `json:"range"`
			} `json:"deleteDimension"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	ctx := r.Context()
	var replies []any
	for _, rq := range req.Requests {
		switch {
		case rq.AddSheet != nil:
			title := rq.AddSheet.Properties.Title
			if err := f.tables.CreateTable(ctx, title); errors.Is(err, storage.ErrTableExists) {
				f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT",
					fmt.Sprintf("Invalid requests[0].addSheet: A sheet with the name %q already exists. Please enter another name.", title))
				return
			}
			f.mu.Lock()
			f.nextID++
			id := f.nextID
			f.ids[title] = id
			f.mu.Unlock()
			replies = append(replies, map[string]any{
				"addSheet": map[string]any{"properties": sheetProperties{SheetID: id, Title: title}},
			})
		case rq.DeleteDimension != nil:
			rng := rq.DeleteDimension.Range
			if rng.Dimension != "ROWS" || rng.EndIndex != rng.StartIndex+1 {
				f.t.Errorf("unexpected deleteDimension range: %+v", rng)
			}
			title := f.titleFor(rng.SheetID)
			if err := f.tables.DeleteRow(ctx, title, rng.StartIndex+1); err != nil {
				f.fail(w, http.StatusBadRequest, "INVALID_ARGUMENT",
					fmt.Sprintf("Invalid requests[0].deleteDimension: Range ('%s'!A%d) exceeds grid limits.", title, rng.EndIndex))
				return
			}
			replies = append(replies, map[string]any{})
		}
	}
	writeJSON(w, map[string]any{"spreadsheetId": f.id, "replies": replies})
}

func (f *fakeSheets) titleFor(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for title, sid := range f.ids {
		if sid == id {
			return title
		}
	}
	return ""
}

func (f *fakeSheets) fail(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "status": status},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// rowNumber extracts the row from "N:N" or "A{N}:X{N}".
func rowNumber(spec string) int {
	start, _, _ := strings.Cut(spec, ":")
	n, _ := strconv.Atoi(strings.TrimLeft(start, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	return n
}

func toValues(rows []storage.Row) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out
}
