// Package sheets implements storage.Backend on top of the Google Sheets v4
// REST API. Each table is a worksheet of one spreadsheet; cell values are
// written RAW and read back formatted.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/jmcleod/assetledger/storage"
)

// Scope grants read/write access to spreadsheets.
const Scope = "https://www.googleapis.com/auth/spreadsheets"

// DefaultEndpoint is the Sheets API base URL.
const DefaultEndpoint = "https://sheets.googleapis.com"

// DefaultTimeout bounds every HTTP round trip.
const DefaultTimeout = 30 * time.Second

// Config describes how to reach a spreadsheet.
type Config struct {
	SpreadsheetID string
	// CredentialsFile is a service account JSON key file. Ignored when
	// CredentialsJSON or HTTPClient is set.
	CredentialsFile string
	CredentialsJSON []byte
	// Endpoint overrides DefaultEndpoint.
	Endpoint string
	Timeout  time.Duration
	// HTTPClient, when set, is used as-is and no credentials are loaded.
	HTTPClient *http.Client
}

// Client is a storage.Backend for one spreadsheet.
type Client struct {
	http     *http.Client
	endpoint string
	id       string

	mu       sync.Mutex
	sheetIDs map[string]int64
}

var _ storage.Backend = (*Client)(nil)

// New builds a Client. Missing or unreadable credentials are reported as
// storage.ErrBackendUnavailable.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet id is required", storage.ErrBackendUnavailable)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		creds := cfg.CredentialsJSON
		if len(creds) == 0 {
			if cfg.CredentialsFile == "" {
				return nil, fmt.Errorf("%w: no service account credentials configured", storage.ErrBackendUnavailable)
			}
			data, err := os.ReadFile(cfg.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("%w: reading credentials: %v", storage.ErrBackendUnavailable, err)
			}
			creds = data
		}
		conf, err := google.JWTConfigFromJSON(creds, Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing credentials: %v", storage.ErrBackendUnavailable, err)
		}
		hc = conf.Client(ctx)
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc.Timeout = timeout
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		http:     hc,
		endpoint: endpoint,
		id:       cfg.SpreadsheetID,
		sheetIDs: make(map[string]int64),
	}, nil
}

type sheetProperties struct {
	SheetID int64  `json:"sheetId"`
	Title   string `json:"title"`
}

type spreadsheet struct {
	Sheets []struct {
		Properties sheetProperties `json:"properties"`
	} `json:"sheets"`
}

type valueRange struct {
	Range          string  `json:"range,omitempty"`
	MajorDimension string  `json:"majorDimension,omitempty"`
	Values         [][]any `json:"values"`
}

func (c *Client) HasTable(ctx context.Context, table string) (bool, error) {
	_, ok, err := c.sheetID(ctx, table, true)
	return ok, err
}

func (c *Client) CreateTable(ctx context.Context, table string) error {
	req := map[string]any{
		"requests": []any{
			map[string]any{"addSheet": map[string]any{
				"properties": map[string]any{"title": table},
			}},
		},
	}
	var resp struct {
		Replies []struct {
			AddSheet struct {
				Properties sheetProperties `json:"properties"`
			} `json:"addSheet"`
		} `json:"replies"`
	}
	if err := c.do(ctx, http.MethodPost, c.spreadsheetURL()+":batchUpdate", nil, req, &resp); err != nil {
		if errors.Is(err, errAlreadyExists) {
			return fmt.Errorf("%s: %w", table, storage.ErrTableExists)
		}
		return err
	}
	if len(resp.Replies) > 0 {
		c.mu.Lock()
		c.sheetIDs[table] = resp.Replies[0].AddSheet.Properties.SheetID
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) ReadAll(ctx context.Context, table string) ([]storage.Row, error) {
	vr, err := c.getValues(ctx, table, quoteTitle(table))
	if err != nil {
		return nil, err
	}
	rows := make([]storage.Row, len(vr.Values))
	for i, v := range vr.Values {
		rows[i] = toRow(v)
	}
	return rows, nil
}

func (c *Client) ReadRow(ctx context.Context, table string, physicalRow int) (storage.Row, error) {
	if physicalRow < 1 {
		return storage.Row{}, nil
	}
	vr, err := c.getValues(ctx, table, fmt.Sprintf("%s!%d:%d", quoteTitle(table), physicalRow, physicalRow))
	if err != nil {
		return nil, err
	}
	if len(vr.Values) == 0 {
		return storage.Row{}, nil
	}
	return toRow(vr.Values[0]), nil
}

func (c *Client) Append(ctx context.Context, table string, row storage.Row) error {
	q := url.Values{
		"valueInputOption": {"RAW"},
		"insertDataOption": {"INSERT_ROWS"},
	}
	body := valueRange{MajorDimension: "ROWS", Values: [][]any{fromRow(row)}}
	err := c.do(ctx, http.MethodPost, c.valuesURL(quoteTitle(table)+"!A1")+":append", q, body, nil)
	return tableErr(table, err)
}

// UpdateRow writes the leading len(row) cells of physicalRow. The live
// service grows the grid for writes past the last row instead of failing,
// so callers bound-check first.
func (c *Client) UpdateRow(ctx context.Context, table string, physicalRow int, row storage.Row) error {
	if physicalRow < 1 || len(row) == 0 {
		return fmt.Errorf("%s row %d: %w", table, physicalRow, storage.ErrRowOutOfRange)
	}
	rng := fmt.Sprintf("%s!A%d:%s%d", quoteTitle(table), physicalRow, ColumnName(len(row)), physicalRow)
	body := valueRange{Range: rng, MajorDimension: "ROWS", Values: [][]any{fromRow(row)}}
	err := c.do(ctx, http.MethodPut, c.valuesURL(rng), url.Values{"valueInputOption": {"RAW"}}, body, nil)
	if errors.Is(err, errOutOfGrid) {
		return fmt.Errorf("%s row %d: %w", table, physicalRow, storage.ErrRowOutOfRange)
	}
	return tableErr(table, err)
}

func (c *Client) DeleteRow(ctx context.Context, table string, physicalRow int) error {
	if physicalRow < 1 {
		return fmt.Errorf("%s row %d: %w", table, physicalRow, storage.ErrRowOutOfRange)
	}
	sid, ok, err := c.sheetID(ctx, table, false)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	req := map[string]any{
		"requests": []any{
			map[string]any{"deleteDimension": map[string]any{
				"range": map[string]any{
					"sheetId":    sid,
					"dimension":  "ROWS",
					"startIndex": physicalRow - 1,
					"endIndex":   physicalRow,
				},
			}},
		},
	}
	err = c.do(ctx, http.MethodPost, c.spreadsheetURL()+":batchUpdate", nil, req, nil)
	if errors.Is(err, errOutOfGrid) {
		return fmt.Errorf("%s row %d: %w", table, physicalRow, storage.ErrRowOutOfRange)
	}
	return err
}

// sheetID resolves a worksheet title to its numeric id, consulting the
// spreadsheet metadata when the title is unknown or refresh is set.
func (c *Client) sheetID(ctx context.Context, table string, refresh bool) (int64, bool, error) {
	if !refresh {
		c.mu.Lock()
		id, ok := c.sheetIDs[table]
		c.mu.Unlock()
		if ok {
			return id, true, nil
		}
	}
	q := url.Values{"fields": {"sheets.properties(sheetId,title)"}}
	var meta spreadsheet
	if err := c.do(ctx, http.MethodGet, c.spreadsheetURL(), q, nil, &meta); err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.sheetIDs)
	for _, s := range meta.Sheets {
		c.sheetIDs[s.Properties.Title] = s.Properties.SheetID
	}
	id, ok := c.sheetIDs[table]
	return id, ok, nil
}

func (c *Client) getValues(ctx context.Context, table, rng string) (*valueRange, error) {
	q := url.Values{"majorDimension": {"ROWS"}}
	var vr valueRange
	if err := c.do(ctx, http.MethodGet, c.valuesURL(rng), q, nil, &vr); err != nil {
		return nil, tableErr(table, err)
	}
	return &vr, nil
}

func (c *Client) spreadsheetURL() string {
	return c.endpoint + "/v4/spreadsheets/" + url.PathEscape(c.id)
}

func (c *Client) valuesURL(rng string) string {
	return c.spreadsheetURL() + "/values/" + url.PathEscape(rng)
}

var (
	errAlreadyExists = errors.New("already exists")
	errOutOfGrid     = errors.New("outside grid")
	errBadRange      = errors.New("unable to parse range")
)

// apiError is the error envelope returned by Google APIs.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, in, out any) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", storage.ErrBackendUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrMalformedResponse, err)
	}
	return nil
}

// classify maps an unsuccessful HTTP response onto the storage sentinels.
func classify(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	quota := status == http.StatusTooManyRequests || ae.Error.Status == "RESOURCE_EXHAUSTED"
	for _, d := range ae.Error.Details {
		if d.Reason == "RATE_LIMIT_EXCEEDED" {
			quota = true
		}
	}
	if strings.Contains(msg, "RATE_LIMIT_EXCEEDED") {
		quota = true
	}

	lower := strings.ToLower(msg)
	switch {
	case quota:
		return fmt.Errorf("%w: %s", storage.ErrQuotaExceeded, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", storage.ErrAccessDenied, msg)
	case status == http.StatusBadRequest && strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", errAlreadyExists, msg)
	case status == http.StatusBadRequest && strings.Contains(lower, "unable to parse range"):
		return fmt.Errorf("%w: %s", errBadRange, msg)
	case status == http.StatusBadRequest && (strings.Contains(lower, "exceeds grid limits") || strings.Contains(lower, "out of bounds")):
		return fmt.Errorf("%w: %s", errOutOfGrid, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: spreadsheet: %s", storage.ErrBackendUnavailable, msg)
	case status >= 500:
		return fmt.Errorf("%w: %d %s", storage.ErrBackendUnavailable, status, msg)
	}
	return fmt.Errorf("sheets: %d %s", status, msg)
}

// tableErr turns a range that names no worksheet into ErrTableNotFound.
func tableErr(table string, err error) error {
	if errors.Is(err, errBadRange) {
		return fmt.Errorf("%s: %w", table, storage.ErrTableNotFound)
	}
	return err
}

func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// ColumnName returns the A1 column letters for a 1-based column number.
func ColumnName(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

func toRow(values []any) storage.Row {
	row := make(storage.Row, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case string:
			row[i] = v
		case nil:
		default:
			row[i] = fmt.Sprint(v)
		}
	}
	return row
}

func fromRow(row storage.Row) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}
