package api

import "time"

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Email           string `json:"email,omitempty"`
	// Role is honoured only when the caller is an administrator.
	Role string `json:"role,omitempty"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse is returned from POST /auth/login and GET /session.
type SessionResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	// Token lets clients that cannot keep cookies carry the session in a
	// URL parameter or bearer header.
	Token string `json:"token,omitempty"`
}

// ResetRequest is the JSON body for POST /auth/reset/request.
type ResetRequest struct {
	Username string `json:"username"`
}

// ResetResponse is returned from POST /auth/reset/request.
type ResetResponse struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// RedeemRequest is the JSON body for POST /auth/reset/redeem.
type RedeemRequest struct {
	Username        string `json:"username"`
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// TableSummary describes one table exposed through the API.
type TableSummary struct {
	Key    string   `json:"key"`
	Name   string   `json:"name"`
	Header []string `json:"header"`
}

// ListTablesResponse is returned from GET /tables.
type ListTablesResponse struct {
	Tables []TableSummary `json:"tables"`
}

// RowView is one data row with its logical index in the snapshot it was
// read from.
type RowView struct {
	Index  int      `json:"index"`
	Values []string `json:"values"`
}

// TableResponse is returned from GET /tables/{table}.
type TableResponse struct {
	Table     string    `json:"table"`
	Header    []string  `json:"header"`
	Rows      []RowView `json:"rows"`
	Status    string    `json:"status"`
	Degraded  bool      `json:"degraded"`
	FetchedAt time.Time `json:"fetched_at"`
	PaginationMeta
}

// RowRequest is the JSON body for row writes. Values are positional; Fields
// are addressed by header name. When both are set Fields are applied on top
// of Values.
type RowRequest struct {
	Values []string          `json:"values,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// AppendResponse is returned from POST /tables/{table}/rows.
type AppendResponse struct {
	ID string `json:"id,omitempty"`
}

// FindResponse is returned from GET /tables/{table}/find.
type FindResponse struct {
	Found bool     `json:"found"`
	Index int      `json:"index"`
	Row   []string `json:"row,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Banner  string `json:"banner,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
