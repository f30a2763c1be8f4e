package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/assetledger/auth"
	"github.com/jmcleod/assetledger/storage"
	"github.com/jmcleod/assetledger/tabledb"
)

const (
	maxAuthBodySize = 16 << 10
	maxRowBodySize  = 256 << 10

	unavailableBanner = "data layer unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers with msg only.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a size-limited JSON body into T, answering 400 itself on
// failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

func mapError(w http.ResponseWriter, err error) {
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		writeRateLimited(w, locked.RetryAfter, locked.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrIdentityTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidIdentity),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordMismatch),
		errors.Is(err, auth.ErrInvalidResetToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnknownIdentity):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrDirectoryUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, tabledb.ErrUnknownTable), errors.Is(err, tabledb.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tabledb.ErrUnknownColumn), errors.Is(err, tabledb.ErrEmptyRow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tabledb.ErrRowOutOfRange):
		writeError(w, http.StatusConflict, "row no longer exists at that index; reload and retry")
	case errors.Is(err, storage.ErrQuotaExceeded):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusServiceUnavailable, "remote store is throttling requests; retry shortly")
	case errors.Is(err, storage.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, unavailableBanner)
	case errors.Is(err, storage.ErrAccessDenied), errors.Is(err, storage.ErrMalformedResponse):
		slog.Error("remote store error", "error", err)
		writeError(w, http.StatusBadGateway, "remote store error")
	default:
		writeInternalError(w, "internal error", err)
	}
}

// isPrivateTable reports whether table holds credentials and is never served
// by the generic table endpoints.
func isPrivateTable(table string) bool {
	return strings.EqualFold(table, tabledb.Users) || strings.EqualFold(table, tabledb.PasswordResets)
}
