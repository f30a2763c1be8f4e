package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditLogout              AuditEvent = "logout"
	AuditRegister            AuditEvent = "register"
	AuditRegisterRateLimited AuditEvent = "register_rate_limited"
	AuditResetRequested      AuditEvent = "reset_requested"
	AuditResetRedeemed       AuditEvent = "reset_redeemed"
	AuditResetFailed         AuditEvent = "reset_failed"
	AuditRowAppended         AuditEvent = "row_appended"
	AuditRowUpdated          AuditEvent = "row_updated"
	AuditRowDeleted          AuditEvent = "row_deleted"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
	alerts *alertCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	al.alerts.recordEvent(event)
}

// logEvent records an action taken by or on behalf of username.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("username", username)}, extra...)...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}
