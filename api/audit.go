package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditActorRegistered AuditEvent = "actor_registered"
	AuditKeyRegistered   AuditEvent = "key_registered"
	AuditCertIssued      AuditEvent = "cert_issued"
	AuditCertRevoked     AuditEvent = "cert_revoked"
	AuditIssueRejected   AuditEvent = "issue_rejected"
	AuditTrialIssued     AuditEvent = "trial_issued"
	AuditTrialCompleted  AuditEvent = "trial_completed"
	AuditTrialFailed     AuditEvent = "trial_failed"
	AuditTokenIssued     AuditEvent = "token_issued"
	AuditTokenRejected   AuditEvent = "token_rejected"
	AuditTrustCached     AuditEvent = "trust_cached"
	AuditTrustRevoked    AuditEvent = "trust_revoked"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Identifiers logged here are
// serials, UUIDs and hashes; never token secrets or key material.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logFailure logs a rejected request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
