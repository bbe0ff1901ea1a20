package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/keelhq/keel/internal/auth"
)

// auditLog emits a structured audit log entry for a state-changing action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if s := auth.SessionFromContext(r.Context()); s != nil && s.User != nil {
		attrs = append(attrs, "user_id", s.User.ID, "user_email", s.User.Email)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

// clientIP returns the first X-Forwarded-For hop, else the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
