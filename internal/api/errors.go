package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/keelhq/keel/internal/apikey"
	"github.com/keelhq/keel/internal/billing"
	"github.com/keelhq/keel/internal/metering"
	"github.com/keelhq/keel/internal/registry"
	"github.com/keelhq/keel/internal/team"
	"github.com/keelhq/keel/internal/user"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// domainErrors maps service sentinel errors to HTTP responses. Errors not
// listed here are internal.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{pgx.ErrNoRows, http.StatusNotFound, "not_found"},

	{user.ErrEmailTaken, http.StatusConflict, "conflict"},
	{team.ErrSlugTaken, http.StatusConflict, "conflict"},
	{team.ErrAlreadyMember, http.StatusConflict, "conflict"},
	{registry.ErrNameInClientTaken, http.StatusConflict, "conflict"},

	{team.ErrInvitationExpired, http.StatusBadRequest, "invitation_expired"},
	{metering.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{apikey.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{registry.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{team.ErrInvitationEmail, http.StatusForbidden, "forbidden"},
	{billing.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apikey.ErrNotKeyOwner, http.StatusForbidden, "forbidden"},

	{team.ErrNameRequired, http.StatusUnprocessableEntity, "validation_error"},
	{team.ErrSlugInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{team.ErrRoleInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{team.ErrEmailInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{team.ErrLastOwner, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrNameRequired, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrNameInClientRequired, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrProviderRequired, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrProviderURLInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrTypeInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{registry.ErrPriceNegative, http.StatusUnprocessableEntity, "validation_error"},
	{apikey.ErrNameRequired, http.StatusUnprocessableEntity, "validation_error"},
	{apikey.ErrExpiryInPast, http.StatusUnprocessableEntity, "validation_error"},
	{apikey.ErrNotRecoverable, http.StatusUnprocessableEntity, "not_recoverable"},
	{billing.ErrTenantRequired, http.StatusUnprocessableEntity, "validation_error"},
	{billing.ErrTokensInvalid, http.StatusUnprocessableEntity, "validation_error"},
	{billing.ErrTokensNegative, http.StatusUnprocessableEntity, "validation_error"},
}

// writeServiceError translates an error returned by a service or store.
// what names the entity for not-found and internal messages.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	for _, de := range domainErrors {
		if !errors.Is(err, de.err) {
			continue
		}
		msg := err.Error()
		if de.status == http.StatusNotFound {
			msg = what + " not found"
		}
		writeError(w, de.status, de.code, msg)
		return
	}
	slog.Error("request failed", "entity", what, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to process "+what)
}
