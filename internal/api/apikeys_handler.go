package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keelhq/keel/internal/apikey"
)

// keyService is the subset of apikey.Service used by the handlers.
type keyService interface {
	Create(ctx context.Context, teamID, userID, name string, expiresAt *time.Time) (*apikey.APIKey, string, error)
	List(ctx context.Context, params apikey.ListParams) ([]*apikey.APIKey, string, error)
	Delete(ctx context.Context, teamID, id string) error
	Reveal(ctx context.Context, teamID, id, userID string) (string, error)
}

// apiKeysHandler groups team API key HTTP handlers.
type apiKeysHandler struct {
	keys keyService
}

func newAPIKeysHandler(keys keyService) *apiKeysHandler {
	return &apiKeysHandler{keys: keys}
}

// List handles GET /api/v1/teams/{teamID}/api-keys.
func (h *apiKeysHandler) List(w http.ResponseWriter, r *http.Request) {
	params := apikey.ListParams{
		TeamID: chi.URLParam(r, "teamID"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	keys, nextCursor, err := h.keys.List(r.Context(), params)
	if err != nil {
		writeServiceError(w, r, err, "api keys")
		return
	}
	if keys == nil {
		keys = []*apikey.APIKey{}
	}

	resp := map[string]any{"api_keys": keys}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Create handles POST /api/v1/teams/{teamID}/api-keys. The plaintext key is
// only ever returned here.
func (h *apiKeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string     `json:"name"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	teamID := chi.URLParam(r, "teamID")
	k, plaintext, err := h.keys.Create(r.Context(), teamID, sessionUser(r).ID, req.Name, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, r, err, "api key")
		return
	}

	auditLog(r, "create", "team_api_key", k.ID, "team_id", teamID, "name", k.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         k.ID,
		"name":       k.Name,
		"team_id":    k.TeamID,
		"key_prefix": k.KeyPrefix,
		"api_key":    plaintext,
		"expires_at": k.ExpiresAt,
		"created_at": k.CreatedAt,
	})
}

// Delete handles DELETE /api/v1/teams/{teamID}/api-keys/{keyID}.
func (h *apiKeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	teamID, id := chi.URLParam(r, "teamID"), chi.URLParam(r, "keyID")
	if err := h.keys.Delete(r.Context(), teamID, id); err != nil {
		writeServiceError(w, r, err, "api key")
		return
	}
	auditLog(r, "delete", "team_api_key", id, "team_id", teamID)
	w.WriteHeader(http.StatusNoContent)
}

// Decrypt handles GET /api/v1/teams/{teamID}/api-keys/{keyID}/decrypt.
// Only the key's creator may decrypt it.
func (h *apiKeysHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	teamID, id := chi.URLParam(r, "teamID"), chi.URLParam(r, "keyID")
	plaintext, err := h.keys.Reveal(r.Context(), teamID, id, sessionUser(r).ID)
	if err != nil {
		writeServiceError(w, r, err, "api key")
		return
	}
	auditLog(r, "decrypt", "team_api_key", id, "team_id", teamID)
	writeJSON(w, http.StatusOK, map[string]string{"api_key": plaintext})
}
