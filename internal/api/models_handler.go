package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keelhq/keel/internal/registry"
)

// modelService is the subset of registry.Service used by the handlers.
type modelService interface {
	Create(ctx context.Context, input registry.CreateModelInput) (*registry.Model, error)
	GetByID(ctx context.Context, id string) (*registry.Model, error)
	List(ctx context.Context, params registry.ModelListParams) ([]*registry.Model, string, error)
	Update(ctx context.Context, id string, input registry.UpdateModelInput) (*registry.Model, error)
	Delete(ctx context.Context, id string) error
}

// modelsHandler groups model management HTTP handlers.
type modelsHandler struct {
	service modelService
}

func newModelsHandler(svc modelService) *modelsHandler {
	return &modelsHandler{service: svc}
}

// ListModels handles GET /api/v1/models.
func (h *modelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	params := registry.ModelListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Query:  r.URL.Query().Get("q"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	models, nextCursor, err := h.service.List(r.Context(), params)
	if err != nil {
		writeServiceError(w, r, err, "models")
		return
	}
	if models == nil {
		models = []*registry.Model{}
	}

	resp := map[string]any{"models": models}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetModel handles GET /api/v1/models/{id}.
func (h *modelsHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "model")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CreateModel handles POST /api/v1/models.
func (h *modelsHandler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var input registry.CreateModelInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	m, err := h.service.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, err, "model")
		return
	}
	auditLog(r, "create", "model", m.ID, "name", m.Name, "name_in_client", m.NameInClient)
	writeJSON(w, http.StatusCreated, m)
}

// UpdateModel handles PUT /api/v1/models/{id}.
func (h *modelsHandler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var input registry.UpdateModelInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	id := chi.URLParam(r, "id")
	m, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, r, err, "model")
		return
	}
	auditLog(r, "update", "model", id)
	writeJSON(w, http.StatusOK, m)
}

// DeleteModel handles DELETE /api/v1/models/{id}.
func (h *modelsHandler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "model")
		return
	}
	auditLog(r, "delete", "model", id)
	w.WriteHeader(http.StatusNoContent)
}
