package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keelhq/keel/internal/billing"
	"github.com/keelhq/keel/internal/metering"
)

// usageReader is the subset of metering.Store used by the usage handlers.
type usageReader interface {
	GetSummary(ctx context.Context, q metering.UsageQuery) (*metering.UsageSummary, error)
	ListUsage(ctx context.Context, q metering.UsageQuery) ([]*metering.Usage, string, error)
}

// balanceService is the subset of billing.Service used by the handlers.
type balanceService interface {
	ComputeBalance(ctx context.Context, tenantID, actingUserID string) (*billing.Balance, error)
	RecordPurchase(ctx context.Context, in billing.PurchaseInput) (*billing.Purchase, error)
}

// usageHandler groups usage, balance and purchase HTTP handlers.
type usageHandler struct {
	usage   usageReader
	billing balanceService
}

func newUsageHandler(usage usageReader, billing balanceService) *usageHandler {
	return &usageHandler{usage: usage, billing: billing}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildUsageQuery constructs a team-scoped UsageQuery from query params.
func buildUsageQuery(r *http.Request) (metering.UsageQuery, error) {
	q := metering.UsageQuery{
		TeamID: chi.URLParam(r, "teamID"),
		UserID: r.URL.Query().Get("user_id"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if q.UserID != "" {
		if _, err := uuid.Parse(q.UserID); err != nil {
			return q, fmt.Errorf("user_id must be a UUID")
		}
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	q.To = to

	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, fmt.Errorf("to must not be before from")
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = l
	}
	return q, nil
}

// Summary handles GET /api/v1/teams/{teamID}/usage.
func (h *usageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.usage.GetSummary(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Records handles GET /api/v1/teams/{teamID}/usage/records.
func (h *usageHandler) Records(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	records, nextCursor, err := h.usage.ListUsage(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "usage records")
		return
	}
	if records == nil {
		records = []*metering.Usage{}
	}

	resp := map[string]any{"records": records}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Balance handles GET /api/v1/balance?tenant_id=.
func (h *usageHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.billing.ComputeBalance(r.Context(), r.URL.Query().Get("tenant_id"), sessionUser(r).ID)
	if err != nil {
		writeServiceError(w, r, err, "balance")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// RecordPurchase handles POST /api/v1/admin/purchases.
func (h *usageHandler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var in billing.PurchaseInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	p, err := h.billing.RecordPurchase(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err, "purchase")
		return
	}
	auditLog(r, "create", "purchase", p.ID,
		"tenant_id", p.TenantID, "input_tokens", p.InputTokens, "output_tokens", p.OutputTokens, "amount", p.Amount.String())
	writeJSON(w, http.StatusCreated, p)
}
