package metering

import (
	"time"

	"github.com/shopspring/decimal"
)

// Usage is one metered completion. Records are append-only.
type Usage struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	TeamID       string          `json:"team_id"`
	APIKeyID     string          `json:"api_key_id,omitempty"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UsageSummary holds aggregate metrics for a set of usage records.
type UsageSummary struct {
	Requests     int64           `json:"requests"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// UsageQuery defines filters and pagination for querying usage records.
type UsageQuery struct {
	TeamID  string    `json:"team_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	UserIDs []string  `json:"user_ids,omitempty"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Cursor  string    `json:"cursor,omitempty"`
	Limit   int       `json:"limit"`
}
