package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Checkpoint is the balance baseline for a tenant. Balances are computed as
// the checkpoint balance plus purchases minus usage since CalculatedAt.
type Checkpoint struct {
	TenantID        string    `json:"tenant_id"`
	CalculatedAt    time.Time `json:"calculated_at"`
	UsageOfInput    int64     `json:"usage_of_input"`
	UsageOfOutput   int64     `json:"usage_of_output"`
	BalanceOfInput  int64     `json:"balance_of_input"`
	BalanceOfOutput int64     `json:"balance_of_output"`
}

// Balance is a tenant's remaining token allowance. Values may be negative.
type Balance struct {
	TenantID        string    `json:"tenant_id"`
	BalanceOfInput  int64     `json:"balanceOfInput"`
	BalanceOfOutput int64     `json:"balanceOfOutput"`
	AsOf            time.Time `json:"as_of"`
}

// Purchase is an append-only token purchase for a tenant.
type Purchase struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

type PurchaseInput struct {
	TenantID     string `json:"tenant_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}
