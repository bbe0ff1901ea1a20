package registry

import (
	"time"

	"github.com/shopspring/decimal"
)

// Model is an upstream LLM that clients may address by NameInClient.
type Model struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	NameInClient string          `json:"name_in_client"`
	Provider     string          `json:"provider"`
	ProviderURL  string          `json:"provider_url"`
	Type         string          `json:"type"`
	InputPrice   decimal.Decimal `json:"input_price"`
	OutputPrice  decimal.Decimal `json:"output_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Cost prices a request. Prices are per million tokens.
func (m *Model) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)
	in := m.InputPrice.Mul(decimal.NewFromInt(inputTokens))
	out := m.OutputPrice.Mul(decimal.NewFromInt(outputTokens))
	return in.Add(out).Div(million)
}

// CreateModelInput holds the fields required to register a model.
type CreateModelInput struct {
	Name         string          `json:"name"`
	NameInClient string          `json:"name_in_client"`
	Provider     string          `json:"provider"`
	ProviderURL  string          `json:"provider_url"`
	Type         string          `json:"type"`
	InputPrice   decimal.Decimal `json:"input_price"`
	OutputPrice  decimal.Decimal `json:"output_price"`
}

// UpdateModelInput holds the fields that can be updated on a model.
// All fields are optional; only non-nil fields are applied.
type UpdateModelInput struct {
	Name         *string          `json:"name"`
	NameInClient *string          `json:"name_in_client"`
	Provider     *string          `json:"provider"`
	ProviderURL  *string          `json:"provider_url"`
	Type         *string          `json:"type"`
	InputPrice   *decimal.Decimal `json:"input_price"`
	OutputPrice  *decimal.Decimal `json:"output_price"`
}

// ModelListParams controls listing and pagination of models.
type ModelListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
	Query  string `json:"query"`
}
