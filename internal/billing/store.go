package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for purchases and balance checkpoints.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TenantUserIDs returns every user belonging to any team of the tenant.
func (s *Store) TenantUserIDs(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT tm.user_id
		 FROM team_members tm JOIN teams t ON t.id = tm.team_id
		 WHERE t.tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing tenant users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCheckpoint returns the tenant's checkpoint, or nil when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, tenantID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, calculated_at, usage_of_input, usage_of_output,
		        balance_of_input, balance_of_output
		 FROM balance_checkpoints WHERE tenant_id = $1`, tenantID,
	).Scan(&cp.TenantID, &cp.CalculatedAt, &cp.UsageOfInput, &cp.UsageOfOutput,
		&cp.BalanceOfInput, &cp.BalanceOfOutput)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint: %w", err)
	}
	return &cp, nil
}

// CreateCheckpoint inserts a checkpoint. A concurrent insert for the same
// tenant wins silently; created reports whether this call's row was stored.
func (s *Store) CreateCheckpoint(ctx context.Context, cp Checkpoint) (created bool, err error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO balance_checkpoints
		 (tenant_id, calculated_at, usage_of_input, usage_of_output, balance_of_input, balance_of_output)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		cp.TenantID, cp.CalculatedAt, cp.UsageOfInput, cp.UsageOfOutput,
		cp.BalanceOfInput, cp.BalanceOfOutput)
	if err != nil {
		return false, fmt.Errorf("creating checkpoint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceCheckpoint replaces the checkpoint if it still has the calculated_at
// the caller read, so concurrent advances apply at most once.
func (s *Store) AdvanceCheckpoint(ctx context.Context, prev time.Time, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE balance_checkpoints
		 SET calculated_at = $3, usage_of_input = $4, usage_of_output = $5,
		     balance_of_input = $6, balance_of_output = $7
		 WHERE tenant_id = $1 AND calculated_at = $2`,
		cp.TenantID, prev, cp.CalculatedAt, cp.UsageOfInput, cp.UsageOfOutput,
		cp.BalanceOfInput, cp.BalanceOfOutput)
	if err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}
	return nil
}

// PurchasedTokens sums a tenant's purchases in the window [from, to).
func (s *Store) PurchasedTokens(ctx context.Context, tenantID string, from, to time.Time) (input, output int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0)::bigint, COALESCE(SUM(output_tokens), 0)::bigint
		 FROM token_purchases
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, from, to,
	).Scan(&input, &output)
	if err != nil {
		return 0, 0, fmt.Errorf("summing purchases: %w", err)
	}
	return input, output, nil
}

// InsertPurchase appends a purchase record.
func (s *Store) InsertPurchase(ctx context.Context, p Purchase) (*Purchase, error) {
	var out Purchase
	var amount string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO token_purchases (tenant_id, input_tokens, output_tokens, amount)
		 VALUES ($1, $2, $3, $4::numeric)
		 RETURNING id, tenant_id, input_tokens, output_tokens, amount::text, created_at`,
		p.TenantID, p.InputTokens, p.OutputTokens, p.Amount.String(),
	).Scan(&out.ID, &out.TenantID, &out.InputTokens, &out.OutputTokens, &amount, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting purchase: %w", err)
	}
	if out.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing purchase amount: %w", err)
	}
	return &out, nil
}
