// Package billing computes tenant token balances from purchases and metered
// usage, and records token purchases.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/user"
)

var (
	ErrForbidden      = errors.New("only team owners can view the balance")
	ErrTenantRequired = errors.New("tenant_id is required")
	ErrTokensInvalid  = errors.New("purchase must add a positive number of tokens")
	ErrTokensNegative = errors.New("token counts must not be negative")
)

type membershipSource interface {
	Memberships(ctx context.Context, userID string) ([]user.Membership, error)
}

type ledger interface {
	TenantUserIDs(ctx context.Context, tenantID string) ([]string, error)
	GetCheckpoint(ctx context.Context, tenantID string) (*Checkpoint, error)
	CreateCheckpoint(ctx context.Context, cp Checkpoint) (bool, error)
	AdvanceCheckpoint(ctx context.Context, prev time.Time, cp Checkpoint) error
	PurchasedTokens(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error)
	InsertPurchase(ctx context.Context, p Purchase) (*Purchase, error)
}

type usageSource interface {
	UsersTokens(ctx context.Context, userIDs []string, from, to time.Time) (int64, int64, error)
}

// Config controls checkpoint advancement and purchase pricing.
type Config struct {
	// CheckpointRefresh advances a checkpoint once it is older than this.
	// Zero keeps the first checkpoint forever.
	CheckpointRefresh time.Duration
	PricePerMillion   decimal.Decimal
}

type Service struct {
	members membershipSource
	store   ledger
	usage   usageSource
	cfg     Config
	now     func() time.Time
}

func NewService(members membershipSource, store ledger, usage usageSource, cfg Config) *Service {
	return &Service{members: members, store: store, usage: usage, cfg: cfg, now: time.Now}
}

// ComputeBalance returns the tenant's balance for a user who owns a team.
// An empty tenantID selects the tenant of the user's first owned team.
func (s *Service) ComputeBalance(ctx context.Context, tenantID, actingUserID string) (*Balance, error) {
	asOf := s.now().UTC().Truncate(time.Microsecond)

	memberships, err := s.members.Memberships(ctx, actingUserID)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}
	tenantID, err = ownedTenant(memberships, tenantID)
	if err != nil {
		return nil, err
	}

	userIDs, err := s.store.TenantUserIDs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	userIDs = appendUnique(userIDs, actingUserID)

	cp, err := s.store.GetCheckpoint(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	since := time.Unix(0, 0).UTC()
	var base Checkpoint
	if cp != nil {
		since = cp.CalculatedAt
		base = *cp
	}

	boughtIn, boughtOut, err := s.store.PurchasedTokens(ctx, tenantID, since, asOf)
	if err != nil {
		return nil, err
	}
	usedIn, usedOut, err := s.usage.UsersTokens(ctx, userIDs, since, asOf)
	if err != nil {
		return nil, err
	}

	bal := &Balance{
		TenantID:        tenantID,
		BalanceOfInput:  base.BalanceOfInput + boughtIn - usedIn,
		BalanceOfOutput: base.BalanceOfOutput + boughtOut - usedOut,
		AsOf:            asOf,
	}
	next := Checkpoint{
		TenantID:        tenantID,
		CalculatedAt:    asOf,
		UsageOfInput:    base.UsageOfInput + usedIn,
		UsageOfOutput:   base.UsageOfOutput + usedOut,
		BalanceOfInput:  bal.BalanceOfInput,
		BalanceOfOutput: bal.BalanceOfOutput,
	}

	switch {
	case cp == nil:
		created, err := s.store.CreateCheckpoint(ctx, next)
		if err != nil {
			return nil, err
		}
		if !created {
			slog.Debug("balance checkpoint created concurrently", "tenant_id", tenantID)
		}
	case s.cfg.CheckpointRefresh > 0 && asOf.Sub(cp.CalculatedAt) >= s.cfg.CheckpointRefresh:
		if err := s.store.AdvanceCheckpoint(ctx, cp.CalculatedAt, next); err != nil {
			return nil, err
		}
	}
	return bal, nil
}

// ownedTenant picks the tenant to report on. The user must own a team in
// that tenant; an empty tenantID selects the tenant of their first owned team.
func ownedTenant(memberships []user.Membership, tenantID string) (string, error) {
	for _, m := range memberships {
		if m.Role != access.RoleOwner {
			continue
		}
		if tenantID == "" || m.TenantID == tenantID {
			return m.TenantID, nil
		}
	}
	return "", ErrForbidden
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// RecordPurchase prices and appends a token purchase.
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (*Purchase, error) {
	if in.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if in.InputTokens < 0 || in.OutputTokens < 0 {
		return nil, ErrTokensNegative
	}
	if in.InputTokens+in.OutputTokens == 0 {
		return nil, ErrTokensInvalid
	}
	return s.store.InsertPurchase(ctx, Purchase{
		TenantID:     in.TenantID,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		Amount:       s.Price(in.InputTokens + in.OutputTokens),
	})
}

// Price returns the cost of tokens at the configured price per million.
func (s *Service) Price(tokens int64) decimal.Decimal {
	return s.cfg.PricePerMillion.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(1_000_000)).Round(4)
}
