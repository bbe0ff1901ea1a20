package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/user"
)

type fakeMembers map[string][]user.Membership

func (f fakeMembers) Memberships(_ context.Context, userID string) ([]user.Membership, error) {
	return f[userID], nil
}

type usageRow struct {
	userID  string
	in, out int64
	at      time.Time
}

type fakeLedger struct {
	tenantUsers map[string][]string
	checkpoints map[string]*Checkpoint
	purchases   []Purchase
	usage       []usageRow
	creates     int
	advances    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tenantUsers: map[string][]string{}, checkpoints: map[string]*Checkpoint{}}
}

func (f *fakeLedger) TenantUserIDs(_ context.Context, tenantID string) ([]string, error) {
	return f.tenantUsers[tenantID], nil
}

func (f *fakeLedger) GetCheckpoint(_ context.Context, tenantID string) (*Checkpoint, error) {
	cp, ok := f.checkpoints[tenantID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (f *fakeLedger) CreateCheckpoint(_ context.Context, cp Checkpoint) (bool, error) {
	if _, ok := f.checkpoints[cp.TenantID]; ok {
		return false, nil
	}
	f.creates++
	f.checkpoints[cp.TenantID] = &cp
	return true, nil
}

func (f *fakeLedger) AdvanceCheckpoint(_ context.Context, prev time.Time, cp Checkpoint) error {
	if cur, ok := f.checkpoints[cp.TenantID]; ok && cur.CalculatedAt.Equal(prev) {
		f.advances++
		f.checkpoints[cp.TenantID] = &cp
	}
	return nil
}

func (f *fakeLedger) PurchasedTokens(_ context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	var in, out int64
	for _, p := range f.purchases {
		if p.TenantID == tenantID && !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			in += p.InputTokens
			out += p.OutputTokens
		}
	}
	return in, out, nil
}

func (f *fakeLedger) InsertPurchase(_ context.Context, p Purchase) (*Purchase, error) {
	p.ID = "purchase-1"
	f.purchases = append(f.purchases, p)
	return &p, nil
}

func (f *fakeLedger) UsersTokens(_ context.Context, userIDs []string, from, to time.Time) (int64, int64, error) {
	set := map[string]bool{}
	for _, id := range userIDs {
		set[id] = true
	}
	var in, out int64
	for _, u := range f.usage {
		if set[u.userID] && !u.at.Before(from) && u.at.Before(to) {
			in += u.in
			out += u.out
		}
	}
	return in, out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func setup(cfg Config) (*Service, *fakeLedger, *clock) {
	members := fakeMembers{
		"owner":  {{TeamID: "team-a", TenantID: "tenant-1", Role: access.RoleOwner}},
		"member": {{TeamID: "team-a", TenantID: "tenant-1", Role: access.RoleMember}},
		"multi": {
			{TeamID: "team-x", TenantID: "tenant-2", Role: access.RoleMember},
			{TeamID: "team-y", TenantID: "tenant-3", Role: access.RoleOwner},
		},
	}
	l := newFakeLedger()
	l.tenantUsers["tenant-1"] = []string{"owner", "member"}
	c := &clock{t: t0}
	svc := NewService(members, l, l, cfg)
	svc.now = c.now
	return svc, l, c
}

func TestComputeBalance_PurchasesMinusUsage(t *testing.T) {
	svc, l, clk := setup(Config{})
	l.purchases = append(l.purchases, Purchase{TenantID: "tenant-1", InputTokens: 1000, OutputTokens: 500, CreatedAt: t0.Add(-time.Hour)})
	l.usage = append(l.usage,
		usageRow{userID: "owner", in: 200, out: 60, at: t0.Add(-30 * time.Minute)},
		usageRow{userID: "member", in: 100, out: 40, at: t0.Add(-10 * time.Minute)},
		usageRow{userID: "stranger", in: 999, out: 999, at: t0.Add(-10 * time.Minute)},
	)

	bal, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(700), bal.BalanceOfInput)
	assert.Equal(t, int64(400), bal.BalanceOfOutput)
	assert.Equal(t, "tenant-1", bal.TenantID)

	clk.t = t0.Add(time.Second)
	again, err := svc.ComputeBalance(context.Background(), "tenant-1", "owner")
	require.NoError(t, err)
	assert.Equal(t, bal.BalanceOfInput, again.BalanceOfInput)
	assert.Equal(t, bal.BalanceOfOutput, again.BalanceOfOutput)
	assert.Equal(t, 1, l.creates)
}

func TestComputeBalance_ZeroHistoryCreatesCheckpointOnce(t *testing.T) {
	svc, l, clk := setup(Config{})

	for i := 0; i < 3; i++ {
		clk.t = t0.Add(time.Duration(i) * time.Minute)
		bal, err := svc.ComputeBalance(context.Background(), "", "owner")
		require.NoError(t, err)
		assert.Zero(t, bal.BalanceOfInput)
		assert.Zero(t, bal.BalanceOfOutput)
	}
	assert.Equal(t, 1, l.creates)
	require.Contains(t, l.checkpoints, "tenant-1")
	assert.Equal(t, t0, l.checkpoints["tenant-1"].CalculatedAt)
}

func TestComputeBalance_Forbidden(t *testing.T) {
	svc, _, _ := setup(Config{})
	ctx := context.Background()

	_, err := svc.ComputeBalance(ctx, "", "member")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ComputeBalance(ctx, "", "nobody")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ComputeBalance(ctx, "tenant-1", "multi")
	assert.ErrorIs(t, err, ErrForbidden, "not a member of the requested tenant")

	_, err = svc.ComputeBalance(ctx, "tenant-2", "multi")
	assert.ErrorIs(t, err, ErrForbidden, "member but not owner of the requested tenant")

	bal, err := svc.ComputeBalance(ctx, "tenant-3", "multi")
	require.NoError(t, err)
	assert.Equal(t, "tenant-3", bal.TenantID)
}

func TestComputeBalance_DefaultsToFirstOwnedTenant(t *testing.T) {
	svc, _, _ := setup(Config{})
	bal, err := svc.ComputeBalance(context.Background(), "", "multi")
	require.NoError(t, err)
	assert.Equal(t, "tenant-3", bal.TenantID)
}

func TestComputeBalance_LaterActivityAfterCheckpoint(t *testing.T) {
	svc, l, clk := setup(Config{})
	l.purchases = append(l.purchases, Purchase{TenantID: "tenant-1", InputTokens: 1000, OutputTokens: 500, CreatedAt: t0.Add(-time.Hour)})

	_, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)

	l.usage = append(l.usage, usageRow{userID: "member", in: 250, out: 50, at: t0.Add(time.Minute)})
	l.purchases = append(l.purchases, Purchase{TenantID: "tenant-1", InputTokens: 100, CreatedAt: t0.Add(2 * time.Minute)})
	clk.t = t0.Add(time.Hour)

	bal, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(850), bal.BalanceOfInput)
	assert.Equal(t, int64(450), bal.BalanceOfOutput)
	assert.Zero(t, l.advances, "checkpoint stays put without a refresh interval")
}

func TestComputeBalance_CheckpointRefresh(t *testing.T) {
	svc, l, clk := setup(Config{CheckpointRefresh: 24 * time.Hour})
	l.purchases = append(l.purchases, Purchase{TenantID: "tenant-1", InputTokens: 1000, OutputTokens: 500, CreatedAt: t0.Add(-time.Hour)})

	_, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)

	l.usage = append(l.usage, usageRow{userID: "owner", in: 300, out: 100, at: t0.Add(time.Hour)})

	clk.t = t0.Add(23 * time.Hour)
	_, err = svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)
	assert.Zero(t, l.advances)

	clk.t = t0.Add(25 * time.Hour)
	bal, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)
	assert.Equal(t, 1, l.advances)
	assert.Equal(t, int64(700), bal.BalanceOfInput)

	cp := l.checkpoints["tenant-1"]
	assert.Equal(t, clk.t, cp.CalculatedAt)
	assert.Equal(t, int64(700), cp.BalanceOfInput)
	assert.Equal(t, int64(300), cp.UsageOfInput)

	// The advanced baseline yields the same balance.
	clk.t = t0.Add(26 * time.Hour)
	again, err := svc.ComputeBalance(context.Background(), "", "owner")
	require.NoError(t, err)
	assert.Equal(t, bal.BalanceOfInput, again.BalanceOfInput)
	assert.Equal(t, bal.BalanceOfOutput, again.BalanceOfOutput)
}

func TestRecordPurchase(t *testing.T) {
	svc, l, _ := setup(Config{PricePerMillion: decimal.RequireFromString("2.00")})
	ctx := context.Background()

	p, err := svc.RecordPurchase(ctx, PurchaseInput{TenantID: "tenant-1", InputTokens: 1_000_000, OutputTokens: 500_000})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3").Equal(p.Amount), "amount %s", p.Amount)
	assert.Len(t, l.purchases, 1)

	_, err = svc.RecordPurchase(ctx, PurchaseInput{InputTokens: 1})
	assert.ErrorIs(t, err, ErrTenantRequired)
	_, err = svc.RecordPurchase(ctx, PurchaseInput{TenantID: "tenant-1", InputTokens: -1, OutputTokens: 5})
	assert.ErrorIs(t, err, ErrTokensNegative)
	_, err = svc.RecordPurchase(ctx, PurchaseInput{TenantID: "tenant-1"})
	assert.ErrorIs(t, err, ErrTokensInvalid)
}
