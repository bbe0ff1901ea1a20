package metering

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Scope names a token ceiling.
type Scope string

const (
	ScopeTeamDaily   Scope = "team_daily"
	ScopeTeamMonthly Scope = "team_monthly"
	ScopeUserDaily   Scope = "user_daily"
	ScopeUserMonthly Scope = "user_monthly"
	ScopeTeamTotal   Scope = "team_total"
	ScopeUserTotal   Scope = "user_total"
)

// Limits are the token ceilings. Totals are only checked when EnforceTotals
// is set.
type Limits struct {
	TeamDaily     int64
	TeamMonthly   int64
	UserDaily     int64
	UserMonthly   int64
	TeamTotal     int64
	UserTotal     int64
	EnforceTotals bool
}

// LimitExceeded describes the first ceiling a request would cross.
type LimitExceeded struct {
	Scope     Scope `json:"scope"`
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Message is the human-readable rejection, e.g. "team daily token limit exceeded".
func (e *LimitExceeded) Message() string {
	return strings.ReplaceAll(string(e.Scope), "_", " ") + " token limit exceeded"
}

// UsageSummer aggregates the ledger for limit checks.
type UsageSummer interface {
	TeamTokens(ctx context.Context, teamID string, since time.Time) (int64, error)
	UserTokens(ctx context.Context, userID string, since time.Time) (int64, error)
}

// RejectionRecorder counts requests refused by a ceiling.
type RejectionRecorder interface {
	RecordLimitRejection(scope string)
}

// Checker enforces token ceilings against the usage ledger.
type Checker struct {
	usage   UsageSummer
	limits  Limits
	now     func() time.Time
	metrics RejectionRecorder
}

func NewChecker(usage UsageSummer, limits Limits) *Checker {
	return &Checker{usage: usage, limits: limits, now: time.Now}
}

func (c *Checker) SetMetrics(m RejectionRecorder) {
	c.metrics = m
}

// EstimateTokens approximates the prompt size as a quarter of its character
// count.
func EstimateTokens(contents []string) float64 {
	chars := 0
	for _, s := range contents {
		chars += utf8.RuneCountInString(s)
	}
	return float64(chars) / 4
}

type check struct {
	scope Scope
	limit int64
	sum   func(ctx context.Context) (int64, error)
}

// CheckLimits returns the first ceiling that used+estimate would exceed, or
// nil when the request may proceed. Day and month windows start at local
// midnight and the first of the month.
func (c *Checker) CheckLimits(ctx context.Context, userID, teamID string, estimate float64) (*LimitExceeded, error) {
	now := c.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	team := func(since time.Time) func(context.Context) (int64, error) {
		return func(ctx context.Context) (int64, error) { return c.usage.TeamTokens(ctx, teamID, since) }
	}
	user := func(since time.Time) func(context.Context) (int64, error) {
		return func(ctx context.Context) (int64, error) { return c.usage.UserTokens(ctx, userID, since) }
	}

	checks := []check{
		{ScopeTeamDaily, c.limits.TeamDaily, team(day)},
		{ScopeTeamMonthly, c.limits.TeamMonthly, team(month)},
		{ScopeUserDaily, c.limits.UserDaily, user(day)},
		{ScopeUserMonthly, c.limits.UserMonthly, user(month)},
	}
	if c.limits.EnforceTotals {
		checks = append(checks,
			check{ScopeTeamTotal, c.limits.TeamTotal, team(time.Time{})},
			check{ScopeUserTotal, c.limits.UserTotal, user(time.Time{})},
		)
	}

	for _, ch := range checks {
		used, err := ch.sum(ctx)
		if err != nil {
			return nil, fmt.Errorf("checking %s limit: %w", ch.scope, err)
		}
		if float64(used)+estimate > float64(ch.limit) {
			if c.metrics != nil {
				c.metrics.RecordLimitRejection(string(ch.scope))
			}
			return &LimitExceeded{
				Scope:     ch.scope,
				Limit:     ch.limit,
				Used:      used,
				Remaining: ch.limit - used,
			}, nil
		}
	}
	return nil, nil
}
