package metering

import (
	"context"
	"log/slog"
)

// UsageInserter appends a single usage record.
type UsageInserter interface {
	Insert(ctx context.Context, u Usage) error
}

// FailureRecorder counts usage records that could not be stored.
type FailureRecorder interface {
	RecordUsageFailures(n int)
}

// Recorder writes usage after a completion has been served. Failures are
// logged and counted, never returned: the caller's request already succeeded.
type Recorder struct {
	store     UsageInserter
	collector *Collector
	metrics   FailureRecorder
}

func NewRecorder(store UsageInserter) *Recorder {
	return &Recorder{store: store}
}

// UseCollector routes records through the batching collector instead of
// inserting them one at a time.
func (r *Recorder) UseCollector(c *Collector) {
	r.collector = c
}

func (r *Recorder) SetMetrics(m FailureRecorder) {
	r.metrics = m
}

// RecordUsage appends one usage record.
func (r *Recorder) RecordUsage(ctx context.Context, u Usage) {
	if u.UserID == "" || u.TeamID == "" {
		slog.Error("refusing to record usage without owner", "user_id", u.UserID, "team_id", u.TeamID)
		r.fail(1)
		return
	}
	if r.collector != nil {
		r.collector.Record(u)
		return
	}
	if err := r.store.Insert(ctx, u); err != nil {
		slog.Error("failed to record usage",
			"user_id", u.UserID, "team_id", u.TeamID, "model", u.Model,
			"input_tokens", u.InputTokens, "output_tokens", u.OutputTokens, "error", err)
		r.fail(1)
	}
}

func (r *Recorder) fail(n int) {
	if r.metrics != nil {
		r.metrics.RecordUsageFailures(n)
	}
}
