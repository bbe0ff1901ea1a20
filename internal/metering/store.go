package metering

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrInvalidCursor is returned for a pagination cursor that does not decode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Store provides database operations over the usage ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert appends a single usage record.
func (s *Store) Insert(ctx context.Context, u Usage) error {
	return s.BatchInsert(ctx, []Usage{u})
}

// BatchInsert writes usage records in a single multi-row INSERT. It is a
// no-op when records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []Usage) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 8
	args := make([]any, 0, len(records)*cols)
	rows := make([]string, 0, len(records))

	for i, u := range records {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, NULLIF($%d, '')::uuid, $%d, $%d, $%d, $%d::numeric, COALESCE($%d::timestamptz, now()))",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		var createdAt *time.Time
		if !u.CreatedAt.IsZero() {
			createdAt = &u.CreatedAt
		}
		args = append(args,
			u.UserID,
			u.TeamID,
			u.APIKeyID,
			u.Model,
			u.InputTokens,
			u.OutputTokens,
			u.Cost.String(),
			createdAt,
		)
	}

	query := `INSERT INTO usage
		(user_id, team_id, api_key_id, model, input_tokens, output_tokens, cost, created_at)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting usage: %w", err)
	}
	return nil
}

// TeamTokens sums input and output tokens used by a team since the given
// instant. A zero since covers all time.
func (s *Store) TeamTokens(ctx context.Context, teamID string, since time.Time) (int64, error) {
	return s.sumTokens(ctx, "team_id", teamID, since)
}

// UserTokens sums input and output tokens used by a user since the given
// instant. A zero since covers all time.
func (s *Store) UserTokens(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.sumTokens(ctx, "user_id", userID, since)
}

func (s *Store) sumTokens(ctx context.Context, column, id string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(input_tokens + output_tokens), 0)::bigint FROM usage WHERE ` + column + ` = $1`
	args := []any{id}
	if !since.IsZero() {
		query += ` AND created_at >= $2`
		args = append(args, since)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing %s tokens: %w", strings.TrimSuffix(column, "_id"), err)
	}
	return total, nil
}

// UsersTokens sums input and output tokens separately for a set of users in
// the window [from, to).
func (s *Store) UsersTokens(ctx context.Context, userIDs []string, from, to time.Time) (input, output int64, err error) {
	if len(userIDs) == 0 {
		return 0, 0, nil
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0)::bigint, COALESCE(SUM(output_tokens), 0)::bigint
		 FROM usage
		 WHERE user_id = ANY($1::uuid[]) AND created_at >= $2 AND created_at < $3`,
		userIDs, from, to,
	).Scan(&input, &output)
	if err != nil {
		return 0, 0, fmt.Errorf("summing usage for users: %w", err)
	}
	return input, output, nil
}

// GetSummary returns aggregate usage matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(input_tokens), 0)::bigint,
		COALESCE(SUM(output_tokens), 0)::bigint,
		COALESCE(SUM(cost), 0)::text
	FROM usage` + where

	var summary UsageSummary
	var cost string
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.Requests,
		&summary.InputTokens,
		&summary.OutputTokens,
		&cost,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	if summary.Cost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("parsing usage cost: %w", err)
	}
	summary.TotalTokens = summary.InputTokens + summary.OutputTokens
	return &summary, nil
}

// ListUsage returns a page of usage records matching the query filters,
// ordered by created_at DESC, id DESC, with the next cursor (empty when
// there are no more results).
func (s *Store) ListUsage(ctx context.Context, q UsageQuery) ([]*Usage, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, user_id, team_id, COALESCE(api_key_id::text, ''), model,
		input_tokens, output_tokens, cost::text, created_at
	FROM usage` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage: %w", err)
	}
	defer rows.Close()

	var records []*Usage
	for rows.Next() {
		var u Usage
		var cost string
		if err := rows.Scan(
			&u.ID, &u.UserID, &u.TeamID, &u.APIKeyID, &u.Model,
			&u.InputTokens, &u.OutputTokens, &cost, &u.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage row: %w", err)
		}
		if u.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, "", fmt.Errorf("parsing usage cost: %w", err)
		}
		records = append(records, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage rows: %w", err)
	}

	var nextCursor string
	if len(records) > limit {
		last := records[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		records = records[:limit]
	}
	return records, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.TeamID != "" {
		args = append(args, q.TeamID)
		conditions = append(conditions, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if q.UserID != "" {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	} else if len(q.UserIDs) > 0 {
		args = append(args, q.UserIDs)
		conditions = append(conditions, fmt.Sprintf("user_id = ANY($%d::uuid[])", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
