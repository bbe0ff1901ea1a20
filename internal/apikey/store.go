package apikey

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const keyColumns = `id, name, team_id, user_id, key_hash, key_prefix, encrypted_key,
	expires_at, last_used_at, created_at`

// Store provides database operations for API keys.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new key store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanKey(row pgx.Row) (*APIKey, error) {
	k := &APIKey{}
	err := row.Scan(&k.ID, &k.Name, &k.TeamID, &k.UserID, &k.KeyHash, &k.KeyPrefix,
		&k.EncryptedKey, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Create inserts a new key and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateKeyInput) (*APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (name, team_id, user_id, key_hash, key_prefix, encrypted_key, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+keyColumns,
		in.Name, in.TeamID, in.UserID, in.KeyHash, in.KeyPrefix, in.EncryptedKey, in.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return k, nil
}

// Get retrieves a key belonging to the team.
func (s *Store) Get(ctx context.Context, teamID, id string) (*APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1 AND team_id = $2`,
		id, teamID,
	))
	if err != nil {
		return nil, fmt.Errorf("getting api key: %w", err)
	}
	return k, nil
}

// GetByKeyHash retrieves a live key by its hash and stamps its last use.
// Expired keys are not returned.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`UPDATE api_keys SET last_used_at = now()
		 WHERE key_hash = $1 AND (expires_at IS NULL OR expires_at > now())
		 RETURNING `+keyColumns,
		hash,
	))
	if err != nil {
		return nil, fmt.Errorf("getting api key by hash: %w", err)
	}
	return k, nil
}

// ListByTeam returns a page of the team's keys ordered by created_at DESC,
// id DESC. It returns the keys and the next cursor (empty if no more results).
func (s *Store) ListByTeam(ctx context.Context, params ListParams) ([]*APIKey, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+keyColumns+` FROM api_keys
			 WHERE team_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			params.TeamID, cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+keyColumns+` FROM api_keys
			 WHERE team_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			params.TeamID, limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning api key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating api key rows: %w", err)
	}

	var nextCursor string
	if len(keys) > limit {
		last := keys[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		keys = keys[:limit]
	}

	return keys, nextCursor, nil
}

// Delete removes a team's key. pgx.ErrNoRows is returned when nothing matched.
func (s *Store) Delete(ctx context.Context, teamID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND team_id = $2`, id, teamID)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
