package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for the model registry.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// modelColumns selects prices as text so they scan losslessly into decimals.
const modelColumns = `id, name, name_in_client, provider, provider_url, type,
	input_price::text, output_price::text, created_at, updated_at`

func scanModel(row pgx.Row) (*Model, error) {
	var m Model
	var inputPrice, outputPrice string
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.NameInClient,
		&m.Provider,
		&m.ProviderURL,
		&m.Type,
		&inputPrice,
		&outputPrice,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.InputPrice, err = decimal.NewFromString(inputPrice); err != nil {
		return nil, fmt.Errorf("parsing input_price: %w", err)
	}
	if m.OutputPrice, err = decimal.NewFromString(outputPrice); err != nil {
		return nil, fmt.Errorf("parsing output_price: %w", err)
	}
	return &m, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrNameInClientTaken
	}
	return err
}

// Create inserts a new model and returns the full row.
func (s *Store) Create(ctx context.Context, input CreateModelInput) (*Model, error) {
	query := fmt.Sprintf(`INSERT INTO models
		(name, name_in_client, provider, provider_url, type, input_price, output_price)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)
		RETURNING %s`, modelColumns)

	row := s.pool.QueryRow(ctx, query,
		input.Name,
		input.NameInClient,
		input.Provider,
		input.ProviderURL,
		input.Type,
		input.InputPrice.String(),
		input.OutputPrice.String(),
	)
	m, err := scanModel(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return m, nil
}

// GetByID retrieves a model by its ID.
func (s *Store) GetByID(ctx context.Context, id string) (*Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM models WHERE id = $1`, modelColumns)
	return scanModel(s.pool.QueryRow(ctx, query, id))
}

// GetByNameInClient retrieves a model by the name clients send.
func (s *Store) GetByNameInClient(ctx context.Context, name string) (*Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM models WHERE name_in_client = $1`, modelColumns)
	return scanModel(s.pool.QueryRow(ctx, query, name))
}

// encodeCursor produces a base64-encoded cursor from a timestamp and ID.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64-encoded cursor into a timestamp and ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return t, parts[1], nil
}

// List returns a page of models ordered by created_at DESC, id DESC. Query
// filters on name, name_in_client and provider.
func (s *Store) List(ctx context.Context, params ModelListParams) ([]*Model, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	args := []any{}
	argIdx := 1
	whereClauses := []string{}

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}

	if params.Query != "" {
		whereClauses = append(whereClauses,
			fmt.Sprintf("(name ILIKE $%d OR name_in_client ILIKE $%d OR provider ILIKE $%d)",
				argIdx, argIdx, argIdx))
		args = append(args, "%"+params.Query+"%")
		argIdx++
	}

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM models %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		modelColumns, where, argIdx)
	args = append(args, limit+1) // one extra row signals another page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning model: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating models: %w", err)
	}

	var nextCursor string
	if len(models) > limit {
		last := models[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		models = models[:limit]
	}
	return models, nextCursor, nil
}

// Update applies a partial update to a model and returns the updated row.
func (s *Store) Update(ctx context.Context, id string, input UpdateModelInput) (*Model, error) {
	setClauses := []string{}
	args := []any{}
	argIdx := 1

	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if input.Name != nil {
		set("name", *input.Name)
	}
	if input.NameInClient != nil {
		set("name_in_client", *input.NameInClient)
	}
	if input.Provider != nil {
		set("provider", *input.Provider)
	}
	if input.ProviderURL != nil {
		set("provider_url", *input.ProviderURL)
	}
	if input.Type != nil {
		set("type", *input.Type)
	}
	if input.InputPrice != nil {
		setClauses = append(setClauses, fmt.Sprintf("input_price = $%d::numeric", argIdx))
		args = append(args, input.InputPrice.String())
		argIdx++
	}
	if input.OutputPrice != nil {
		setClauses = append(setClauses, fmt.Sprintf("output_price = $%d::numeric", argIdx))
		args = append(args, input.OutputPrice.String())
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	set("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE models SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, modelColumns)

	m, err := scanModel(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return m, nil
}

// Delete removes a model by its ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
