package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelhq/keel/internal/access"
)

const teamColumns = `id, tenant_id, name, slug, created_at, updated_at`

// Store provides database operations for teams, members and invitations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new team store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTeam(row pgx.Row) (*Team, error) {
	t := &Team{}
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateWithOwner creates the team, and its tenant when in.TenantID is
// empty, and makes ownerID its OWNER in one transaction.
func (s *Store) CreateWithOwner(ctx context.Context, in CreateTeamInput, ownerID string) (*Team, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tenantID := in.TenantID
	if tenantID == "" {
		if err := tx.QueryRow(ctx,
			`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, in.Name,
		).Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("creating tenant: %w", err)
		}
	}

	t, err := scanTeam(tx.QueryRow(ctx,
		`INSERT INTO teams (tenant_id, name, slug) VALUES ($1, $2, $3) RETURNING `+teamColumns,
		tenantID, in.Name, in.Slug,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("creating team: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
		t.ID, ownerID, string(access.RoleOwner),
	); err != nil {
		return nil, fmt.Errorf("adding owner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing team: %w", err)
	}
	return t, nil
}

// Get retrieves a team by id.
func (s *Store) Get(ctx context.Context, id string) (*Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}
	return t, nil
}

// ListForUser returns the teams the user belongs to, oldest membership first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Team, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.tenant_id, t.name, t.slug, t.created_at, t.updated_at
		 FROM teams t JOIN team_members tm ON tm.team_id = t.id
		 WHERE tm.user_id = $1
		 ORDER BY tm.created_at ASC, t.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	defer rows.Close()

	teams := []*Team{}
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// Rename changes a team's display name.
func (s *Store) Rename(ctx context.Context, id, name string) (*Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx,
		`UPDATE teams SET name = $1, updated_at = now() WHERE id = $2 RETURNING `+teamColumns,
		name, id))
	if err != nil {
		return nil, fmt.Errorf("renaming team: %w", err)
	}
	return t, nil
}

// Delete removes a team with its memberships, keys and invitations.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Members lists the team's members, owners first.
func (s *Store) Members(ctx context.Context, teamID string) ([]*Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tm.team_id, u.id, u.email, u.name, tm.role, tm.created_at
		 FROM team_members tm JOIN users u ON u.id = tm.user_id
		 WHERE tm.team_id = $1
		 ORDER BY CASE tm.role WHEN 'OWNER' THEN 0 WHEN 'ADMIN' THEN 1 ELSE 2 END, u.email`,
		teamID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	members := []*Member{}
	for rows.Next() {
		m := &Member{}
		var role string
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Email, &m.Name, &role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		m.Role = access.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember inserts a membership. ErrAlreadyMember is returned when the user
// already belongs to the team.
func (s *Store) AddMember(ctx context.Context, teamID, userID string, role access.Role) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
		teamID, userID, string(role))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

// MemberRole returns the user's role in the team.
func (s *Store) MemberRole(ctx context.Context, teamID, userID string) (access.Role, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM team_members WHERE team_id = $1 AND user_id = $2`,
		teamID, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("getting member role: %w", err)
	}
	return access.Role(role), nil
}

// SetMemberRole changes a member's role.
func (s *Store) SetMemberRole(ctx context.Context, teamID, userID string, role access.Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE team_members SET role = $1 WHERE team_id = $2 AND user_id = $3`,
		string(role), teamID, userID)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(ctx context.Context, teamID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountOwners returns how many OWNER members the team has.
func (s *Store) CountOwners(ctx context.Context, teamID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = $1 AND role = 'OWNER'`, teamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting owners: %w", err)
	}
	return n, nil
}

const invitationColumns = `id, team_id, email, role, token, invited_by, expires_at, created_at`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	inv := &Invitation{}
	var role string
	if err := row.Scan(&inv.ID, &inv.TeamID, &inv.Email, &role, &inv.Token,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.Role = access.Role(role)
	return inv, nil
}

// CreateInvitation stores an invitation, replacing any pending one for the
// same email in the team.
func (s *Store) CreateInvitation(ctx context.Context, inv *Invitation) (*Invitation, error) {
	out, err := scanInvitation(s.pool.QueryRow(ctx,
		`INSERT INTO invitations (team_id, email, role, token, invited_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (team_id, email) DO UPDATE
		 SET role = EXCLUDED.role, token = EXCLUDED.token, invited_by = EXCLUDED.invited_by,
		     expires_at = EXCLUDED.expires_at, created_at = now()
		 RETURNING `+invitationColumns,
		inv.TeamID, inv.Email, string(inv.Role), inv.Token, inv.InvitedBy, inv.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("creating invitation: %w", err)
	}
	return out, nil
}

// ListInvitations returns the team's invitations, newest first.
func (s *Store) ListInvitations(ctx context.Context, teamID string) ([]*Invitation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE team_id = $1 ORDER BY created_at DESC`,
		teamID)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	defer rows.Close()

	invs := []*Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// GetInvitationByToken looks an invitation up by its token.
func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	inv, err := scanInvitation(s.pool.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token))
	if err != nil {
		return nil, fmt.Errorf("getting invitation: %w", err)
	}
	return inv, nil
}

// DeleteInvitation removes a team's invitation.
func (s *Store) DeleteInvitation(ctx context.Context, teamID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM invitations WHERE id = $1 AND team_id = $2`, id, teamID)
	if err != nil {
		return fmt.Errorf("deleting invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// AcceptInvitation adds the user to the invitation's team and consumes the
// invitation in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, inv *Invitation, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)`,
		inv.TeamID, userID, string(inv.Role)); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("adding member: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM invitations WHERE id = $1`, inv.ID); err != nil {
		return fmt.Errorf("consuming invitation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing invitation: %w", err)
	}
	return nil
}
