package team

import (
	"time"

	"github.com/keelhq/keel/internal/access"
)

// Team is a group of users inside a tenant.
type Team struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a user's membership as seen from the team.
type Member struct {
	TeamID    string      `json:"team_id"`
	UserID    string      `json:"user_id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      access.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

// Invitation offers a role in a team to an email address.
type Invitation struct {
	ID        string      `json:"id"`
	TeamID    string      `json:"team_id"`
	Email     string      `json:"email"`
	Role      access.Role `json:"role"`
	Token     string      `json:"token,omitempty"`
	InvitedBy string      `json:"invited_by"`
	ExpiresAt time.Time   `json:"expires_at"`
	CreatedAt time.Time   `json:"created_at"`
}

// CreateTeamInput holds the fields for a new team. An empty TenantID creates
// a new tenant.
type CreateTeamInput struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	TenantID string `json:"-"`
}
