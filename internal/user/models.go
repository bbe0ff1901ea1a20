package user

import (
	"time"

	"github.com/keelhq/keel/internal/access"
)

// User represents a registered user account.
type User struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Name         string      `json:"name"`
	SystemRole   access.Role `json:"system_role,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Membership is a user's role in one team, with the team's tenant.
type Membership struct {
	TeamID    string      `json:"team_id"`
	TeamName  string      `json:"team_name"`
	TenantID  string      `json:"tenant_id"`
	Role      access.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	Email      string      `json:"email"`
	Password   string      `json:"password"`
	Name       string      `json:"name"`
	SystemRole access.Role `json:"system_role,omitempty"`
}

// UpdateUserInput holds optional fields for a partial user update.
type UpdateUserInput struct {
	Email      *string      `json:"email,omitempty"`
	Password   *string      `json:"password,omitempty"`
	Name       *string      `json:"name,omitempty"`
	SystemRole *access.Role `json:"system_role,omitempty"`
}

// Session represents an active login session.
type Session struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
