package user

import (
	"context"
	"time"

	"github.com/keelhq/keel/internal/access"
)

type sessionSource interface {
	GetSessionUser(ctx context.Context, token string) (*User, time.Time, error)
	Memberships(ctx context.Context, userID string) ([]Membership, error)
}

// SessionResolver turns session tokens into access sessions.
type SessionResolver struct {
	store sessionSource
}

// NewSessionResolver creates a resolver backed by the given store.
func NewSessionResolver(store sessionSource) *SessionResolver {
	return &SessionResolver{store: store}
}

// ResolveSession returns the session for token, or nil when the token is
// empty, unknown or expired.
func (r *SessionResolver) ResolveSession(ctx context.Context, token string) (*access.Session, error) {
	if token == "" {
		return nil, nil
	}
	u, expires, err := r.store.GetSessionUser(ctx, token)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	memberships, err := r.store.Memberships(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return ToSession(u, memberships, expires), nil
}

// ToSession builds an access session from a user and its memberships.
func ToSession(u *User, memberships []Membership, expires time.Time) *access.Session {
	roles := make([]access.TeamRole, len(memberships))
	for i, m := range memberships {
		roles[i] = access.TeamRole{TeamID: m.TeamID, Role: m.Role}
	}
	return &access.Session{
		User: &access.User{
			ID:         u.ID,
			Email:      u.Email,
			Name:       u.Name,
			SystemRole: u.SystemRole,
			Roles:      roles,
		},
		Expires: expires,
	}
}
