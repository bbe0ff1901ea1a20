package apikey

import (
	"context"

	"github.com/keelhq/keel/internal/auth"
)

// AuthAdapter wraps a key Store to satisfy auth.KeyLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges Store to auth.KeyLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a live key by hash and converts it to a principal.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.KeyPrincipal, error) {
	k, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.KeyPrincipal{
		KeyID:  k.ID,
		Name:   k.Name,
		UserID: k.UserID,
		TeamID: k.TeamID,
	}, nil
}
