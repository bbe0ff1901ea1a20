package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/crypto"
)

var (
	ErrNameRequired   = errors.New("name is required")
	ErrExpiryInPast   = errors.New("expires_at must be in the future")
	ErrNotRecoverable = errors.New("api key cannot be recovered")
	ErrNotKeyOwner    = errors.New("only the key's owner can reveal it")
	ErrInvalidCursor  = errors.New("invalid cursor")
)

type keyStore interface {
	Create(ctx context.Context, in CreateKeyInput) (*APIKey, error)
	Get(ctx context.Context, teamID, id string) (*APIKey, error)
	ListByTeam(ctx context.Context, params ListParams) ([]*APIKey, string, error)
	Delete(ctx context.Context, teamID, id string) error
}

// Service issues and recovers API keys.
type Service struct {
	store  keyStore
	cipher *crypto.Cipher
	now    func() time.Time
}

// NewService creates a key service. A nil cipher disables recovery.
func NewService(store keyStore, cipher *crypto.Cipher) *Service {
	return &Service{store: store, cipher: cipher, now: time.Now}
}

// Create issues a key for the user in the team and returns the stored record
// with the plaintext, which is shown only once.
func (s *Service) Create(ctx context.Context, teamID, userID, name string, expiresAt *time.Time) (*APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", ErrNameRequired
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, "", ErrExpiryInPast
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	var sealed *string
	if s.cipher.Enabled() {
		enc, err := s.cipher.Seal(plaintext, teamID)
		if err != nil {
			return nil, "", fmt.Errorf("sealing api key: %w", err)
		}
		sealed = &enc
	}

	k, err := s.store.Create(ctx, CreateKeyInput{
		Name:         name,
		TeamID:       teamID,
		UserID:       userID,
		KeyHash:      key.Hash,
		KeyPrefix:    key.Prefix,
		EncryptedKey: sealed,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return nil, "", err
	}
	return k, plaintext, nil
}

// List returns a page of the team's keys.
func (s *Service) List(ctx context.Context, params ListParams) ([]*APIKey, string, error) {
	return s.store.ListByTeam(ctx, params)
}

// Delete revokes a team's key.
func (s *Service) Delete(ctx context.Context, teamID, id string) error {
	return s.store.Delete(ctx, teamID, id)
}

// Reveal returns the plaintext of a team's key to the user who created it.
func (s *Service) Reveal(ctx context.Context, teamID, id, userID string) (string, error) {
	k, err := s.store.Get(ctx, teamID, id)
	if err != nil {
		return "", err
	}
	if k.UserID != userID {
		return "", ErrNotKeyOwner
	}
	if k.EncryptedKey == nil || !s.cipher.Enabled() {
		return "", ErrNotRecoverable
	}
	plaintext, err := s.cipher.Open(*k.EncryptedKey, k.TeamID)
	if err != nil {
		return "", fmt.Errorf("opening api key: %w", err)
	}
	return plaintext, nil
}
