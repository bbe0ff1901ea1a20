package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix starts every API key issued by keel.
const KeyPrefix = "keel_"

// KeyPrincipal is the caller identified by an API key.
type KeyPrincipal struct {
	KeyID  string
	Name   string
	UserID string
	TeamID string
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// KeyLookup retrieves the principal owning a hashed API key. Unknown or
// expired keys yield an error or a nil principal.
type KeyLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*KeyPrincipal, error)
}

// Service provides API key authentication backed by a key store.
type Service struct {
	store KeyLookup
}

// NewService creates a new authentication service.
func NewService(store KeyLookup) *Service {
	return &Service{store: store}
}

// Authenticate resolves a plaintext API key to its principal.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*KeyPrincipal, error) {
	p, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("unknown api key")
	}
	return p, nil
}

// GenerateAPIKey creates a new API key with the "keel_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
