package apikey

import "time"

// APIKey is an issued key. Only the hash and a display prefix are kept in
// the clear; EncryptedKey holds the sealed plaintext when recovery is enabled.
type APIKey struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	TeamID       string     `json:"team_id"`
	UserID       string     `json:"user_id"`
	KeyHash      string     `json:"-"`
	KeyPrefix    string     `json:"key_prefix"`
	EncryptedKey *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CreateKeyInput holds the fields required to store a new key.
type CreateKeyInput struct {
	Name         string
	TeamID       string
	UserID       string
	KeyHash      string
	KeyPrefix    string
	EncryptedKey *string
	ExpiresAt    *time.Time
}

// ListParams controls cursor-based pagination for listing keys.
type ListParams struct {
	TeamID string
	Cursor string
	Limit  int
}
