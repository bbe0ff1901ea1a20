// Package session resolves request credentials to sessions through a
// bounded, TTL-evicted cache.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/keelhq/keel/internal/access"
)

// Cache stores resolved sessions by credential key. Get returns nil, nil on
// a miss or an expired entry.
type Cache interface {
	Get(ctx context.Context, key string) (*access.Session, error)
	Set(ctx context.Context, key string, s *access.Session) error
	Delete(ctx context.Context, key string) error
}

// Credential returns the session token carried by r: the bearer token of
// the Authorization header, else the value of the named cookie.
func Credential(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return strings.TrimSpace(h)
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// cacheKey hashes the credential so raw tokens never sit in the cache.
func cacheKey(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(h[:])
}
