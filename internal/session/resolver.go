package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/keelhq/keel/internal/access"
)

// Resolver looks a session token up in the session store. It returns nil,
// nil for unknown tokens.
type Resolver interface {
	ResolveSession(ctx context.Context, token string) (*access.Session, error)
}

// MetricsRecorder counts cache lookups.
type MetricsRecorder interface {
	RecordSessionCache(hit bool)
}

// CachedResolver fronts a Resolver with a Cache.
type CachedResolver struct {
	resolver Resolver
	cache    Cache
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewCachedResolver creates a CachedResolver.
func NewCachedResolver(resolver Resolver, cache Cache) *CachedResolver {
	return &CachedResolver{resolver: resolver, cache: cache, now: time.Now}
}

// SetMetrics attaches an optional metrics recorder.
func (c *CachedResolver) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Resolve returns the session for credential. Without a credential the
// resolver is always consulted and nothing is cached. Nil sessions are
// never cached. Cache failures are logged and treated as misses, as are
// cached sessions that have expired since they were stored.
func (c *CachedResolver) Resolve(ctx context.Context, credential string) (*access.Session, error) {
	if credential == "" {
		return c.resolver.ResolveSession(ctx, credential)
	}

	key := cacheKey(credential)
	cached, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("session cache read failed", "error", err)
	}
	if cached != nil && !cached.Expires.IsZero() && !c.now().Before(cached.Expires) {
		if err := c.cache.Delete(ctx, key); err != nil {
			slog.Warn("session cache evict failed", "error", err)
		}
		cached = nil
	}
	if cached != nil {
		c.record(true)
		return cached, nil
	}
	c.record(false)

	s, err := c.resolver.ResolveSession(ctx, credential)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if err := c.cache.Set(ctx, key, s); err != nil {
		slog.Warn("session cache write failed", "error", err)
	}
	return s, nil
}

// Forget drops the cached session for credential, so a logged-out token
// stops resolving before its cache entry would expire.
func (c *CachedResolver) Forget(ctx context.Context, credential string) {
	if credential == "" {
		return
	}
	if err := c.cache.Delete(ctx, cacheKey(credential)); err != nil {
		slog.Warn("session cache evict failed", "error", err)
	}
}

func (c *CachedResolver) record(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordSessionCache(hit)
	}
}
