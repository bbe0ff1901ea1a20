// Package ratelimit throttles requests per API key with token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	perWin   int
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Each bucket holds up to the
// configured number of requests and refills evenly over the window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*entry
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*entry),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// get returns the bucket for key, creating or resizing it. Must be called
// with l.mu held.
func (l *Limiter) get(key string, perWindow int, now time.Time) *entry {
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.every(perWindow), perWindow), perWin: perWindow}
		l.buckets[key] = e
	} else if e.perWin != perWindow {
		e.limiter.SetLimitAt(now, l.every(perWindow))
		e.limiter.SetBurstAt(now, perWindow)
		e.perWin = perWindow
	}
	e.lastSeen = now
	return e
}

func (l *Limiter) every(perWindow int) rate.Limit {
	return rate.Every(l.window / time.Duration(perWindow))
}

// Allow reports whether a request for key may proceed, consuming one token
// when it may. A positive customRate overrides the default for this key.
func (l *Limiter) Allow(key string, customRate int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return l.get(key, l.effectiveRate(customRate), now).limiter.AllowN(now, 1)
}

// Status returns the bucket size, whole tokens left and the time at which the
// bucket is full again.
func (l *Limiter) Status(key string, customRate int) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit = l.effectiveRate(customRate)
	e := l.get(key, limit, now)

	tokens := e.limiter.TokensAt(now)
	remaining = int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	deficit := float64(limit) - tokens
	if deficit <= 0 {
		return limit, remaining, now
	}
	perToken := l.window / time.Duration(limit)
	return limit, remaining, now.Add(time.Duration(deficit * float64(perToken)))
}

// Prune drops buckets idle for longer than idle and returns how many were
// removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
