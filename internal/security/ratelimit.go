// Package security implements connection and message rate limiting shared
// by the SOCKS5 accept loop, the WebSocket auth handshake, and per-token
// frame throughput (see SPEC_FULL.md's "per-IP / per-token" rate limiting
// line in the domain stack).
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements token bucket rate limiting keyed by an arbitrary
// string, with automatic cleanup of stale entries to prevent memory leaks.
// wssocksd keys one instance by source IP (new WebSocket connections, see
// internal/frontend) and another by auth token (inbound data frames per
// token, see internal/wsession) — the same mechanism serves both of
// SPEC_FULL.md's "per-IP / per-token" rate limiting cases.
type RateLimiter struct {
	limiters   map[string]*keyLimiter
	mu         sync.Mutex
	r          rate.Limit
	burst      int
	ttl        time.Duration // evict entries not seen within this window
	maxEntries int           // cap on number of tracked keys
	cancel     context.CancelFunc
}

// NewRateLimiter creates a new per-key rate limiter.
// r is the rate (events per second), burst is the maximum burst size.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		limiters:   make(map[string]*keyLimiter),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxEntries: 10000,
		cancel:     cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow checks whether the given key (a source IP or an auth token,
// depending on caller) is allowed to proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		if len(rl.limiters) >= rl.maxEntries {
			rl.mu.Unlock()
			return false
		}
		entry = &keyLimiter{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Remove drops key's tracked limiter immediately, rather than waiting for
// the TTL sweep. Callers use this when a key's lifetime is explicitly known
// to have ended — e.g. internal/coordinator calls it with a token when that
// token is removed via the admin API, so a reused token name doesn't
// inherit a stale, possibly-exhausted bucket.
func (rl *RateLimiter) Remove(key string) {
	rl.mu.Lock()
	delete(rl.limiters, key)
	rl.mu.Unlock()
}

// Stop shuts down the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// UpdateRate changes the rate limit parameters. Existing per-key limiters
// are cleared so they pick up the new rate on next access.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.limiters = make(map[string]*keyLimiter)
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, entry := range rl.limiters {
				if time.Since(entry.lastSeen) > rl.ttl {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
