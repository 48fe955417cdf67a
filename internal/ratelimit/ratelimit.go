// Package ratelimit provides Redis-backed fixed-window rate limiting for the
// authorization endpoints. When Redis is unavailable (nil store), all rate
// limits are disabled and requests pass. A Redis error fails open.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Store is the minimal interface required for rate limiting.
// In production this is implemented by go-redis; in tests by an in-memory map.
type Store interface {
	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time-to-live on a key. Returns 0 or negative if expired/missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Rule is a request budget per window.
type Rule struct {
	Name   string
	Rate   int
	Window time.Duration
}

// Default budgets for the per-user authorization endpoints.
var (
	AuthorizeRule = Rule{Name: "authorize", Rate: 30, Window: time.Minute}
	RedeemRule    = Rule{Name: "redeem", Rate: 120, Window: time.Minute}
)

// Limiter performs rate limit checks against a Store.
type Limiter struct {
	store Store
}

// New creates a Limiter backed by the given Store.
// If store is nil, the Limiter is a no-op that always allows requests.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Enabled reports whether a backing store is configured.
func (l *Limiter) Enabled() bool { return l != nil && l.store != nil }

// Check counts one request for key under rule.
// Returns (allowed, retryAfterSecs).
func (l *Limiter) Check(ctx context.Context, rule Rule, key string) (bool, int) {
	return l.check(ctx, fmt.Sprintf("rl:%s:%s", rule.Name, key), rule.Rate, int(rule.Window.Seconds()))
}

// check is the generic increment-and-check against a Redis key.
// Returns (allowed, retryAfterSecs). If store is nil, always returns (true, 0).
func (l *Limiter) check(ctx context.Context, key string, max int, ttlSecs int) (bool, int) {
	if !l.Enabled() {
		return true, 0
	}

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// Redis error: fail open.
		return true, 0
	}

	if count == 1 {
		_ = l.store.Expire(ctx, key, time.Duration(ttlSecs)*time.Second)
	}

	if count > int64(max) {
		ttl, _ := l.store.TTL(ctx, key)
		retry := int(ttl.Seconds())
		if retry < 1 {
			retry = ttlSecs
		}
		return false, retry
	}

	return true, 0
}

// PerUser returns middleware limiting each authenticated user under rule.
// userOf extracts the caller; requests without one are passed through.
// Over-budget requests get 429 with a Retry-After header.
func (l *Limiter) PerUser(rule Rule, userOf func(*http.Request) uuid.UUID, reject func(w http.ResponseWriter, retryAfter int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := userOf(r)
			if id == uuid.Nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, retry := l.Check(r.Context(), rule, id.String())
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				reject(w, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
