// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Venues publish per-category limits over short windows; a smooth bucket that
// refills continuously (rather than in window-sized bursts) keeps us under
// the hard limit even when calls cluster. Three categories are maintained
// per venue: order placement, cancellation, and market/account queries.
package exchange

import (
	"context"
	"sync"
	"time"

	"perp-arb/pkg/types"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by REST endpoint category. Each call site
// must Wait() on the matching bucket before issuing the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // single and bulk cancels
	Query  *TokenBucket // market data, balances, positions, order lookups
}

// NewRateLimiter creates buckets tuned to the venue's published limits.
// Capacities are the short-window burst allowance, rates the smooth refill.
func NewRateLimiter(venue types.Venue) *RateLimiter {
	switch venue {
	case types.VenueBackpack:
		return &RateLimiter{
			Order:  NewTokenBucket(100, 10),
			Cancel: NewTokenBucket(100, 10),
			Query:  NewTokenBucket(200, 20),
		}
	case types.VenueGRVT:
		return &RateLimiter{
			Order:  NewTokenBucket(60, 6),
			Cancel: NewTokenBucket(60, 6),
			Query:  NewTokenBucket(300, 30),
		}
	case types.VenueLighter:
		return &RateLimiter{
			Order:  NewTokenBucket(120, 12),
			Cancel: NewTokenBucket(120, 12),
			Query:  NewTokenBucket(240, 24),
		}
	default:
		return &RateLimiter{
			Order:  NewTokenBucket(50, 5),
			Cancel: NewTokenBucket(50, 5),
			Query:  NewTokenBucket(100, 10),
		}
	}
}
