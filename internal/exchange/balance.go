// balance.go provides the TTL balance cache shared by all venue adapters.
package exchange

import (
	"context"
	"sync"
	"time"

	"perp-arb/pkg/types"
)

// BalanceFetcher loads fresh balances from the venue.
type BalanceFetcher func(ctx context.Context) ([]types.Balance, error)

// BalanceCache caches a venue's balance list for a TTL. WebSocket balance
// events invalidate it; a failed refresh falls back to the previous value if
// one exists (stale-on-error), because a missing balance mid-trade is worse
// than a slightly old one.
type BalanceCache struct {
	mu      sync.Mutex
	fetch   BalanceFetcher
	ttl     time.Duration
	cached  []types.Balance
	loaded  time.Time
	haveAny bool
}

// NewBalanceCache wraps fetch with a TTL cache. A non-positive ttl defaults
// to 30 seconds.
func NewBalanceCache(fetch BalanceFetcher, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{fetch: fetch, ttl: ttl}
}

// Get returns cached balances when fresh, otherwise refreshes. forceRefresh
// bypasses the TTL. Within the TTL the same slice is returned, so callers
// must not mutate it.
func (c *BalanceCache) Get(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.haveAny && time.Since(c.loaded) <= c.ttl {
		return c.cached, nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		if c.haveAny {
			return c.cached, nil // stale-on-error
		}
		return nil, err
	}

	c.cached = fresh
	c.loaded = time.Now()
	c.haveAny = true
	return c.cached, nil
}

// Invalidate drops the cache so the next Get refreshes. Called from the
// venue's balance push stream.
func (c *BalanceCache) Invalidate() {
	c.mu.Lock()
	c.haveAny = false
	c.cached = nil
	c.mu.Unlock()
}
