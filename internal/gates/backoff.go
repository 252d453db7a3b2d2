package gates

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"perp-arb/pkg/types"
)

// DualLimitBackoff throttles re-entry after both limit legs of a dual-limit
// submission expire unfilled. Delays double per consecutive failure from the
// initial to the max; a success clears the symbol entirely.
type DualLimitBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64

	mu    sync.Mutex
	per   map[types.Symbol]*backoff.Backoff
	until map[types.Symbol]time.Time

	now func() time.Time
}

// NewDualLimitBackoff builds the per-symbol backoff policy.
func NewDualLimitBackoff(initial, max time.Duration, factor float64) *DualLimitBackoff {
	return &DualLimitBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		per:     make(map[types.Symbol]*backoff.Backoff),
		until:   make(map[types.Symbol]time.Time),
		now:     time.Now,
	}
}

// Failure records a dual-limit expiry and returns how long the symbol is
// blocked from retrying.
func (d *DualLimitBackoff) Failure(symbol types.Symbol) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.per[symbol]
	if !ok {
		b = &backoff.Backoff{Min: d.initial, Max: d.max, Factor: d.factor}
		d.per[symbol] = b
	}
	delay := b.Duration()
	d.until[symbol] = d.now().Add(delay)
	return delay
}

// Success clears the symbol's backoff state.
func (d *DualLimitBackoff) Success(symbol types.Symbol) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.per, symbol)
	delete(d.until, symbol)
}

// Blocked reports whether the symbol is still inside its backoff window.
func (d *DualLimitBackoff) Blocked(symbol types.Symbol) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.until[symbol]
	return ok && d.now().Before(until)
}
