package gates

import (
	"log/slog"
	"sync"

	"perp-arb/pkg/types"
)

// Leg is one side of a prospective trade as seen by the liquidity gate. Book
// is nil when the aggregator has no fresh sample for the venue.
type Leg struct {
	Venue types.Venue
	Side  types.Side
	Book  *types.BookTop
}

// Liquidity requires the opposing top of book on every leg to carry at least
// max(quantity, minRequired) size. Venues that do not report top sizes skip
// the check; a missing or stale book fails it.
type Liquidity struct {
	minRequired float64
	logger      *slog.Logger

	mu   sync.Mutex
	last map[stabilityKey]bool
}

// NewLiquidity builds the gate with the configured size floor.
func NewLiquidity(minRequired float64, logger *slog.Logger) *Liquidity {
	return &Liquidity{
		minRequired: minRequired,
		logger:      logger.With("gate", "liquidity"),
		last:        make(map[stabilityKey]bool),
	}
}

// Check evaluates all legs for one (symbol, action) pair.
func (l *Liquidity) Check(symbol types.Symbol, action Action, quantity float64, legs []Leg) bool {
	pass := true
	for _, leg := range legs {
		if !l.checkLeg(symbol, leg, quantity) {
			pass = false
		}
	}

	key := stabilityKey{symbol: symbol, action: action}
	l.mu.Lock()
	prev, seen := l.last[key]
	l.last[key] = pass
	l.mu.Unlock()
	if !seen || prev != pass {
		if pass {
			l.logger.Info("opposing liquidity satisfied", "symbol", symbol, "action", action)
		} else {
			l.logger.Info("opposing liquidity insufficient", "symbol", symbol, "action", action, "quantity", quantity)
		}
	}
	return pass
}

func (l *Liquidity) checkLeg(symbol types.Symbol, leg Leg, quantity float64) bool {
	if leg.Book == nil {
		l.logger.Debug("no fresh book for leg", "symbol", symbol, "venue", leg.Venue)
		return false
	}
	var opposing types.BookLevel
	if leg.Side == types.BUY {
		opposing = leg.Book.Ask
	} else {
		opposing = leg.Book.Bid
	}
	if opposing.Size == 0 {
		return true // venue does not report sizes
	}
	required := quantity
	if l.minRequired > required {
		required = l.minRequired
	}
	return opposing.Size >= required
}
