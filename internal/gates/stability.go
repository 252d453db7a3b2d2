// Package gates holds the pre-submission risk gates: price stability,
// opposing liquidity, and the dual-limit retry backoff. Each gate logs state
// transitions rather than every evaluation, since the scan loop calls them
// at tick cadence.
package gates

import (
	"log/slog"
	"sync"
	"time"

	"perp-arb/pkg/types"
)

// Action distinguishes opening from closing a pair position. Gates and
// quarantine track the two independently.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

type stabilityKey struct {
	symbol types.Symbol
	action Action
}

type sample struct {
	t    time.Time
	buy  float64
	sell float64
}

type stabilityState int

const (
	stateCollecting stabilityState = iota
	stateVolatile
	stateOK
)

// ThresholdFunc resolves the volatility threshold for a symbol, allowing
// per-symbol overrides.
type ThresholdFunc func(symbol string) float64

// Stability requires both legs' prices to have stayed within a volatility
// band for a full observation window before an action is allowed. Any breach
// restarts the window from the breaching sample.
type Stability struct {
	window    time.Duration
	threshold ThresholdFunc
	logger    *slog.Logger

	mu    sync.Mutex
	logs  map[stabilityKey][]sample
	state map[stabilityKey]stabilityState

	now func() time.Time
}

// NewStability builds the gate. threshold is consulted on every evaluation
// so config reloads take effect immediately.
func NewStability(window time.Duration, threshold ThresholdFunc, logger *slog.Logger) *Stability {
	return &Stability{
		window:    window,
		threshold: threshold,
		logger:    logger.With("gate", "stability"),
		logs:      make(map[stabilityKey][]sample),
		state:     make(map[stabilityKey]stabilityState),
		now:       time.Now,
	}
}

// Check records the current (buy, sell) prices and reports whether the
// window is both covered and calm. Coverage of exactly the window length
// passes. A volatility breach on either side resets the log to the current
// sample.
func (s *Stability) Check(symbol types.Symbol, action Action, buy, sell float64) bool {
	if buy <= 0 || sell <= 0 {
		return false
	}
	now := s.now()
	key := stabilityKey{symbol: symbol, action: action}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.logs[key], sample{t: now, buy: buy, sell: sell})
	cutoff := now.Add(-s.window)
	for len(log) > 0 && log[0].t.Before(cutoff) {
		log = log[1:]
	}
	s.logs[key] = log

	theta := s.threshold(string(symbol))
	if vol(log, func(smp sample) float64 { return smp.buy }) > theta ||
		vol(log, func(smp sample) float64 { return smp.sell }) > theta {
		s.logs[key] = []sample{{t: now, buy: buy, sell: sell}}
		s.transition(key, stateVolatile, symbol, action)
		return false
	}
	// Covered iff the oldest retained sample sits at or before now-window.
	if log[0].t.After(cutoff) {
		s.transition(key, stateCollecting, symbol, action)
		return false
	}
	s.transition(key, stateOK, symbol, action)
	return true
}

// Reset drops the history for a symbol, both actions.
func (s *Stability) Reset(symbol types.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, action := range []Action{ActionOpen, ActionClose} {
		key := stabilityKey{symbol: symbol, action: action}
		delete(s.logs, key)
		delete(s.state, key)
	}
}

func (s *Stability) transition(key stabilityKey, to stabilityState, symbol types.Symbol, action Action) {
	if s.state[key] == to {
		return
	}
	s.state[key] = to
	switch to {
	case stateCollecting:
		s.logger.Debug("collecting price history", "symbol", symbol, "action", action, "window", s.window)
	case stateVolatile:
		s.logger.Info("price volatility breach, window restarted", "symbol", symbol, "action", action)
	case stateOK:
		s.logger.Info("price stability satisfied", "symbol", symbol, "action", action)
	}
}

// vol computes (max-min)/min*100 over one side of the log.
func vol(log []sample, pick func(sample) float64) float64 {
	if len(log) == 0 {
		return 0
	}
	min, max := pick(log[0]), pick(log[0])
	for _, smp := range log[1:] {
		v := pick(smp)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min <= 0 {
		return 0
	}
	return (max - min) / min * 100
}
