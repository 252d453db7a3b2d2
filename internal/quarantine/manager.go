// Package quarantine tracks symbols pulled out of scanning after execution
// trouble, and the hourly reduce-only probes that let them back in. All
// state is in-memory and resets on restart.
package quarantine

import (
	"log/slog"
	"sync"
	"time"

	"perp-arb/internal/metrics"
	"perp-arb/pkg/types"
)

// Status of one symbol in the manager.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusWaiting Status = "WAITING"
)

// ManualTimeout is how long a manual-intervention symbol stays blocked
// before auto-resuming without a grid change.
const ManualTimeout = 1800 * time.Second

// Defer reasons written by the executor. Only manual intervention unblocks
// by timeout; probe-pending symbols leave WAITING through a grid change or
// a probe success.
const (
	ReasonManualIntervention   = "manual intervention required"
	ReasonConsecutiveSingleLeg = "3 consecutive single-leg fills"
	ReasonReduceOnly           = "reduce-only mode detected"
)

// ProbeLeg identifies one venue-side pair awaiting a reduce-only probe.
type ProbeLeg struct {
	Venue  types.Venue
	Symbol types.Symbol
	Side   types.Side
}

// ProbeRecord is one probe attempt outcome, kept for the status API.
type ProbeRecord struct {
	Time    time.Time
	Venue   types.Venue
	OK      bool
	Message string
}

// State is the quarantine record for one symbol.
type State struct {
	Symbol       types.Symbol
	Status       Status
	Reason       string
	GridLevel    string
	BuyVenue     types.Venue
	SellVenue    types.Venue
	UpdatedAt    time.Time
	ProbePending []ProbeLeg
	ProbeHistory []ProbeRecord
}

// Manager guards all quarantine state under a single mutex. Any component
// may Defer; Resume comes from probes, grid changes, or the manual timeout.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	states map[types.Symbol]*State

	now func() time.Time
}

// NewManager builds an empty manager; every symbol starts RUNNING.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("component", "quarantine"),
		states: make(map[types.Symbol]*State),
		now:    time.Now,
	}
}

// Defer moves a symbol to WAITING with the given reason and grid level.
func (m *Manager) Defer(symbol types.Symbol, reason, gridLevel string, buy, sell types.Venue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(symbol)
	st.Status = StatusWaiting
	st.Reason = reason
	st.GridLevel = gridLevel
	st.BuyVenue = buy
	st.SellVenue = sell
	st.UpdatedAt = m.now()
	metrics.Quarantined.WithLabelValues(string(symbol)).Set(1)
	m.logger.Warn("symbol quarantined", "symbol", symbol, "reason", reason, "grid", gridLevel)
}

// Resume moves a symbol back to RUNNING and clears pending probes.
func (m *Manager) Resume(symbol types.Symbol, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeLocked(symbol, cause)
}

func (m *Manager) resumeLocked(symbol types.Symbol, cause string) {
	st := m.stateLocked(symbol)
	if st.Status == StatusRunning {
		return
	}
	st.Status = StatusRunning
	st.Reason = ""
	st.GridLevel = ""
	st.ProbePending = nil
	st.UpdatedAt = m.now()
	metrics.Quarantined.WithLabelValues(string(symbol)).Set(0)
	m.logger.Info("symbol resumed", "symbol", symbol, "cause", cause)
}

// ShouldBlock reports whether scanning should skip this symbol. A WAITING
// symbol unblocks, resuming as a side effect, when the observed grid level
// moved away from the one recorded at deferral, or, for manual-intervention
// deferrals only, when the manual timeout has elapsed. Probe-pending symbols
// never time out; their probes must succeed.
func (m *Manager) ShouldBlock(symbol types.Symbol, currentGrid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok || st.Status == StatusRunning {
		return false
	}
	if st.GridLevel != "" && currentGrid != "" && currentGrid != st.GridLevel {
		m.resumeLocked(symbol, "grid level changed")
		return false
	}
	if st.Reason == ReasonManualIntervention && m.now().Sub(st.UpdatedAt) >= ManualTimeout {
		m.resumeLocked(symbol, "manual timeout elapsed")
		return false
	}
	return true
}

// RegisterReduceOnly quarantines the symbol pending probes on the given legs.
// The prober retries hourly until a probe order is accepted.
func (m *Manager) RegisterReduceOnly(symbol types.Symbol, gridLevel string, legs ...ProbeLeg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(symbol)
	st.Status = StatusWaiting
	st.Reason = ReasonReduceOnly
	st.GridLevel = gridLevel
	st.UpdatedAt = m.now()
	for _, leg := range legs {
		if !m.hasPendingLocked(st, leg) {
			st.ProbePending = append(st.ProbePending, leg)
		}
	}
	metrics.Quarantined.WithLabelValues(string(symbol)).Set(1)
	m.logger.Warn("symbol quarantined pending probes", "symbol", symbol, "legs", len(st.ProbePending))
}

func (m *Manager) hasPendingLocked(st *State, leg ProbeLeg) bool {
	for _, p := range st.ProbePending {
		if p == leg {
			return true
		}
	}
	return false
}

// PendingProbes returns every leg awaiting a probe across all symbols.
func (m *Manager) PendingProbes() []ProbeLeg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProbeLeg
	for _, st := range m.states {
		if st.Status == StatusWaiting {
			out = append(out, st.ProbePending...)
		}
	}
	return out
}

// RecordProbe stores a probe outcome. A successful probe resumes the symbol.
func (m *Manager) RecordProbe(leg ProbeLeg, ok bool, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(leg.Symbol)
	st.ProbeHistory = append(st.ProbeHistory, ProbeRecord{
		Time: m.now(), Venue: leg.Venue, OK: ok, Message: message,
	})
	if !ok {
		return
	}
	remaining := st.ProbePending[:0]
	for _, p := range st.ProbePending {
		if p != leg {
			remaining = append(remaining, p)
		}
	}
	st.ProbePending = remaining
	if len(st.ProbePending) == 0 {
		m.resumeLocked(leg.Symbol, "probe accepted")
	}
}

// Snapshot returns a copy of all states for the status API.
func (m *Manager) Snapshot() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		cp := *st
		cp.ProbePending = append([]ProbeLeg(nil), st.ProbePending...)
		cp.ProbeHistory = append([]ProbeRecord(nil), st.ProbeHistory...)
		out = append(out, cp)
	}
	return out
}

func (m *Manager) stateLocked(symbol types.Symbol) *State {
	st, ok := m.states[symbol]
	if !ok {
		st = &State{Symbol: symbol, Status: StatusRunning, UpdatedAt: m.now()}
		m.states[symbol] = st
	}
	return st
}
