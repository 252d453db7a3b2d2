// Package health watches market-data freshness per venue and drives bounded
// reconnects when a majority of a venue's symbols go stale. A separate
// unbounded policy serves callers that must never give up.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/metrics"
	"perp-arb/pkg/types"
)

const maxReconnectWait = 30 * time.Second

// ArrivalFunc reports when data for (venue, symbol) last arrived; the zero
// time means never.
type ArrivalFunc func(types.Venue, types.Symbol) time.Time

// ResubscribeFunc re-applies the venue's full subscription set after a
// reconnect.
type ResubscribeFunc func(context.Context, types.Venue) error

// Report is one venue's health snapshot for the status API.
type Report struct {
	Venue        types.Venue
	Healthy      int
	Total        int
	MinStaleness time.Duration
	MaxStaleness time.Duration
	Reconnects   int
	Degraded     bool
}

// Monitor checks every venue at a fixed cadence after a startup grace
// period and reconnects venues whose stale ratio crosses the threshold.
type Monitor struct {
	cfg         config.HealthConfig
	adapters    map[types.Venue]exchange.Adapter
	symbols     []types.Symbol
	lastArrival ArrivalFunc
	resubscribe ResubscribeFunc
	logger      *slog.Logger

	mu           sync.Mutex
	attempts     map[types.Venue]int
	reconnects   map[types.Venue]int
	degraded     map[types.Venue]bool
	reconnecting map[types.Venue]bool
	started      time.Time

	policy *Policy

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewMonitor builds the monitor. resubscribe may be nil when adapters
// restore their own subscriptions on Connect. With UnboundedReconnect set
// the bounded attempt ladder is replaced by the forever-retrying policy.
func NewMonitor(cfg config.HealthConfig, adapters map[types.Venue]exchange.Adapter, symbols []types.Symbol, lastArrival ArrivalFunc, resubscribe ResubscribeFunc, logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		adapters:     adapters,
		symbols:      symbols,
		lastArrival:  lastArrival,
		resubscribe:  resubscribe,
		logger:       logger.With("component", "health"),
		attempts:     make(map[types.Venue]int),
		reconnects:   make(map[types.Venue]int),
		degraded:     make(map[types.Venue]bool),
		reconnecting: make(map[types.Venue]bool),
		now:          time.Now,
		sleep:        sleepCtx,
	}
	if cfg.UnboundedReconnect {
		m.policy = NewUnboundedPolicy(logger)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run blocks until ctx is done, checking at CheckInterval and reporting at
// ReportInterval.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.started = m.now()
	m.mu.Unlock()

	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()
	report := time.NewTicker(m.cfg.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-check.C:
			m.CheckAll(ctx)
		case <-report.C:
			m.logReport()
		}
	}
}

// CheckAll evaluates every venue once. Exported for the engine's tests.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started.IsZero() && m.now().Sub(started) < m.cfg.StartupGrace {
		return
	}
	for venue := range m.adapters {
		m.checkVenue(ctx, venue)
	}
}

func (m *Monitor) checkVenue(ctx context.Context, venue types.Venue) {
	stale := m.staleCount(venue)
	total := len(m.symbols)
	if total == 0 {
		return
	}
	ratio := float64(stale) / float64(total)

	if ratio <= m.cfg.StaleRatioThreshold {
		m.mu.Lock()
		m.attempts[venue] = 0
		m.degraded[venue] = false
		m.mu.Unlock()
		return
	}

	if m.policy != nil {
		m.reconnectUnbounded(ctx, venue, stale, total)
		return
	}

	m.mu.Lock()
	if m.degraded[venue] {
		m.mu.Unlock()
		return
	}
	m.attempts[venue]++
	attempt := m.attempts[venue]
	if attempt > m.cfg.MaxReconnectAttempts {
		m.degraded[venue] = true
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted, venue degraded", "venue", venue)
		return
	}
	m.mu.Unlock()

	m.logger.Warn("stale ratio above threshold, reconnecting",
		"venue", venue, "stale", stale, "total", total, "attempt", attempt)
	m.reconnect(ctx, venue, attempt)
}

// staleCount counts symbols with no sample or one older than DataTimeout,
// and refreshes the staleness gauges.
func (m *Monitor) staleCount(venue types.Venue) int {
	now := m.now()
	stale := 0
	for _, sym := range m.symbols {
		arrival := m.lastArrival(venue, sym)
		var age time.Duration
		if arrival.IsZero() {
			stale++
			age = m.cfg.DataTimeout + time.Second
		} else {
			age = now.Sub(arrival)
			if age > m.cfg.DataTimeout {
				stale++
			}
		}
		metrics.Staleness.WithLabelValues(string(venue), string(sym)).Set(age.Seconds())
	}
	return stale
}

// reconnectUnbounded spawns one forever-retrying reconnect task per venue.
// The policy keeps cycling the connection until it comes back or the
// monitor stops; the venue is never marked degraded.
func (m *Monitor) reconnectUnbounded(ctx context.Context, venue types.Venue, stale, total int) {
	m.mu.Lock()
	if m.reconnecting[venue] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[venue] = true
	m.mu.Unlock()

	m.logger.Warn("stale ratio above threshold, reconnecting until restored",
		"venue", venue, "stale", stale, "total", total)

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, venue)
			m.mu.Unlock()
		}()
		if err := m.policy.Run(ctx, "reconnect "+string(venue), func(ctx context.Context) error {
			return m.cycle(ctx, venue)
		}); err != nil {
			return // ctx cancelled
		}
		m.mu.Lock()
		m.reconnects[venue]++
		m.mu.Unlock()
		metrics.Reconnects.WithLabelValues(string(venue)).Inc()
		m.logger.Info("venue reconnected", "venue", venue)
	}()
}

// cycle performs one disconnect/connect/resubscribe pass.
func (m *Monitor) cycle(ctx context.Context, venue types.Venue) error {
	adapter := m.adapters[venue]
	if err := adapter.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed", "venue", venue, "error", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	if m.resubscribe != nil {
		return m.resubscribe(ctx, venue)
	}
	return nil
}

// reconnect cycles the venue connection: disconnect, a wait that grows with
// the attempt number capped at 30s, reconnect, resubscribe.
func (m *Monitor) reconnect(ctx context.Context, venue types.Venue, attempt int) {
	adapter := m.adapters[venue]
	if err := adapter.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed", "venue", venue, "error", err)
	}

	wait := time.Duration(attempt) * 5 * time.Second
	if wait > maxReconnectWait {
		wait = maxReconnectWait
	}
	m.sleep(ctx, wait)
	if ctx.Err() != nil {
		return
	}

	if err := adapter.Connect(ctx); err != nil {
		m.logger.Error("reconnect failed", "venue", venue, "error", err)
		return
	}
	if m.resubscribe != nil {
		if err := m.resubscribe(ctx, venue); err != nil {
			m.logger.Error("resubscribe failed", "venue", venue, "error", err)
			return
		}
	}
	m.mu.Lock()
	m.reconnects[venue]++
	m.mu.Unlock()
	metrics.Reconnects.WithLabelValues(string(venue)).Inc()
	m.logger.Info("venue reconnected", "venue", venue, "attempt", attempt)
}

// Reports returns the per-venue health snapshot.
func (m *Monitor) Reports() []Report {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Report, 0, len(m.adapters))
	for venue := range m.adapters {
		r := Report{Venue: venue, Total: len(m.symbols), Reconnects: m.reconnects[venue], Degraded: m.degraded[venue]}
		first := true
		for _, sym := range m.symbols {
			arrival := m.lastArrival(venue, sym)
			if arrival.IsZero() {
				continue
			}
			age := now.Sub(arrival)
			if age <= m.cfg.DataTimeout {
				r.Healthy++
			}
			if first || age < r.MinStaleness {
				r.MinStaleness = age
			}
			if first || age > r.MaxStaleness {
				r.MaxStaleness = age
			}
			first = false
		}
		out = append(out, r)
	}
	return out
}

func (m *Monitor) logReport() {
	for _, r := range m.Reports() {
		m.logger.Info("venue health",
			"venue", r.Venue, "healthy", r.Healthy, "total", r.Total,
			"min_staleness", r.MinStaleness, "max_staleness", r.MaxStaleness,
			"reconnects", r.Reconnects, "degraded", r.Degraded)
	}
}
