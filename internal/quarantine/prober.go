package quarantine

import (
	"context"
	"log/slog"
	"time"

	"perp-arb/internal/exchange"
	"perp-arb/internal/metrics"
	"perp-arb/pkg/types"
)

// Probe order parameters. The point of a probe is acceptance, not execution:
// the order is tiny and priced far from any plausible market so it either
// gets rejected (still reduce-only) or rests and is cancelled immediately.
const (
	probeQty     = 0.001
	probePrice   = 2000
	wakeOffset   = 5 * time.Second
	probeTimeout = 30 * time.Second
)

// Prober wakes shortly after each wall-clock hour and submits a reduce-only
// probe for every pending leg. A probe that the venue accepts resumes the
// symbol; a rejection leaves it WAITING until the next hour.
type Prober struct {
	manager  *Manager
	adapters map[types.Venue]exchange.Adapter
	location *time.Location
	logger   *slog.Logger

	now func() time.Time
}

// NewProber builds the hourly probe scheduler.
func NewProber(manager *Manager, adapters map[types.Venue]exchange.Adapter, loc *time.Location, logger *slog.Logger) *Prober {
	return &Prober{
		manager:  manager,
		adapters: adapters,
		location: loc,
		logger:   logger.With("component", "prober"),
		now:      time.Now,
	}
}

// Run blocks until ctx is done, probing at five seconds past each hour.
func (p *Prober) Run(ctx context.Context) error {
	for {
		wait := p.untilNextWake()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		p.ProbeAll(ctx)
	}
}

// untilNextWake computes the duration to the next wall-clock hour plus
// offset in the configured timezone. Built from wall-clock fields so
// fractional-offset zones align on their own :00:05, and a start inside
// the first five seconds of an hour still catches that hour's wake.
func (p *Prober) untilNextWake() time.Duration {
	now := p.now().In(p.location)
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, p.location).Add(wakeOffset)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next.Sub(now)
}

// ProbeAll runs one probe pass over every pending leg.
func (p *Prober) ProbeAll(ctx context.Context) {
	legs := p.manager.PendingProbes()
	if len(legs) == 0 {
		return
	}
	p.logger.Info("probe pass starting", "legs", len(legs))
	for _, leg := range legs {
		p.probe(ctx, leg)
	}
}

func (p *Prober) probe(ctx context.Context, leg ProbeLeg) {
	adapter, ok := p.adapters[leg.Venue]
	if !ok {
		p.manager.RecordProbe(leg, false, "no adapter for venue")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	st, err := adapter.CreateOrder(ctx, types.OrderRequest{
		Symbol:     leg.Symbol,
		Side:       leg.Side,
		Type:       types.OrderTypeLimit,
		Price:      probePrice,
		Amount:     probeQty,
		ReduceOnly: true,
	})
	if err != nil {
		metrics.Probes.WithLabelValues(string(leg.Venue), "rejected").Inc()
		p.manager.RecordProbe(leg, false, err.Error())
		p.logger.Info("probe rejected", "venue", leg.Venue, "symbol", leg.Symbol, "error", err)
		return
	}

	// Accepted. A resting probe must not linger on the book.
	if !st.Status.Terminal() {
		if _, cerr := adapter.CancelOrder(ctx, st.OrderID, leg.Symbol); cerr != nil {
			p.logger.Warn("probe cancel failed", "venue", leg.Venue, "order", st.OrderID, "error", cerr)
		}
	}
	metrics.Probes.WithLabelValues(string(leg.Venue), "accepted").Inc()
	p.manager.RecordProbe(leg, true, "accepted")
	p.logger.Info("probe accepted, leg cleared", "venue", leg.Venue, "symbol", leg.Symbol)
}
