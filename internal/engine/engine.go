// Package engine is the central orchestrator of the arbitrage system.
//
// It owns the lifecycle of every subsystem: the venue adapters, the feed
// aggregator that turns pushed books and tickers into scored opportunities,
// the gate chain (quarantine, stability, liquidity, dual-limit backoff), the
// two-legged executor, the health monitor, and the hourly probe loop for
// quarantined symbols.
//
// Lifecycle is New → Start → Stop. Start connects and subscribes every
// enabled venue, then launches the long-running loops; Stop cancels them
// and disconnects the adapters.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-arb/internal/api"
	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/exchange/backpack"
	"perp-arb/internal/exchange/grvt"
	"perp-arb/internal/exchange/lighter"
	"perp-arb/internal/exec"
	"perp-arb/internal/feed"
	"perp-arb/internal/gates"
	"perp-arb/internal/health"
	"perp-arb/internal/metrics"
	"perp-arb/internal/quarantine"
	"perp-arb/internal/scan"
	"perp-arb/internal/store"
	"perp-arb/pkg/types"
)

// seeder is the optional instrument-cache surface an adapter may expose.
// Venues that implement it survive a market-metadata outage at startup.
type seeder interface {
	SeedInstruments([]types.Instrument)
	CachedInstruments() []types.Instrument
}

// Engine wires and runs all components of the arbitrage system.
type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	adapters map[types.Venue]exchange.Adapter
	symbols  []types.Symbol

	aggregator *feed.Aggregator
	tracker    *exec.Tracker
	executor   *exec.Executor
	quar       *quarantine.Manager
	prober     *quarantine.Prober
	monitor    *health.Monitor
	stability  *gates.Stability
	liquidity  *gates.Liquidity
	backoff    *gates.DualLimitBackoff
	store      *store.Store

	statsMu sync.Mutex
	stats   api.TradeStats

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the engine and every collaborator from configuration. No
// network calls happen here; connecting is Start's job.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	adapters := make(map[types.Venue]exchange.Adapter)
	for _, venue := range cfg.EnabledVenues() {
		vc, _ := cfg.Venue(venue)
		adapter, err := buildAdapter(venue, vc, cfg.DryRun, logger)
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", venue, err)
		}
		adapters[venue] = adapter
	}
	if len(adapters) < 2 {
		return nil, fmt.Errorf("need at least two enabled venues, have %d", len(adapters))
	}

	symbols := make([]types.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, types.Symbol(s))
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Health.ProbeTimezone)
	if err != nil {
		return nil, fmt.Errorf("probe timezone: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		adapters: adapters,
		symbols:  symbols,
		store:    st,
	}

	e.aggregator = feed.NewAggregator(cfg.Arbitrage, symbols, logger)
	e.tracker = exec.NewTracker()
	e.quar = quarantine.NewManager(logger)
	e.executor = exec.NewExecutor(adapters, e.tracker, e.quar, cfg.Execution, logger)
	e.prober = quarantine.NewProber(e.quar, adapters, loc, logger)
	e.monitor = health.NewMonitor(cfg.Health, adapters, symbols, e.aggregator.LastArrival, e.resubscribeVenue, logger)
	e.stability = gates.NewStability(cfg.Gates.StabilityWindow, cfg.StabilityThreshold, logger)
	e.liquidity = gates.NewLiquidity(cfg.Gates.MinOpposingLiquidity, logger)
	e.backoff = gates.NewDualLimitBackoff(cfg.Execution.DualLimitRetryInitial, cfg.Execution.DualLimitRetryMax, cfg.Execution.DualLimitBackoffFactor)
	return e, nil
}

func buildAdapter(venue types.Venue, vc config.VenueConfig, dryRun bool, logger *slog.Logger) (exchange.Adapter, error) {
	switch venue {
	case types.VenueBackpack:
		return backpack.NewAdapter(vc, dryRun, logger)
	case types.VenueGRVT:
		return grvt.NewAdapter(vc, dryRun, logger)
	case types.VenueLighter:
		return lighter.NewAdapter(vc, dryRun, logger)
	}
	return nil, fmt.Errorf("unknown venue %q", venue)
}

// Start connects, authenticates, and subscribes every venue, then launches
// the aggregator, health monitor, prober, and scan loop. It returns once
// everything is running.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.startedAt = time.Now()

	for venue, adapter := range e.adapters {
		if s, ok := adapter.(seeder); ok {
			if cached, err := e.store.LoadInstruments(venue); err == nil && len(cached) > 0 {
				s.SeedInstruments(cached)
			}
		}
		if err := adapter.Connect(e.ctx); err != nil {
			return fmt.Errorf("connect %s: %w", venue, err)
		}
		if err := adapter.Authenticate(e.ctx); err != nil {
			return fmt.Errorf("authenticate %s: %w", venue, err)
		}
		if s, ok := adapter.(seeder); ok {
			if err := e.store.SaveInstruments(venue, s.CachedInstruments()); err != nil {
				e.logger.Warn("instrument cache save failed", "venue", venue, "error", err)
			}
		}
		if err := e.subscribeVenue(e.ctx, venue); err != nil {
			return fmt.Errorf("subscribe %s: %w", venue, err)
		}
	}

	e.goRun("aggregator", e.aggregator.Run)
	e.goRun("health", e.monitor.Run)
	e.goRun("prober", e.prober.Run)
	e.goRun("scan", e.runScanLoop)

	e.logger.Info("engine started",
		"venues", len(e.adapters), "symbols", len(e.symbols), "dry_run", e.cfg.DryRun)
	return nil
}

func (e *Engine) goRun(name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("subsystem stopped", "name", name, "error", err)
		}
	}()
}

// Stop cancels the running loops, waits for them, then disconnects the
// venues and closes the store.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for venue, adapter := range e.adapters {
		if err := adapter.Disconnect(ctx); err != nil {
			e.logger.Warn("disconnect failed", "venue", venue, "error", err)
		}
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// subscribeVenue applies the full subscription set for one venue: book and
// ticker pushes for every configured symbol the venue lists, feeding the
// aggregator, plus the user-data stream feeding the fill tracker.
func (e *Engine) subscribeVenue(ctx context.Context, venue types.Venue) error {
	adapter := e.adapters[venue]

	for _, sym := range e.symbols {
		if _, err := adapter.Instrument(sym); err != nil {
			continue // venue does not list this symbol
		}
		if err := adapter.SubscribeOrderBook(ctx, sym, func(top types.BookTop) {
			e.aggregator.PushBook(venue, top)
		}); err != nil {
			return err
		}
		if err := adapter.SubscribeTicker(ctx, sym, func(snap types.TickerSnapshot) {
			e.aggregator.PushTicker(venue, snap)
		}); err != nil {
			return err
		}
	}
	return adapter.SubscribeUserData(ctx, func(st types.OrderState) {
		e.tracker.HandlePush(venue, st)
	})
}

// resubscribeVenue restores a venue's subscription set after a
// health-monitor reconnect.
func (e *Engine) resubscribeVenue(ctx context.Context, venue types.Venue) error {
	return e.subscribeVenue(ctx, venue)
}

func (e *Engine) runScanLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp := <-e.aggregator.Results():
			e.handleOpportunity(ctx, opp)
		}
	}
}

// handleOpportunity funnels one detected opportunity through the gate chain
// and, if everything passes, into the executor.
func (e *Engine) handleOpportunity(ctx context.Context, opp types.Opportunity) {
	if opp.PriceSpread == nil {
		// Funding-only edges are informational; execution needs a price
		// spread on the same pair.
		e.logger.Debug("funding opportunity observed", "symbol", opp.Symbol, "score", opp.Score)
		return
	}
	ps := opp.PriceSpread
	grid := scan.GridLevel(ps.Pct, e.cfg.Arbitrage.PriceSpreadThreshold)

	if e.quar.ShouldBlock(opp.Symbol, grid) {
		return
	}
	if e.backoff.Blocked(opp.Symbol) {
		return
	}

	quantity := e.cfg.Execution.TradeQuantity[string(opp.Symbol)]
	if quantity <= 0 {
		e.logger.Debug("no trade quantity configured", "symbol", opp.Symbol)
		return
	}

	if !e.stability.Check(opp.Symbol, gates.ActionOpen, ps.PriceBuy, ps.PriceSell) {
		metrics.GateRejections.WithLabelValues(string(opp.Symbol), "stability").Inc()
		return
	}
	if !e.liquidity.Check(opp.Symbol, gates.ActionOpen, quantity, e.legBooks(opp.Symbol, ps)) {
		metrics.GateRejections.WithLabelValues(string(opp.Symbol), "liquidity").Inc()
		return
	}

	res := e.executor.Execute(ctx, exec.Trade{
		Symbol:    opp.Symbol,
		BuyVenue:  ps.Buy,
		SellVenue: ps.Sell,
		BuyPrice:  ps.PriceBuy,
		SellPrice: ps.PriceSell,
		Quantity:  quantity,
		Action:    gates.ActionOpen,
		GridLevel: grid,
		Style:     e.orderStyle(),
	})
	e.recordOutcome(opp.Symbol, res)
}

func (e *Engine) orderStyle() exec.Style {
	if e.cfg.Execution.OrderStyle == config.OrderStyleDualLimit {
		return exec.StyleDualLimit
	}
	return exec.StyleMarket
}

// legBooks assembles the per-leg book snapshots the liquidity gate needs,
// using only data still within the freshness window.
func (e *Engine) legBooks(symbol types.Symbol, ps *types.PriceSpread) []gates.Leg {
	maxAge := e.cfg.Arbitrage.DataFreshness
	legs := []gates.Leg{
		{Venue: ps.Buy, Side: types.BUY},
		{Venue: ps.Sell, Side: types.SELL},
	}
	for i := range legs {
		if top, ok := e.aggregator.BookTop(legs[i].Venue, symbol, maxAge); ok {
			t := top
			legs[i].Book = &t
		}
	}
	return legs
}

func (e *Engine) recordOutcome(symbol types.Symbol, res exec.Result) {
	e.statsMu.Lock()
	switch res.Outcome {
	case exec.OutcomeSuccess:
		e.stats.Success++
	case exec.OutcomeFailed:
		e.stats.Failed++
	case exec.OutcomeManualIntervention:
		e.stats.ManualIntervention++
	}
	e.statsMu.Unlock()

	switch res.Outcome {
	case exec.OutcomeSuccess:
		e.backoff.Success(symbol)
		e.logger.Info("trade complete", "symbol", symbol)
	case exec.OutcomeFailed:
		// The backoff gate only arms on expired dual-limit pairs; plain
		// market no-fills rescan immediately.
		if res.DualLimitExpired {
			e.backoff.Failure(symbol)
		}
		e.logger.Warn("trade failed", "symbol", symbol, "reason", res.Reason)
	case exec.OutcomeManualIntervention:
		e.logger.Error("trade requires manual intervention", "symbol", symbol, "reason", res.Reason)
	}
}

// Status implements api.StatusProvider.
func (e *Engine) Status() api.Status {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	status := api.Status{
		StartedAt: e.startedAt,
		Uptime:    time.Since(e.startedAt).Round(time.Second).String(),
		DryRun:    e.cfg.DryRun,
		Symbols:   e.cfg.Symbols,
		Trades:    stats,
	}
	for _, r := range e.monitor.Reports() {
		status.Venues = append(status.Venues, api.VenueStatusFrom(r))
	}
	for _, st := range e.quar.Snapshot() {
		status.Quarantine = append(status.Quarantine, api.QuarantineStatusFrom(st))
	}
	return status
}
