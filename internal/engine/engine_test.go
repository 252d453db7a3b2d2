package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/exchange/exchangetest"
	"perp-arb/internal/exec"
	"perp-arb/internal/feed"
	"perp-arb/internal/gates"
	"perp-arb/internal/health"
	"perp-arb/internal/quarantine"
	"perp-arb/pkg/types"
)

const testSymbol = types.Symbol("BTC-USDT-PERP")

func filledState(req types.OrderRequest) *types.OrderState {
	return &types.OrderState{
		OrderID: "ord-1", ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Type: req.Type, Amount: req.Amount, Filled: req.Amount, Average: 50000,
		Status: types.StatusFilled, CreatedAt: time.Now(),
	}
}

// newTestEngine wires an engine around two scripted venues, skipping the
// network-facing construction path.
func newTestEngine(t *testing.T, buy, sell *exchangetest.Fake) *Engine {
	t.Helper()
	logger := slog.Default()

	cfg := config.Config{
		Symbols: []string{string(testSymbol)},
		Arbitrage: config.ArbitrageConfig{
			PriceSpreadThreshold: 0.1,
			FundingRateThreshold: 0.0001,
			MinScoreThreshold:    0.05,
			UpdateInterval:       10 * time.Millisecond,
			DataFreshness:        5 * time.Second,
		},
		Gates: config.GatesConfig{
			StabilityWindow:       0,
			StabilityThresholdPct: 0.2,
			MinOpposingLiquidity:  0.001,
		},
		Execution: config.ExecutionConfig{
			MarketOrderTimeout:     time.Second,
			LimitOrderTimeout:      time.Second,
			DualLimitRetryInitial:  time.Second,
			DualLimitRetryMax:      time.Minute,
			DualLimitBackoffFactor: 2,
			SlippageOpenPct:        0.05,
			SlippageClosePct:       0.1,
			TradeQuantity:          map[string]float64{string(testSymbol): 0.01},
		},
	}

	adapters := map[types.Venue]exchange.Adapter{
		buy.Name:  buy,
		sell.Name: sell,
	}
	symbols := []types.Symbol{testSymbol}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		adapters: adapters,
		symbols:  symbols,
	}
	e.aggregator = feed.NewAggregator(cfg.Arbitrage, symbols, logger)
	e.tracker = exec.NewTracker()
	e.quar = quarantine.NewManager(logger)
	e.executor = exec.NewExecutor(adapters, e.tracker, e.quar, cfg.Execution, logger)
	e.monitor = health.NewMonitor(cfg.Health, adapters, symbols, e.aggregator.LastArrival, e.resubscribeVenue, logger)
	e.stability = gates.NewStability(cfg.Gates.StabilityWindow, cfg.StabilityThreshold, logger)
	e.liquidity = gates.NewLiquidity(cfg.Gates.MinOpposingLiquidity, logger)
	e.backoff = gates.NewDualLimitBackoff(cfg.Execution.DualLimitRetryInitial, cfg.Execution.DualLimitRetryMax, cfg.Execution.DualLimitBackoffFactor)
	return e
}

// seedBooks runs the aggregator and waits until both venues' books are
// visible to the gate chain.
func seedBooks(t *testing.T, ctx context.Context, e *Engine, buy, sell types.Venue) {
	t.Helper()
	go e.aggregator.Run(ctx)

	now := time.Now()
	e.aggregator.PushBook(buy, types.BookTop{
		Symbol:    testSymbol,
		Bid:       types.BookLevel{Price: 49990, Size: 1},
		Ask:       types.BookLevel{Price: 50000, Size: 1},
		EventTime: now,
	})
	e.aggregator.PushBook(sell, types.BookTop{
		Symbol:    testSymbol,
		Bid:       types.BookLevel{Price: 50100, Size: 1},
		Ask:       types.BookLevel{Price: 50110, Size: 1},
		EventTime: now,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, okBuy := e.aggregator.BookTop(buy, testSymbol, time.Minute)
		_, okSell := e.aggregator.BookTop(sell, testSymbol, time.Minute)
		if okBuy && okSell {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("aggregator never surfaced the seeded books")
}

func testOpportunity() types.Opportunity {
	return types.Opportunity{
		Symbol: testSymbol,
		Kind:   types.KindPriceSpread,
		PriceSpread: &types.PriceSpread{
			Buy: types.VenueGRVT, Sell: types.VenueBackpack,
			PriceBuy: 50000, PriceSell: 50100,
			SizeBuy: 1, SizeSell: 1,
			Abs: 100, Pct: 0.2,
		},
		Score:      0.2,
		DetectedAt: time.Now(),
	}
}

func TestHandleOpportunityExecutesBothLegs(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}
	buyVenue.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		return filledState(req), nil
	}
	sellVenue.CreateOrderFn = buyVenue.CreateOrderFn

	e := newTestEngine(t, buyVenue, sellVenue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, testOpportunity())

	if got := len(buyVenue.Created()); got != 1 {
		t.Fatalf("buy venue saw %d orders, want 1", got)
	}
	if got := len(sellVenue.Created()); got != 1 {
		t.Fatalf("sell venue saw %d orders, want 1", got)
	}
	if buyVenue.Created()[0].Side != types.BUY || sellVenue.Created()[0].Side != types.SELL {
		t.Errorf("leg sides: buy=%s sell=%s", buyVenue.Created()[0].Side, sellVenue.Created()[0].Side)
	}
	if e.Status().Trades.Success != 1 {
		t.Errorf("success count = %d, want 1", e.Status().Trades.Success)
	}
}

func TestHandleOpportunitySkipsQuarantinedSymbol(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	e := newTestEngine(t, buyVenue, sellVenue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	opp := testOpportunity()
	grid := "T2" // matches Pct 0.2 against threshold 0.1
	e.quar.Defer(testSymbol, quarantine.ReasonManualIntervention, grid, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, opp)

	if got := len(buyVenue.Created()) + len(sellVenue.Created()); got != 0 {
		t.Fatalf("quarantined symbol traded: %d orders", got)
	}
}

func TestHandleOpportunitySkipsWithoutQuantity(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	e := newTestEngine(t, buyVenue, sellVenue)
	delete(e.cfg.Execution.TradeQuantity, string(testSymbol))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, testOpportunity())

	if got := len(buyVenue.Created()) + len(sellVenue.Created()); got != 0 {
		t.Fatalf("traded without a configured quantity: %d orders", got)
	}
}

func TestHandleOpportunityRejectsWithoutBooks(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	// No aggregator data at all: the liquidity gate sees nil books.
	e := newTestEngine(t, buyVenue, sellVenue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.handleOpportunity(ctx, testOpportunity())

	if got := len(buyVenue.Created()) + len(sellVenue.Created()); got != 0 {
		t.Fatalf("traded without book data: %d orders", got)
	}
}

func TestHandleOpportunityIgnoresFundingOnly(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	e := newTestEngine(t, buyVenue, sellVenue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, types.Opportunity{
		Symbol: testSymbol,
		Kind:   types.KindFundingRate,
		FundingSpread: &types.FundingSpread{
			VenueHigh: types.VenueGRVT, VenueLow: types.VenueBackpack,
			RateHigh: 0.0002, RateLow: -0.0001, Diff: 0.0003,
		},
		Score: 0.0003,
	})

	if got := len(buyVenue.Created()) + len(sellVenue.Created()); got != 0 {
		t.Fatalf("funding-only opportunity traded: %d orders", got)
	}
}

func TestDualLimitExpiryArmsBackoff(t *testing.T) {
	t.Parallel()

	// Zero-value fakes accept orders that rest forever: both limit legs
	// expire unfilled, which is the one failure that arms the backoff.
	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	e := newTestEngine(t, buyVenue, sellVenue)
	e.cfg.Execution.OrderStyle = config.OrderStyleDualLimit
	e.cfg.Execution.LimitOrderTimeout = 50 * time.Millisecond
	e.executor = exec.NewExecutor(e.adapters, e.tracker, e.quar, e.cfg.Execution, e.logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, testOpportunity())
	if e.Status().Trades.Failed != 1 {
		t.Fatalf("failed count = %d, want 1", e.Status().Trades.Failed)
	}
	if got := buyVenue.Created(); len(got) != 1 || got[0].Type != types.OrderTypeLimit {
		t.Fatalf("buy submissions: %+v, want one limit order", got)
	}

	firstAttempts := len(buyVenue.Created())
	e.handleOpportunity(ctx, testOpportunity())
	if got := len(buyVenue.Created()); got != firstAttempts {
		t.Errorf("backoff did not block the retry: %d submissions, want %d", got, firstAttempts)
	}
}

func TestMarketFailureDoesNotArmBackoff(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}
	// Both submissions fail so the executor reports a failed trade.
	buyVenue.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		return nil, context.DeadlineExceeded
	}
	sellVenue.CreateOrderFn = buyVenue.CreateOrderFn

	e := newTestEngine(t, buyVenue, sellVenue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedBooks(t, ctx, e, types.VenueGRVT, types.VenueBackpack)

	e.handleOpportunity(ctx, testOpportunity())
	if e.Status().Trades.Failed != 1 {
		t.Fatalf("failed count = %d, want 1", e.Status().Trades.Failed)
	}

	// Plain market failures rescan immediately; the next opportunity still
	// reaches the venues.
	firstAttempts := len(buyVenue.Created())
	e.handleOpportunity(ctx, testOpportunity())
	if got := len(buyVenue.Created()); got != firstAttempts+1 {
		t.Errorf("market failure armed the backoff: %d submissions, want %d", got, firstAttempts+1)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	buyVenue := &exchangetest.Fake{Name: types.VenueGRVT}
	sellVenue := &exchangetest.Fake{Name: types.VenueBackpack}

	e := newTestEngine(t, buyVenue, sellVenue)
	e.startedAt = time.Now().Add(-time.Minute)
	e.quar.Defer(testSymbol, quarantine.ReasonManualIntervention, "T1", types.VenueGRVT, types.VenueBackpack)

	st := e.Status()
	if len(st.Symbols) != 1 || st.Symbols[0] != string(testSymbol) {
		t.Errorf("symbols: %v", st.Symbols)
	}
	if len(st.Quarantine) != 1 || st.Quarantine[0].Status != "WAITING" {
		t.Errorf("quarantine: %+v", st.Quarantine)
	}
	if st.Uptime == "" {
		t.Error("uptime empty")
	}
}
