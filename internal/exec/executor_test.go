package exec

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/exchange/exchangetest"
	"perp-arb/internal/gates"
	"perp-arb/internal/quarantine"
	"perp-arb/pkg/types"
)

func testConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MarketOrderTimeout: 200 * time.Millisecond,
		LimitOrderTimeout:  200 * time.Millisecond,
		SlippageOpenPct:    0.1,
		SlippageClosePct:   0.1,
	}
}

// fillingFake answers every creation with an instantly-filled order.
func fillingFake(venue types.Venue, price float64) *exchangetest.Fake {
	var n atomic.Int64
	f := &exchangetest.Fake{Name: venue}
	f.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		id := n.Add(1)
		return &types.OrderState{
			OrderID: string(venue) + "-" + string(rune('0'+id)), Symbol: req.Symbol, Side: req.Side,
			Type: req.Type, Amount: req.Amount, Filled: req.Amount, Average: price,
			Status: types.StatusFilled, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}, nil
	}
	// Lookups agree with creation: everything filled.
	f.GetOrderFn = func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusFilled, Filled: 1, Amount: 1}, nil
	}
	return f
}

// stuckFake accepts orders but never fills them; lookups report an open,
// unfilled order and cancels succeed.
func stuckFake(venue types.Venue) *exchangetest.Fake {
	f := &exchangetest.Fake{Name: venue}
	f.GetOrderFn = func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusOpen, Amount: 1, Remaining: 1}, nil
	}
	return f
}

func newTestExecutor(t *testing.T, buy, sell exchange.Adapter) (*Executor, *quarantine.Manager) {
	t.Helper()
	quar := quarantine.NewManager(slog.Default())
	adapters := map[types.Venue]exchange.Adapter{buy.Venue(): buy, sell.Venue(): sell}
	ex := NewExecutor(adapters, NewTracker(), quar, testConfig(), slog.Default())
	return ex, quar
}

func trade() Trade {
	return Trade{
		Symbol: "BTC-USDT-PERP", BuyVenue: types.VenueBackpack, SellVenue: types.VenueGRVT,
		BuyPrice: 100.0, SellPrice: 100.5, Quantity: 1, Action: gates.ActionOpen, GridLevel: "T1",
	}
}

func TestHappyPathBothLegsFill(t *testing.T) {
	t.Parallel()

	buy := fillingFake(types.VenueBackpack, 100.0)
	sell := fillingFake(types.VenueGRVT, 100.5)
	ex, _ := newTestExecutor(t, buy, sell)

	res := ex.Execute(context.Background(), trade())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if res.BuyLeg == nil || res.SellLeg == nil || res.BuyLeg.Filled != 1 || res.SellLeg.Filled != 1 {
		t.Errorf("legs: buy=%+v sell=%+v", res.BuyLeg, res.SellLeg)
	}
	if len(buy.Created()) != 1 || len(sell.Created()) != 1 {
		t.Errorf("submissions: buy=%d sell=%d", len(buy.Created()), len(sell.Created()))
	}
	if buy.Created()[0].Type != types.OrderTypeMarket {
		t.Errorf("leg type = %v, want market", buy.Created()[0].Type)
	}
}

func TestNoFillsReportsFailureWithoutQuarantine(t *testing.T) {
	t.Parallel()

	buy := stuckFake(types.VenueBackpack)
	sell := stuckFake(types.VenueGRVT)
	ex, quar := newTestExecutor(t, buy, sell)

	res := ex.Execute(context.Background(), trade())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.DualLimitExpired {
		t.Error("market no-fill must not count as a dual-limit expiry")
	}
	if quar.ShouldBlock("BTC-USDT-PERP", "T1") {
		t.Error("no-fill failure must not quarantine")
	}
}

func TestDualLimitRestsBothLegsAndMarksExpiry(t *testing.T) {
	t.Parallel()

	buy := stuckFake(types.VenueBackpack)
	sell := stuckFake(types.VenueGRVT)
	ex, _ := newTestExecutor(t, buy, sell)
	ex.cfg.LimitOrderTimeout = 20 * time.Millisecond

	tr := trade()
	tr.Style = StyleDualLimit
	res := ex.Execute(context.Background(), tr)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !res.DualLimitExpired {
		t.Error("both limit legs expired unfilled, expiry must be flagged")
	}

	// Both legs rested as limit orders at the trade's reference prices.
	if len(buy.Created()) != 1 || len(sell.Created()) != 1 {
		t.Fatalf("submissions: buy=%d sell=%d", len(buy.Created()), len(sell.Created()))
	}
	if got := buy.Created()[0]; got.Type != types.OrderTypeLimit || got.Price != 100.0 {
		t.Errorf("buy leg = %+v, want limit at 100.0", got)
	}
	if got := sell.Created()[0]; got.Type != types.OrderTypeLimit || got.Price != 100.5 {
		t.Errorf("sell leg = %+v, want limit at 100.5", got)
	}
}

func TestDualLimitBothFillsIsNoExpiry(t *testing.T) {
	t.Parallel()

	buy := fillingFake(types.VenueBackpack, 100.0)
	sell := fillingFake(types.VenueGRVT, 100.5)
	ex, _ := newTestExecutor(t, buy, sell)

	tr := trade()
	tr.Style = StyleDualLimit
	res := ex.Execute(context.Background(), tr)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if res.DualLimitExpired {
		t.Error("filled legs must not flag an expiry")
	}
	if buy.Created()[0].Type != types.OrderTypeLimit {
		t.Errorf("leg type = %v, want limit", buy.Created()[0].Type)
	}
}

func TestReduceOnlyFlagOnlyOnDerivativeCloses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		symbol types.Symbol
		action gates.Action
		want   bool
	}{
		{"perp close", "BTC-USDT-PERP", gates.ActionClose, true},
		{"perp open", "BTC-USDT-PERP", gates.ActionOpen, false},
		{"spot close", "BTC-USDT-SPOT", gates.ActionClose, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			buy := fillingFake(types.VenueBackpack, 100.0)
			sell := fillingFake(types.VenueGRVT, 100.5)
			ex, _ := newTestExecutor(t, buy, sell)

			tr := trade()
			tr.Symbol = tc.symbol
			tr.Action = tc.action
			if res := ex.Execute(context.Background(), tr); res.Outcome != OutcomeSuccess {
				t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
			}
			for _, req := range append(buy.Created(), sell.Created()...) {
				if req.ReduceOnly != tc.want {
					t.Errorf("reduce-only = %v on %s %s, want %v", req.ReduceOnly, tc.symbol, tc.action, tc.want)
				}
			}
		})
	}
}

func TestSingleLegRepairSucceeds(t *testing.T) {
	t.Parallel()

	// Sell fills instantly; buy never fills the first order but fills the
	// repair market order.
	sell := fillingFake(types.VenueGRVT, 100.5)
	buy := &exchangetest.Fake{Name: types.VenueBackpack}
	var buySubmissions atomic.Int64
	buy.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		n := buySubmissions.Add(1)
		if n == 1 {
			return &types.OrderState{OrderID: "stuck", Symbol: req.Symbol, Side: req.Side, Amount: req.Amount, Remaining: req.Amount, Status: types.StatusOpen}, nil
		}
		// Repair order: must be market, sized to the filled leg, with a
		// protective price above the reference.
		if req.Type != types.OrderTypeMarket || req.Amount != 1 {
			t.Errorf("repair request: %+v", req)
		}
		if req.Price <= 100.0 {
			t.Errorf("repair price %v not protective", req.Price)
		}
		return &types.OrderState{OrderID: "repair-1", Symbol: req.Symbol, Side: req.Side, Amount: req.Amount, Filled: req.Amount, Average: 100.01, Status: types.StatusFilled}, nil
	}
	buy.GetOrderFn = func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusOpen, Amount: 1, Remaining: 1}, nil
	}
	ex, quar := newTestExecutor(t, buy, sell)

	res := ex.Execute(context.Background(), trade())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success via repair", res.Outcome, res.Reason)
	}
	if res.BuyLeg == nil || res.BuyLeg.OrderID != "repair-1" {
		t.Errorf("buy leg not replaced by repair order: %+v", res.BuyLeg)
	}
	if quar.ShouldBlock("BTC-USDT-PERP", "T1") {
		t.Error("one repair success must not quarantine")
	}
}

func TestThreeConsecutiveSingleLegsQuarantine(t *testing.T) {
	t.Parallel()

	sell := fillingFake(types.VenueGRVT, 100.5)
	buy := &exchangetest.Fake{Name: types.VenueBackpack}
	var buySubmissions atomic.Int64
	buy.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		n := buySubmissions.Add(1)
		if n%2 == 1 { // initial leg of each attempt sticks
			return &types.OrderState{OrderID: "stuck", Symbol: req.Symbol, Status: types.StatusOpen, Amount: req.Amount, Remaining: req.Amount}, nil
		}
		return &types.OrderState{OrderID: "repair", Symbol: req.Symbol, Status: types.StatusFilled, Amount: req.Amount, Filled: req.Amount}, nil
	}
	buy.GetOrderFn = func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusOpen, Amount: 1, Remaining: 1}, nil
	}
	ex, quar := newTestExecutor(t, buy, sell)

	for i := 0; i < 3; i++ {
		res := ex.Execute(context.Background(), trade())
		// Every attempt, including the third, still reports success.
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("attempt %d outcome = %s, want success", i+1, res.Outcome)
		}
	}
	if !quar.ShouldBlock("BTC-USDT-PERP", "T1") {
		t.Error("third consecutive single-leg must quarantine")
	}
	// A grid change lifts the block.
	if quar.ShouldBlock("BTC-USDT-PERP", "T2") {
		t.Error("grid change must unblock")
	}
}

func TestReduceOnlyRegistersProbes(t *testing.T) {
	t.Parallel()

	roErr := exchange.NewError(types.VenueGRVT, exchange.KindRejected, exchange.CodeReduceOnly, "order would not reduce", nil)
	sell := &exchangetest.Fake{Name: types.VenueGRVT}
	sell.CreateOrderFn = func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
		return nil, roErr
	}
	buy := fillingFake(types.VenueBackpack, 100.0)
	ex, quar := newTestExecutor(t, buy, sell)

	tr := trade()
	tr.Action = gates.ActionClose
	res := ex.Execute(context.Background(), tr)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !quar.ShouldBlock("BTC-USDT-PERP", "T1") {
		t.Error("reduce-only must quarantine pending probes")
	}
	if got := len(quar.PendingProbes()); got != 2 {
		t.Errorf("pending probes = %d, want both legs", got)
	}
}

func TestAllRepairsFailManualIntervention(t *testing.T) {
	t.Parallel()

	sell := fillingFake(types.VenueGRVT, 100.5)
	buy := stuckFake(types.VenueBackpack)
	ex, quar := newTestExecutor(t, buy, sell)

	res := ex.Execute(context.Background(), trade())
	if res.Outcome != OutcomeManualIntervention {
		t.Fatalf("outcome = %s, want manual intervention", res.Outcome)
	}
	if !quar.ShouldBlock("BTC-USDT-PERP", "T1") {
		t.Error("exhausted repairs must quarantine")
	}
	// Attempts: initial + 2 market repairs + 1 IOC repair.
	if got := len(buy.Created()); got != 4 {
		t.Errorf("buy submissions = %d, want 4", got)
	}
	last := buy.Created()[3]
	if last.Type != types.OrderTypeIOC {
		t.Errorf("final repair type = %v, want IOC", last.Type)
	}
}

func TestBatchPathUsedForBatchVenue(t *testing.T) {
	t.Parallel()

	sell := fillingFake(types.VenueGRVT, 100.5)
	lighter := &exchangetest.Fake{Name: types.VenueLighter}
	var batched atomic.Int64
	lighter.BatchFn = func(ctx context.Context, legs []exchange.BatchLeg, slippagePct float64) ([]exchange.BatchAck, error) {
		batched.Add(1)
		if len(legs) != 1 || legs[0].Side != types.BUY {
			t.Errorf("batch legs: %+v", legs)
		}
		return []exchange.BatchAck{{Symbol: legs[0].Symbol, OrderID: "b-1", Accepted: true}}, nil
	}
	lighter.GetOrderFn = func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusFilled, Amount: 1, Filled: 1}, nil
	}
	ex, _ := newTestExecutor(t, lighter, sell)

	tr := trade()
	tr.BuyVenue = types.VenueLighter
	res := ex.Execute(context.Background(), tr)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success", res.Outcome, res.Reason)
	}
	if batched.Load() != 1 {
		t.Errorf("batch submits = %d, want 1", batched.Load())
	}
	if got := len(lighter.Created()); got != 0 {
		t.Errorf("REST orders on batch venue = %d, want 0", got)
	}
}

func TestTrackerResolvesOnTerminalPush(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	future := tr.Register(types.VenueGRVT, "o-1", "c-1")

	// Non-terminal pushes do not resolve.
	tr.HandlePush(types.VenueGRVT, types.OrderState{OrderID: "o-1", Status: types.StatusPartial, Filled: 0.5, Amount: 1, Remaining: 0.5})
	select {
	case <-future:
		t.Fatal("partial fill resolved the future")
	default:
	}

	tr.HandlePush(types.VenueGRVT, types.OrderState{OrderID: "o-1", Status: types.StatusFilled, Filled: 1, Amount: 1})
	st, ok := tr.Await(context.Background(), future, time.Second)
	if !ok || st.Status != types.StatusFilled {
		t.Fatalf("await: ok=%v st=%+v", ok, st)
	}
}

func TestTrackerHandlesPushBeforeRegister(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.HandlePush(types.VenueGRVT, types.OrderState{ClientID: "c-9", Status: types.StatusFilled, Filled: 1, Amount: 1})

	future := tr.Register(types.VenueGRVT, "", "c-9")
	st, ok := tr.Await(context.Background(), future, time.Second)
	if !ok || st.Status != types.StatusFilled {
		t.Fatalf("raced push lost: ok=%v st=%+v", ok, st)
	}
}
