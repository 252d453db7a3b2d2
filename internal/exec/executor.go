package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/gates"
	"perp-arb/internal/metrics"
	"perp-arb/internal/quarantine"
	"perp-arb/pkg/types"
)

// repairSlippageMult scales the configured slippage band for repair orders.
// A repair must fill: the protective price is deliberately far through the
// market.
const repairSlippageMult = 50

// consecutiveSingleLegLimit quarantines a venue-symbol pair after this many
// repair-successes in a row.
const consecutiveSingleLegLimit = 3

// Outcome classifies one two-legged attempt.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailed             Outcome = "failed"
	OutcomeManualIntervention Outcome = "manual_intervention"
)

// Style selects the submission path.
type Style int

const (
	StyleMarket Style = iota // market both legs, batch path where supported
	StyleDualLimit           // rest both legs at top of book first
)

// Trade is one two-legged instruction from the scan loop.
type Trade struct {
	Symbol    types.Symbol
	BuyVenue  types.Venue
	SellVenue types.Venue
	BuyPrice  float64 // reference price for protective bands (buy venue ask)
	SellPrice float64 // reference price for protective bands (sell venue bid)
	Quantity  float64
	Action    gates.Action
	GridLevel string
	Style     Style
}

// reduceOnly reports whether legs carry the reduce-only flag: closing
// trades on derivative symbols only. Spot legs never reduce a position.
func (t Trade) reduceOnly() bool {
	return t.Action == gates.ActionClose && t.Symbol.Kind() != types.KindSpot
}

// Result is the tagged outcome of one attempt. DualLimitExpired marks the
// specific failure that arms the dual-limit backoff gate: both limit legs
// rested through the timeout without filling.
type Result struct {
	Outcome          Outcome
	Reason           string
	DualLimitExpired bool
	BuyLeg           *types.OrderState
	SellLeg          *types.OrderState
}

type legPlan struct {
	venue types.Venue
	side  types.Side
	price float64
}

type venueSymbol struct {
	venue  types.Venue
	symbol types.Symbol
}

// Executor submits and tracks two-legged trades.
type Executor struct {
	adapters map[types.Venue]exchange.Adapter
	tracker  *Tracker
	quar     *quarantine.Manager
	cfg      config.ExecutionConfig
	logger   *slog.Logger

	mu        sync.Mutex
	singleLeg map[venueSymbol]int
}

// NewExecutor builds the executor. Wire tracker.HandlePush into every
// adapter's user-data stream before calling Execute.
func NewExecutor(adapters map[types.Venue]exchange.Adapter, tracker *Tracker, quar *quarantine.Manager, cfg config.ExecutionConfig, logger *slog.Logger) *Executor {
	return &Executor{
		adapters:  adapters,
		tracker:   tracker,
		quar:      quar,
		cfg:       cfg,
		logger:    logger.With("component", "executor"),
		singleLeg: make(map[venueSymbol]int),
	}
}

// Execute runs one two-legged attempt and returns its tagged outcome.
func (e *Executor) Execute(ctx context.Context, trade Trade) Result {
	res := e.execute(ctx, trade)
	metrics.Trades.WithLabelValues(string(trade.Symbol), string(res.Outcome)).Inc()
	return res
}

func (e *Executor) execute(ctx context.Context, trade Trade) Result {
	buyPlan := legPlan{venue: trade.BuyVenue, side: types.BUY, price: trade.BuyPrice}
	sellPlan := legPlan{venue: trade.SellVenue, side: types.SELL, price: trade.SellPrice}

	limit := trade.Style == StyleDualLimit
	buySt, buyErr := e.submitLeg(ctx, trade, buyPlan, limit)
	sellSt, sellErr := e.submitLeg(ctx, trade, sellPlan, limit)

	if err := firstReduceOnly(buyErr, sellErr); err != nil {
		e.registerReduceOnly(trade)
		return Result{Outcome: OutcomeFailed, Reason: "reduce-only mode detected", BuyLeg: buySt, SellLeg: sellSt}
	}
	if buyErr != nil && sellErr != nil {
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("both submissions failed: %v; %v", buyErr, sellErr)}
	}

	timeout := e.waitTimeout(trade, limit)
	var buyFinal, sellFinal types.OrderState
	var buyFilled, sellFilled bool
	var wg sync.WaitGroup
	if buyErr == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buyFinal, buyFilled = e.waitLeg(ctx, buyPlan.venue, trade.Symbol, buySt, timeout)
		}()
	}
	if sellErr == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sellFinal, sellFilled = e.waitLeg(ctx, sellPlan.venue, trade.Symbol, sellSt, timeout)
		}()
	}
	wg.Wait()

	switch {
	case buyFilled && sellFilled:
		e.resetCounters(trade)
		e.logFillSummary(trade, &buyFinal, &sellFinal)
		return Result{Outcome: OutcomeSuccess, BuyLeg: &buyFinal, SellLeg: &sellFinal}

	case !buyFilled && !sellFilled:
		// Nothing happened; the orchestrator simply rescans. Expired
		// dual-limit legs additionally arm the per-symbol backoff.
		return Result{
			Outcome:          OutcomeFailed,
			Reason:           "no fills before timeout",
			DualLimitExpired: limit,
			BuyLeg:           &buyFinal,
			SellLeg:          &sellFinal,
		}

	case buyFilled:
		return e.repair(ctx, trade, sellPlan, buyFinal.Filled, &buyFinal, nil)

	default:
		return e.repair(ctx, trade, buyPlan, sellFinal.Filled, nil, &sellFinal)
	}
}

// submitLeg places one leg, preferring the venue's batch-market path for
// market legs when it exists.
func (e *Executor) submitLeg(ctx context.Context, trade Trade, plan legPlan, limit bool) (*types.OrderState, error) {
	adapter, ok := e.adapters[plan.venue]
	if !ok {
		return nil, fmt.Errorf("no adapter for venue %s", plan.venue)
	}
	reduceOnly := trade.reduceOnly()

	if !limit {
		if bs, ok := adapter.(exchange.BatchSubmitter); ok && bs.SupportsBatchOrders() {
			return e.submitBatchLeg(ctx, bs, trade, plan, reduceOnly)
		}
		return adapter.CreateOrder(ctx, types.OrderRequest{
			Symbol:     trade.Symbol,
			Side:       plan.side,
			Type:       types.OrderTypeMarket,
			Amount:     trade.Quantity,
			ReduceOnly: reduceOnly,
		})
	}
	return adapter.CreateOrder(ctx, types.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       plan.side,
		Type:       types.OrderTypeLimit,
		Price:      plan.price,
		Amount:     trade.Quantity,
		ReduceOnly: reduceOnly,
	})
}

func (e *Executor) submitBatchLeg(ctx context.Context, bs exchange.BatchSubmitter, trade Trade, plan legPlan, reduceOnly bool) (*types.OrderState, error) {
	acks, err := bs.SubmitBatchMarket(ctx, []exchange.BatchLeg{{
		Symbol:     trade.Symbol,
		Side:       plan.side,
		Quantity:   trade.Quantity,
		ReduceOnly: reduceOnly,
	}}, e.slippage(trade.Action))
	if err != nil {
		return nil, err
	}
	if len(acks) == 0 || !acks[0].Accepted {
		msg := "batch leg not accepted"
		if len(acks) > 0 && acks[0].Message != "" {
			msg = acks[0].Message
		}
		return nil, exchange.NewError(plan.venue, exchange.KindRejected, 0, msg, nil)
	}
	return &types.OrderState{
		OrderID:   acks[0].OrderID,
		ClientID:  acks[0].ClientID,
		Symbol:    trade.Symbol,
		Side:      plan.side,
		Type:      types.OrderTypeMarket,
		Amount:    trade.Quantity,
		Remaining: trade.Quantity,
		Status:    types.StatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// waitLeg waits for a terminal push, falling back to a direct order query on
// timeout. Unfilled resting orders are cancelled before reporting.
func (e *Executor) waitLeg(ctx context.Context, venue types.Venue, symbol types.Symbol, submitted *types.OrderState, timeout time.Duration) (types.OrderState, bool) {
	if submitted == nil {
		return types.OrderState{}, false
	}
	if submitted.Status.Terminal() {
		return *submitted, submitted.FilledMeaningfully()
	}
	future := e.tracker.Register(venue, submitted.OrderID, submitted.ClientID)
	defer e.tracker.Release(venue, submitted.OrderID, submitted.ClientID)

	if st, ok := e.tracker.Await(ctx, future, timeout); ok {
		return st, st.FilledMeaningfully()
	}

	// No push: query, then cancel whatever is still resting.
	adapter := e.adapters[venue]
	st, err := adapter.GetOrder(ctx, submitted.OrderID, symbol)
	if err != nil {
		e.logger.Warn("order lookup after timeout failed", "venue", venue, "order", submitted.OrderID, "error", err)
		return *submitted, false
	}
	if !st.Status.Terminal() {
		if cancelled, cerr := adapter.CancelOrder(ctx, st.OrderID, symbol); cerr == nil {
			st = cancelled
		}
	}
	return *st, st.FilledMeaningfully()
}

// repair re-submits the unfilled side for the filled quantity: two market
// attempts at the 50x protective band, then one aggressive IOC limit. The
// filled leg is never unwound.
func (e *Executor) repair(ctx context.Context, trade Trade, failed legPlan, filledQty float64, buyLeg, sellLeg *types.OrderState) Result {
	adapter := e.adapters[failed.venue]
	reduceOnly := trade.reduceOnly()
	protective := protectivePrice(failed.side, failed.price, e.slippage(trade.Action)*repairSlippageMult)
	timeout := e.waitTimeout(trade, false)

	e.logger.Warn("single-leg fill, repairing",
		"symbol", trade.Symbol, "venue", failed.venue, "side", failed.side, "quantity", filledQty)

	for attempt := 1; attempt <= 3; attempt++ {
		req := types.OrderRequest{
			Symbol:     trade.Symbol,
			Side:       failed.side,
			Amount:     filledQty,
			ReduceOnly: reduceOnly,
		}
		if attempt < 3 {
			req.Type = types.OrderTypeMarket
			req.Price = protective
		} else {
			req.Type = types.OrderTypeIOC
			req.Price = protective
		}

		st, err := adapter.CreateOrder(ctx, req)
		if err != nil {
			if exchange.IsReduceOnly(err) {
				e.registerReduceOnly(trade)
				return Result{Outcome: OutcomeFailed, Reason: "reduce-only mode detected", BuyLeg: buyLeg, SellLeg: sellLeg}
			}
			metrics.SingleLegRepairs.WithLabelValues(string(failed.venue), "error").Inc()
			e.logger.Warn("repair submission failed", "attempt", attempt, "error", err)
			continue
		}
		final, filled := e.waitLeg(ctx, failed.venue, trade.Symbol, st, timeout)
		if !filled {
			metrics.SingleLegRepairs.WithLabelValues(string(failed.venue), "unfilled").Inc()
			e.logger.Warn("repair attempt unfilled", "attempt", attempt, "order", st.OrderID)
			continue
		}

		metrics.SingleLegRepairs.WithLabelValues(string(failed.venue), "filled").Inc()
		if failed.side == types.BUY {
			buyLeg = &final
		} else {
			sellLeg = &final
		}
		e.logFillSummary(trade, buyLeg, sellLeg)
		e.bumpSingleLeg(trade, failed.venue)
		return Result{Outcome: OutcomeSuccess, BuyLeg: buyLeg, SellLeg: sellLeg}
	}

	e.quar.Defer(trade.Symbol, quarantine.ReasonManualIntervention, trade.GridLevel, trade.BuyVenue, trade.SellVenue)
	return Result{
		Outcome: OutcomeManualIntervention,
		Reason:  "all repair attempts failed",
		BuyLeg:  buyLeg,
		SellLeg: sellLeg,
	}
}

// bumpSingleLeg counts consecutive repair-successes per (venue, symbol) and
// quarantines at the limit. The current attempt still reports success.
func (e *Executor) bumpSingleLeg(trade Trade, venue types.Venue) {
	key := venueSymbol{venue: venue, symbol: trade.Symbol}
	e.mu.Lock()
	e.singleLeg[key]++
	count := e.singleLeg[key]
	if count >= consecutiveSingleLegLimit {
		e.singleLeg[key] = 0
	}
	e.mu.Unlock()

	if count >= consecutiveSingleLegLimit {
		e.quar.Defer(trade.Symbol, quarantine.ReasonConsecutiveSingleLeg, trade.GridLevel, trade.BuyVenue, trade.SellVenue)
	}
}

func (e *Executor) resetCounters(trade Trade) {
	e.mu.Lock()
	delete(e.singleLeg, venueSymbol{venue: trade.BuyVenue, symbol: trade.Symbol})
	delete(e.singleLeg, venueSymbol{venue: trade.SellVenue, symbol: trade.Symbol})
	e.mu.Unlock()
}

func (e *Executor) registerReduceOnly(trade Trade) {
	e.quar.RegisterReduceOnly(trade.Symbol, trade.GridLevel,
		quarantine.ProbeLeg{Venue: trade.BuyVenue, Symbol: trade.Symbol, Side: types.BUY},
		quarantine.ProbeLeg{Venue: trade.SellVenue, Symbol: trade.Symbol, Side: types.SELL},
	)
}

func (e *Executor) logFillSummary(trade Trade, buy, sell *types.OrderState) {
	attrs := []any{"symbol", trade.Symbol, "action", trade.Action, "quantity", trade.Quantity}
	if buy != nil {
		attrs = append(attrs, "buy_venue", trade.BuyVenue, "buy_filled", buy.Filled, "buy_avg", buy.Average)
	}
	if sell != nil {
		attrs = append(attrs, "sell_venue", trade.SellVenue, "sell_filled", sell.Filled, "sell_avg", sell.Average)
	}
	e.logger.Info("trade filled", attrs...)
}

// waitTimeout resolves the fill-wait deadline, honoring the Lighter batch
// override when one leg routes there.
func (e *Executor) waitTimeout(trade Trade, limit bool) time.Duration {
	if limit && e.cfg.LimitOrderTimeout > 0 {
		return e.cfg.LimitOrderTimeout
	}
	timeout := e.cfg.MarketOrderTimeout
	if e.cfg.LighterMarketOrderTimeout > 0 &&
		(trade.BuyVenue == types.VenueLighter || trade.SellVenue == types.VenueLighter) {
		if e.cfg.LighterMarketOrderTimeout < timeout {
			timeout = e.cfg.LighterMarketOrderTimeout
		}
	}
	return timeout
}

func (e *Executor) slippage(action gates.Action) float64 {
	if action == gates.ActionClose {
		return e.cfg.SlippageClosePct
	}
	return e.cfg.SlippageOpenPct
}

// protectivePrice computes the worst acceptable price for a repair order:
// through the market by slippagePct on the taking side.
func protectivePrice(side types.Side, ref, slippagePct float64) float64 {
	if ref <= 0 {
		return 0
	}
	if side == types.BUY {
		return ref * (1 + slippagePct/100)
	}
	return ref * (1 - slippagePct/100)
}

func firstReduceOnly(errs ...error) error {
	for _, err := range errs {
		if err != nil && exchange.IsReduceOnly(err) {
			return err
		}
	}
	return nil
}
