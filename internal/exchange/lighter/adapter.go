// adapter.go wires the REST client and the token-authenticated feed behind
// the uniform venue contract. Lighter is the only venue with a native batch
// path, so this adapter also implements exchange.BatchSubmitter.
package lighter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// Adapter implements exchange.Adapter and exchange.BatchSubmitter.
type Adapter struct {
	client *Client
	feed   *Feed
	cfg    config.VenueConfig
	logger *slog.Logger
	dryRun bool

	balances *exchange.BalanceCache

	instrMu     sync.RWMutex
	instruments map[types.Symbol]types.Instrument

	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// NewAdapter builds the Lighter adapter from its venue config block.
func NewAdapter(cfg config.VenueConfig, dryRun bool, logger *slog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("lighter: api key and secret required")
	}
	logger = logger.With("venue", types.VenueLighter)

	a := &Adapter{
		client:      NewClient(cfg.RESTBaseURL, cfg.APIKey, cfg.APISecret, dryRun, logger),
		cfg:         cfg,
		logger:      logger,
		dryRun:      dryRun,
		instruments: make(map[types.Symbol]types.Instrument),
	}
	if cfg.EnableWebsocket {
		a.feed = NewFeed(cfg.WSPublicURL, a.client.WSToken, logger)
	}
	a.balances = exchange.NewBalanceCache(func(ctx context.Context) ([]types.Balance, error) {
		bals, _, err := a.client.GetAccount(ctx)
		return bals, err
	}, 30*time.Second)
	return a, nil
}

func (a *Adapter) Venue() types.Venue { return types.VenueLighter }

// SeedInstruments primes the descriptor cache from the disk store.
func (a *Adapter) SeedInstruments(list []types.Instrument) {
	a.instrMu.Lock()
	for _, in := range list {
		if in.Venue == types.VenueLighter {
			a.instruments[in.Symbol] = in
		}
	}
	a.instrMu.Unlock()
}

// CachedInstruments returns a copy of the descriptor cache for persisting.
func (a *Adapter) CachedInstruments() []types.Instrument {
	a.instrMu.RLock()
	defer a.instrMu.RUnlock()
	out := make([]types.Instrument, 0, len(a.instruments))
	for _, in := range a.instruments {
		out = append(out, in)
	}
	return out
}

// Connect loads market metadata and starts the feed. A metadata fetch failure
// is tolerated when seeded descriptors exist.
func (a *Adapter) Connect(ctx context.Context) error {
	list, err := a.client.GetMarkets(ctx)
	if err != nil {
		a.instrMu.RLock()
		seeded := len(a.instruments)
		a.instrMu.RUnlock()
		if seeded == 0 {
			return fmt.Errorf("lighter connect: %w", err)
		}
		a.logger.Warn("market fetch failed, using seeded metadata", "error", err)
	} else {
		a.instrMu.Lock()
		for _, in := range list {
			a.instruments[in.Symbol] = in
		}
		a.instrMu.Unlock()
	}

	if a.feed != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		a.runMu.Lock()
		a.runCancel = cancel
		a.runMu.Unlock()
		go func() {
			if err := a.feed.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("feed stopped", "error", err)
			}
		}()
	}
	a.logger.Info("connected", "markets", len(a.instruments))
	return nil
}

// Disconnect stops the feed.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.runMu.Lock()
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
	}
	a.runMu.Unlock()
	if a.feed != nil {
		return a.feed.Close()
	}
	return nil
}

// Authenticate verifies the key pair by fetching a WebSocket token.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if _, err := a.client.WSToken(ctx); err != nil {
		return fmt.Errorf("lighter authenticate: %w", err)
	}
	return nil
}

// HealthCheck issues a cheap public query under a short deadline.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.GetMarkets(ctx)
	return err
}

func (a *Adapter) GetExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	return &types.ExchangeInfo{Venue: types.VenueLighter, Instruments: a.CachedInstruments()}, nil
}

func (a *Adapter) GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error) {
	a.instrMu.RLock()
	defer a.instrMu.RUnlock()
	out := make([]types.Symbol, 0, len(a.instruments))
	for s := range a.instruments {
		out = append(out, s)
	}
	return out, nil
}

func (a *Adapter) Instrument(symbol types.Symbol) (*types.Instrument, error) {
	a.instrMu.RLock()
	in, ok := a.instruments[symbol]
	a.instrMu.RUnlock()
	if !ok {
		return nil, exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0,
			fmt.Sprintf("no market metadata for %s", symbol), types.ErrBadSymbol)
	}
	return &in, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error) {
	return a.client.GetTicker(ctx, symbol)
}

func (a *Adapter) GetTickers(ctx context.Context, symbols []types.Symbol) ([]types.TickerSnapshot, error) {
	return a.client.GetTickers(ctx, symbols)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol types.Symbol, limit int) (*types.OrderBookSnapshot, error) {
	return a.client.GetBook(ctx, symbol, limit)
}

func (a *Adapter) GetOHLCV(ctx context.Context, symbol types.Symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error) {
	return a.client.GetCandles(ctx, symbol, timeframe, since, limit)
}

func (a *Adapter) GetTrades(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.Trade, error) {
	return a.client.GetTrades(ctx, symbol, limit)
}

func (a *Adapter) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	return a.balances.Get(ctx, forceRefresh)
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error) {
	_, rows, err := a.client.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	rows = exchange.FilterPositions(rows)
	if len(symbols) == 0 {
		return rows, nil
	}
	want := make(map[types.Symbol]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := rows[:0]
	for _, p := range rows {
		if want[p.Symbol] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
	instr, err := a.Instrument(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	st, err := a.client.CreateOrder(ctx, req, instr)
	if err != nil {
		return nil, err
	}
	if verr := st.Validate(); verr != nil {
		a.logger.Error("order state violates conservation, repairing remaining", "error", verr)
		st.Remaining = st.Amount - st.Filled
	}
	return st, nil
}

// CancelOrder is idempotent: cancelling a terminal order returns its state.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	st, err := a.client.CancelOrder(ctx, orderID, symbol)
	if err == nil {
		return st, nil
	}
	if exchange.IsNotFound(err) {
		return a.GetOrder(ctx, orderID, symbol)
	}
	return nil, err
}

// CancelAllOrders lists then cancels one by one; the venue endpoint reports
// only a count.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	return exchange.CancelAllWithFallback(ctx, symbol, a.GetOpenOrders, a.CancelOrder)
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	return exchange.ResolveOrder(ctx, orderID, symbol, a.client.GetOrder, a.client.GetOrderHistory)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	return a.client.GetOpenOrders(ctx, symbol)
}

func (a *Adapter) GetOrderHistory(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.OrderState, error) {
	return a.client.GetOrderHistory(ctx, symbol, since, limit)
}

func (a *Adapter) SubscribeTicker(ctx context.Context, symbol types.Symbol, cb exchange.TickerCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeTicker(symbol, cb)
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol types.Symbol, cb exchange.BookCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeBook(symbol, cb)
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol types.Symbol, cb exchange.TradeCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeTrades(symbol, cb)
}

// SubscribeUserData registers for order pushes; terminal orders invalidate the
// balance cache.
func (a *Adapter) SubscribeUserData(ctx context.Context, cb exchange.OrderCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeOrders(func(st types.OrderState) {
		if st.Status.Terminal() {
			a.balances.Invalidate()
		}
		cb(st)
	})
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbol types.Symbol) error {
	if a.feed == nil {
		return nil
	}
	return a.feed.Unsubscribe(symbol)
}

// SupportsBatchOrders reports whether the batch path is available.
func (a *Adapter) SupportsBatchOrders() bool { return a.feed != nil }

// SubmitBatchMarket enqueues up to two market legs atomically over the
// WebSocket. Legs without a client id get one assigned.
func (a *Adapter) SubmitBatchMarket(ctx context.Context, legs []exchange.BatchLeg, slippagePct float64) ([]exchange.BatchAck, error) {
	if a.feed == nil {
		return nil, exchange.NewError(types.VenueLighter, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	if a.dryRun {
		acks := make([]exchange.BatchAck, 0, len(legs))
		for _, leg := range legs {
			a.logger.Info("DRY-RUN: would batch-submit leg", "symbol", leg.Symbol, "side", leg.Side, "quantity", leg.Quantity)
			acks = append(acks, exchange.BatchAck{Symbol: leg.Symbol, OrderID: "dry-run", ClientID: leg.ClientID, Accepted: true})
		}
		return acks, nil
	}
	for i := range legs {
		if legs[i].ClientID == "" {
			legs[i].ClientID = uuid.NewString()
		}
	}
	return a.feed.SubmitBatchMarket(ctx, legs, slippagePct)
}
