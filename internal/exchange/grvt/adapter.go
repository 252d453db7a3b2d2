// adapter.go wires the session, signer, REST client and both WebSocket
// feeds behind the uniform venue contract.
package grvt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// Adapter implements exchange.Adapter for GRVT.
type Adapter struct {
	client  *Client
	session *Session
	public  *Feed
	private *Feed
	cfg     config.VenueConfig
	logger  *slog.Logger

	balances *exchange.BalanceCache

	instrMu     sync.RWMutex
	instruments map[types.Symbol]types.Instrument

	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// NewAdapter builds the GRVT adapter from its venue config block.
func NewAdapter(cfg config.VenueConfig, dryRun bool, logger *slog.Logger) (*Adapter, error) {
	signer, err := NewSigner(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("grvt signer: %w", err)
	}
	logger = logger.With("venue", types.VenueGRVT)
	session := NewSession(cfg.RESTBaseURL, cfg.APIKey)

	a := &Adapter{
		client:      NewClient(cfg.RESTBaseURL, cfg.MarketDataURL, cfg.SubAccountID, session, signer, dryRun, logger),
		session:     session,
		cfg:         cfg,
		logger:      logger,
		instruments: make(map[types.Symbol]types.Instrument),
	}
	if cfg.EnableWebsocket {
		a.public = NewPublicFeed(cfg.WSPublicURL, logger)
		a.private = NewPrivateFeed(cfg.WSPrivateURL, session, logger)
	}
	a.balances = exchange.NewBalanceCache(func(ctx context.Context) ([]types.Balance, error) {
		return a.client.GetBalances(ctx)
	}, 30*time.Second)
	return a, nil
}

func (a *Adapter) Venue() types.Venue { return types.VenueGRVT }

// SeedInstruments primes the descriptor cache from the disk store.
func (a *Adapter) SeedInstruments(list []types.Instrument) {
	a.instrMu.Lock()
	for _, in := range list {
		if in.Venue == types.VenueGRVT {
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

// Connect loads instrument metadata and starts both feeds. A metadata fetch
// failure is tolerated when seeded descriptors exist.
func (a *Adapter) Connect(ctx context.Context) error {
	list, err := a.client.GetInstruments(ctx)
	if err != nil {
		a.instrMu.RLock()
		seeded := len(a.instruments)
		a.instrMu.RUnlock()
		if seeded == 0 {
			return fmt.Errorf("grvt connect: %w", err)
		}
		a.logger.Warn("instrument fetch failed, using seeded metadata", "error", err)
	} else {
		a.instrMu.Lock()
		for _, in := range list {
			a.instruments[in.Symbol] = in
		}
		a.instrMu.Unlock()
	}

	if a.public != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		a.runMu.Lock()
		a.runCancel = cancel
		a.runMu.Unlock()
		for _, feed := range []*Feed{a.public, a.private} {
			feed := feed
			go func() {
				if err := feed.Run(runCtx); err != nil && runCtx.Err() == nil {
					a.logger.Error("feed stopped", "error", err)
				}
			}()
		}
	}
	a.logger.Info("connected", "instruments", len(a.instruments))
	return nil
}

// Disconnect stops both feeds.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.runMu.Lock()
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
	}
	a.runMu.Unlock()
	if a.public != nil {
		a.public.Close()
	}
	if a.private != nil {
		return a.private.Close()
	}
	return nil
}

// Authenticate performs the session-cookie exchange.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if _, err := a.session.Headers(ctx); err != nil {
		return fmt.Errorf("grvt authenticate: %w", err)
	}
	return nil
}

// HealthCheck issues a cheap public query under a short deadline.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.GetInstruments(ctx)
	return err
}

func (a *Adapter) GetExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	return &types.ExchangeInfo{Venue: types.VenueGRVT, Instruments: a.CachedInstruments()}, nil
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

// Instrument returns the cached descriptor for symbol. Missing metadata is a
// consistency error: signed payloads need the hash and decimals, so there is
// nothing sensible to guess.
func (a *Adapter) Instrument(symbol types.Symbol) (*types.Instrument, error) {
	a.instrMu.RLock()
	in, ok := a.instruments[symbol]
	a.instrMu.RUnlock()
	if !ok {
		return nil, exchange.NewError(types.VenueGRVT, exchange.KindConsistency, 0,
			fmt.Sprintf("no instrument metadata for %s", symbol), types.ErrBadSymbol)
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
	return a.client.GetKlines(ctx, symbol, timeframe, since, limit)
}

func (a *Adapter) GetTrades(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.Trade, error) {
	return a.client.GetTrades(ctx, symbol, limit)
}

func (a *Adapter) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	return a.balances.Get(ctx, forceRefresh)
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error) {
	rows, err := a.client.GetPositions(ctx)
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

// CancelAllOrders must return the cancelled orders, but the venue endpoint
// reports only a count, so it lists and cancels one by one.
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
	if a.public == nil {
		return exchange.NewError(types.VenueGRVT, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.public.SubscribeTicker(symbol, cb)
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol types.Symbol, cb exchange.BookCallback) error {
	if a.public == nil {
		return exchange.NewError(types.VenueGRVT, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.public.SubscribeBook(symbol, cb)
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol types.Symbol, cb exchange.TradeCallback) error {
	if a.public == nil {
		return exchange.NewError(types.VenueGRVT, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.public.SubscribeTrades(symbol, cb)
}

// SubscribeUserData layers order-state parsing over the private order
// stream; balance pushes also invalidate the cache.
func (a *Adapter) SubscribeUserData(ctx context.Context, cb exchange.OrderCallback) error {
	if a.private == nil {
		return exchange.NewError(types.VenueGRVT, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	if err := a.private.SubscribeOrders(ctx, func(st types.OrderState) {
		if st.Status.Terminal() {
			a.balances.Invalidate()
		}
		cb(st)
	}); err != nil {
		return err
	}
	return a.private.SubscribePositions(ctx, func(types.Position) {
		a.balances.Invalidate()
	})
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbol types.Symbol) error {
	if a.public == nil {
		return nil
	}
	if err := a.public.Unsubscribe(symbol); err != nil {
		return err
	}
	if symbol == "" && a.private != nil {
		return a.private.Unsubscribe(symbol)
	}
	return nil
}
