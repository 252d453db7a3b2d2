// adapter.go wires the REST client and the public feed behind the uniform
// venue contract. Backpack exposes no private WebSocket in this deployment,
// so user-data subscriptions are served by polling the order endpoints and
// synthesizing lifecycle events for orders this process created.
package backpack

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

const userPollInterval = time.Second

// Adapter implements exchange.Adapter for Backpack.
type Adapter struct {
	client *Client
	feed   *Feed
	cfg    config.VenueConfig
	logger *slog.Logger

	balances *exchange.BalanceCache

	instrMu     sync.RWMutex
	instruments map[types.Symbol]types.Instrument

	runMu     sync.Mutex
	runCancel context.CancelFunc

	userMu   sync.Mutex
	userCbs  []exchange.OrderCallback
	watched  map[string]types.OrderState // orderID → last seen state
	pollOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

// NewAdapter builds the Backpack adapter from its venue config block.
func NewAdapter(cfg config.VenueConfig, dryRun bool, logger *slog.Logger) (*Adapter, error) {
	signer, err := NewSigner(cfg.APIKey, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("backpack signer: %w", err)
	}
	logger = logger.With("venue", types.VenueBackpack)

	a := &Adapter{
		client:      NewClient(cfg.RESTBaseURL, signer, dryRun, logger),
		cfg:         cfg,
		logger:      logger,
		instruments: make(map[types.Symbol]types.Instrument),
		watched:     make(map[string]types.OrderState),
		done:        make(chan struct{}),
	}
	if cfg.EnableWebsocket {
		a.feed = NewFeed(cfg.WSPublicURL, logger)
	}
	a.balances = exchange.NewBalanceCache(func(ctx context.Context) ([]types.Balance, error) {
		return a.client.GetCapital(ctx)
	}, 30*time.Second)
	return a, nil
}

func (a *Adapter) Venue() types.Venue { return types.VenueBackpack }

// SeedInstruments primes the descriptor cache, normally from the disk store,
// so a venue outage at startup does not block connecting.
func (a *Adapter) SeedInstruments(list []types.Instrument) {
	a.instrMu.Lock()
	for _, in := range list {
		if in.Venue == types.VenueBackpack {
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

// Connect loads instrument metadata and starts the market feed. A metadata
// fetch failure is tolerated when seeded descriptors exist.
func (a *Adapter) Connect(ctx context.Context) error {
	list, err := a.client.GetMarkets(ctx)
	if err != nil {
		a.instrMu.RLock()
		seeded := len(a.instruments)
		a.instrMu.RUnlock()
		if seeded == 0 {
			return fmt.Errorf("backpack connect: %w", err)
		}
		a.logger.Warn("instrument fetch failed, using seeded metadata", "error", err)
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
	a.logger.Info("connected", "instruments", len(a.instruments))
	return nil
}

// Disconnect stops the feed and the user-data poller.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.done) })
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

// Authenticate verifies the key pair with a signed no-op query.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if _, err := a.client.GetCapital(ctx); err != nil {
		return fmt.Errorf("backpack authenticate: %w", err)
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
	return &types.ExchangeInfo{Venue: types.VenueBackpack, Instruments: a.CachedInstruments()}, nil
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

// Instrument returns the cached descriptor for symbol.
func (a *Adapter) Instrument(symbol types.Symbol) (*types.Instrument, error) {
	a.instrMu.RLock()
	in, ok := a.instruments[symbol]
	a.instrMu.RUnlock()
	if !ok {
		return nil, exchange.NewError(types.VenueBackpack, exchange.KindConsistency, 0,
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
	snap, err := a.client.GetDepth(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		if len(snap.Bids) > limit {
			snap.Bids = snap.Bids[:limit]
		}
		if len(snap.Asks) > limit {
			snap.Asks = snap.Asks[:limit]
		}
	}
	return snap, nil
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

// CreateOrder places an order and registers it with the user-data poller.
func (a *Adapter) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
	instr, err := a.Instrument(req.Symbol)
	if err != nil {
		return nil, err
	}
	st, err := a.client.ExecuteOrder(ctx, req, instr)
	if err != nil {
		return nil, err
	}
	if verr := st.Validate(); verr != nil {
		a.logger.Error("order state violates conservation, dropping fields", "error", verr)
		st.Remaining = st.Amount - st.Filled
	}
	a.watchOrder(*st)
	return st, nil
}

// CancelOrder is idempotent: cancelling an order that already reached a
// terminal state returns that state instead of an error.
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

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	if symbol != "" {
		return a.client.CancelOpenOrders(ctx, symbol)
	}
	// No venue-wide endpoint: list and cancel one by one.
	return exchange.CancelAllWithFallback(ctx, "", a.GetOpenOrders, a.CancelOrder)
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	return exchange.ResolveOrder(ctx, orderID, symbol, a.client.GetOrder,
		func(ctx context.Context, sym types.Symbol, _ time.Time, limit int) ([]types.OrderState, error) {
			return a.client.GetOrderHistory(ctx, sym, limit)
		})
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	return a.client.GetOpenOrders(ctx, symbol)
}

func (a *Adapter) GetOrderHistory(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.OrderState, error) {
	return a.client.GetOrderHistory(ctx, symbol, limit)
}

func (a *Adapter) SubscribeTicker(ctx context.Context, symbol types.Symbol, cb exchange.TickerCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueBackpack, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeTicker(symbol, cb)
}

func (a *Adapter) SubscribeOrderBook(ctx context.Context, symbol types.Symbol, cb exchange.BookCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueBackpack, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeBook(symbol, cb)
}

func (a *Adapter) SubscribeTrades(ctx context.Context, symbol types.Symbol, cb exchange.TradeCallback) error {
	if a.feed == nil {
		return exchange.NewError(types.VenueBackpack, exchange.KindConsistency, 0, "websocket disabled", nil)
	}
	return a.feed.SubscribeTrades(symbol, cb)
}

// SubscribeUserData registers cb for order lifecycle events. Events come
// from the polling loop, which starts with the first subscriber.
func (a *Adapter) SubscribeUserData(ctx context.Context, cb exchange.OrderCallback) error {
	a.userMu.Lock()
	a.userCbs = append(a.userCbs, cb)
	a.userMu.Unlock()

	a.pollOnce.Do(func() {
		go a.pollUserData()
	})
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbol types.Symbol) error {
	if a.feed == nil {
		return nil
	}
	return a.feed.Unsubscribe(symbol)
}

// watchOrder adds an order to the poll set when user-data consumers exist.
func (a *Adapter) watchOrder(st types.OrderState) {
	a.userMu.Lock()
	defer a.userMu.Unlock()
	if len(a.userCbs) == 0 || st.OrderID == "" || st.OrderID == "dry-run" {
		return
	}
	if st.Status.Terminal() {
		for _, cb := range a.userCbs {
			go cb(st)
		}
		return
	}
	a.watched[st.OrderID] = st
}

// pollUserData polls watched orders and emits lifecycle transitions. Reads
// that would move a status backwards (late, out-of-order) are skipped.
func (a *Adapter) pollUserData() {
	ticker := time.NewTicker(userPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		a.userMu.Lock()
		pending := make([]types.OrderState, 0, len(a.watched))
		for _, st := range a.watched {
			pending = append(pending, st)
		}
		a.userMu.Unlock()

		for _, prev := range pending {
			st, err := a.GetOrder(ctx, prev.OrderID, prev.Symbol)
			if err != nil {
				continue
			}
			if st.Status == prev.Status && st.Filled == prev.Filled {
				continue
			}
			if !prev.Status.CanTransition(st.Status) {
				continue
			}

			a.userMu.Lock()
			if st.Status.Terminal() {
				delete(a.watched, prev.OrderID)
			} else {
				a.watched[prev.OrderID] = *st
			}
			cbs := make([]exchange.OrderCallback, len(a.userCbs))
			copy(cbs, a.userCbs)
			a.userMu.Unlock()

			for _, cb := range cbs {
				cb(*st)
			}
		}
		cancel()
	}
}
