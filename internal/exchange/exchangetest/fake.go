// Package exchangetest provides a scriptable Adapter double for executor,
// prober and engine tests. Every method delegates to an optional hook; the
// zero value answers benignly.
package exchangetest

import (
	"context"
	"sync"
	"time"

	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// Fake implements exchange.Adapter and exchange.BatchSubmitter with
// per-method hooks. Calls are recorded for assertion.
type Fake struct {
	Name types.Venue

	CreateOrderFn  func(ctx context.Context, req types.OrderRequest) (*types.OrderState, error)
	CancelOrderFn  func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error)
	GetOrderFn     func(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error)
	BatchFn        func(ctx context.Context, legs []exchange.BatchLeg, slippagePct float64) ([]exchange.BatchAck, error)
	ConnectFn      func(ctx context.Context) error
	DisconnectFn   func(ctx context.Context) error
	HealthCheckFn  func(ctx context.Context) error
	SubscribeBooks func(ctx context.Context, symbol types.Symbol, cb exchange.BookCallback) error

	mu      sync.Mutex
	created []types.OrderRequest
	userCBs []exchange.OrderCallback

	Connects    int
	Disconnects int
	Subscribed  []types.Symbol
}

var _ exchange.Adapter = (*Fake)(nil)

func (f *Fake) Venue() types.Venue { return f.Name }

// Created returns a copy of every order request seen so far.
func (f *Fake) Created() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OrderRequest(nil), f.created...)
}

// PushOrder delivers an order update to every user-data subscriber, the way
// a venue order stream would.
func (f *Fake) PushOrder(st types.OrderState) {
	f.mu.Lock()
	cbs := append([]exchange.OrderCallback(nil), f.userCBs...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.Connects++
	f.mu.Unlock()
	if f.ConnectFn != nil {
		return f.ConnectFn(ctx)
	}
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.Disconnects++
	f.mu.Unlock()
	if f.DisconnectFn != nil {
		return f.DisconnectFn(ctx)
	}
	return nil
}

func (f *Fake) Authenticate(ctx context.Context) error { return nil }

func (f *Fake) HealthCheck(ctx context.Context) error {
	if f.HealthCheckFn != nil {
		return f.HealthCheckFn(ctx)
	}
	return nil
}

func (f *Fake) GetExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error) {
	return &types.ExchangeInfo{Venue: f.Name}, nil
}

func (f *Fake) GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error) { return nil, nil }

func (f *Fake) Instrument(symbol types.Symbol) (*types.Instrument, error) {
	return &types.Instrument{Symbol: symbol, Venue: f.Name, TickSize: 0.1, StepSize: 0.001, Multiplier: 1}, nil
}

func (f *Fake) GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error) {
	return &types.TickerSnapshot{Symbol: symbol}, nil
}

func (f *Fake) GetTickers(ctx context.Context, symbols []types.Symbol) ([]types.TickerSnapshot, error) {
	return nil, nil
}

func (f *Fake) GetOrderBook(ctx context.Context, symbol types.Symbol, limit int) (*types.OrderBookSnapshot, error) {
	return &types.OrderBookSnapshot{Symbol: symbol}, nil
}

func (f *Fake) GetOHLCV(ctx context.Context, symbol types.Symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error) {
	return nil, nil
}

func (f *Fake) GetTrades(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.Trade, error) {
	return nil, nil
}

func (f *Fake) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	return nil, nil
}

func (f *Fake) GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error) {
	return nil, nil
}

func (f *Fake) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	if f.CreateOrderFn != nil {
		return f.CreateOrderFn(ctx, req)
	}
	return &types.OrderState{
		OrderID: "fake-1", ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Type: req.Type, Amount: req.Amount, Remaining: req.Amount,
		Status: types.StatusOpen, CreatedAt: time.Now(),
	}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	if f.CancelOrderFn != nil {
		return f.CancelOrderFn(ctx, orderID, symbol)
	}
	return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled}, nil
}

func (f *Fake) CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	return nil, nil
}

func (f *Fake) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	if f.GetOrderFn != nil {
		return f.GetOrderFn(ctx, orderID, symbol)
	}
	return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusOpen}, nil
}

func (f *Fake) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	return nil, nil
}

func (f *Fake) GetOrderHistory(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.OrderState, error) {
	return nil, nil
}

func (f *Fake) SubscribeTicker(ctx context.Context, symbol types.Symbol, cb exchange.TickerCallback) error {
	return nil
}

func (f *Fake) SubscribeOrderBook(ctx context.Context, symbol types.Symbol, cb exchange.BookCallback) error {
	f.mu.Lock()
	f.Subscribed = append(f.Subscribed, symbol)
	f.mu.Unlock()
	if f.SubscribeBooks != nil {
		return f.SubscribeBooks(ctx, symbol, cb)
	}
	return nil
}

func (f *Fake) SubscribeTrades(ctx context.Context, symbol types.Symbol, cb exchange.TradeCallback) error {
	return nil
}

func (f *Fake) SubscribeUserData(ctx context.Context, cb exchange.OrderCallback) error {
	f.mu.Lock()
	f.userCBs = append(f.userCBs, cb)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Unsubscribe(ctx context.Context, symbol types.Symbol) error { return nil }

// SupportsBatchOrders reports true when a batch hook is installed.
func (f *Fake) SupportsBatchOrders() bool { return f.BatchFn != nil }

func (f *Fake) SubmitBatchMarket(ctx context.Context, legs []exchange.BatchLeg, slippagePct float64) ([]exchange.BatchAck, error) {
	if f.BatchFn != nil {
		return f.BatchFn(ctx, legs, slippagePct)
	}
	return nil, nil
}
