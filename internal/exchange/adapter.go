// Package exchange defines the uniform venue contract and the helpers shared
// by all venue implementations: the error taxonomy, rate limiting, balance
// caching, and the cancel/lookup fallbacks venues with thin APIs need.
//
// A venue implementation lives in its own subpackage (backpack, grvt,
// lighter) and wires a REST client, a WebSocket client, and a symbol
// translator behind the Adapter interface. Adding a venue never touches the
// orchestrator, aggregator, or executor.
package exchange

import (
	"context"
	"time"

	"perp-arb/pkg/types"
)

// Callback signatures for push subscriptions. One canonical signature per
// subscription kind; adapters convert venue payloads before invoking.
type (
	TickerCallback func(types.TickerSnapshot)
	BookCallback   func(types.BookTop)
	TradeCallback  func(types.Trade)
	OrderCallback  func(types.OrderState)
)

// Adapter is the uniform contract over one venue. All methods are safe for
// concurrent use. Private calls require Authenticate to have succeeded;
// push subscriptions require Connect.
type Adapter interface {
	Venue() types.Venue

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Market data.
	GetExchangeInfo(ctx context.Context) (*types.ExchangeInfo, error)
	GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error)
	Instrument(symbol types.Symbol) (*types.Instrument, error)
	GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error)
	GetTickers(ctx context.Context, symbols []types.Symbol) ([]types.TickerSnapshot, error)
	GetOrderBook(ctx context.Context, symbol types.Symbol, limit int) (*types.OrderBookSnapshot, error)
	GetOHLCV(ctx context.Context, symbol types.Symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error)
	GetTrades(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.Trade, error)

	// Account.
	GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error)
	GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error)

	// Orders. CancelOrder is idempotent: cancelling an already-terminal
	// order returns its terminal state, not an error. CancelAllOrders
	// always returns the cancelled orders, falling back to list+cancel
	// when the venue endpoint reports only a count.
	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error)
	CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error)
	CancelAllOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error)
	GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error)
	GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error)
	GetOrderHistory(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.OrderState, error)

	// Push subscriptions. An empty symbol to Unsubscribe drops everything.
	SubscribeTicker(ctx context.Context, symbol types.Symbol, cb TickerCallback) error
	SubscribeOrderBook(ctx context.Context, symbol types.Symbol, cb BookCallback) error
	SubscribeTrades(ctx context.Context, symbol types.Symbol, cb TradeCallback) error
	SubscribeUserData(ctx context.Context, cb OrderCallback) error
	Unsubscribe(ctx context.Context, symbol types.Symbol) error
}

// BatchLeg is one leg of a batched market submission.
type BatchLeg struct {
	Symbol     types.Symbol
	Side       types.Side
	Quantity   float64
	ReduceOnly bool
	ClientID   string
}

// BatchAck is the per-leg acknowledgment returned by a batch submit. Venues
// acknowledge enqueueing only; fills arrive on the order push stream.
type BatchAck struct {
	Symbol   types.Symbol
	OrderID  string
	ClientID string
	Accepted bool
	Message  string
}

// BatchSubmitter is implemented by venues that can enqueue a two-leg market
// order pair atomically over their WebSocket. The executor prefers this path
// when both legs route to such a venue.
type BatchSubmitter interface {
	SupportsBatchOrders() bool
	SubmitBatchMarket(ctx context.Context, legs []BatchLeg, slippagePct float64) ([]BatchAck, error)
}
