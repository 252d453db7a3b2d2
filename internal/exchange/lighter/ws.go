// ws.go implements the Lighter WebSocket client.
//
// The venue uses a unified-callback pattern: one handler per feed kind is
// registered once, and further symbols are added by sending subscribe frames
// only (the facade passes a nil callback for those). Channels are
// "order_book/<MKT>", "market_stats/<MKT>", "trade/<MKT>" publicly and
// "account_orders" / "account_all" privately; the connection authenticates
// with a short-lived token fetched over REST and supplied as a query
// parameter on dial.
//
// The same socket carries the batch-submit path: a "jsonapi/sendbatchtx"
// request enqueues up to two market orders atomically and answers with
// per-leg acknowledgments. Fills never arrive on the response; they come
// through the account_orders stream like any other order.
package lighter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	batchTxType      = "jsonapi/sendbatchtx"
)

var errNotConnected = errors.New("websocket not connected")

// TokenFunc fetches a fresh auth token; called on every (re)connect because
// tokens are short-lived.
type TokenFunc func(ctx context.Context) (string, error)

// Feed manages the Lighter WebSocket connection.
type Feed struct {
	url    string
	token  TokenFunc
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	nextID int

	subMu      sync.RWMutex
	subscribed map[string]bool // channel names

	// Unified handlers: one per feed kind, set by the first subscriber.
	cbMu         sync.RWMutex
	tickerHandler exchange.TickerCallback
	bookHandler   exchange.BookCallback
	tradeHandler  exchange.TradeCallback
	orderHandlers []exchange.OrderCallback

	// In-flight request/response correlation for batch submits.
	pendMu  sync.Mutex
	pending map[int]chan []byte
}

// NewFeed creates the feed. token is invoked on each connect.
func NewFeed(wsURL string, token TokenFunc, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		token:      token,
		logger:     logger.With("component", "lighter_ws"),
		subscribed: make(map[string]bool),
		pending:    make(map[int]chan []byte),
	}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// SubscribeTicker adds a market-stats subscription. The first non-nil cb
// becomes the unified ticker handler; subsequent symbols pass nil.
func (f *Feed) SubscribeTicker(symbol types.Symbol, cb exchange.TickerCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	if cb != nil {
		f.cbMu.Lock()
		if f.tickerHandler == nil {
			f.tickerHandler = cb
		}
		f.cbMu.Unlock()
	}
	return f.subscribe("market_stats/" + vs)
}

// SubscribeBook adds an order-book subscription, unified-handler style.
func (f *Feed) SubscribeBook(symbol types.Symbol, cb exchange.BookCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	if cb != nil {
		f.cbMu.Lock()
		if f.bookHandler == nil {
			f.bookHandler = cb
		}
		f.cbMu.Unlock()
	}
	return f.subscribe("order_book/" + vs)
}

// SubscribeTrades adds a trade-print subscription, unified-handler style.
func (f *Feed) SubscribeTrades(symbol types.Symbol, cb exchange.TradeCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	if cb != nil {
		f.cbMu.Lock()
		if f.tradeHandler == nil {
			f.tradeHandler = cb
		}
		f.cbMu.Unlock()
	}
	return f.subscribe("trade/" + vs)
}

// SubscribeOrders registers cb for account order pushes.
func (f *Feed) SubscribeOrders(cb exchange.OrderCallback) error {
	f.cbMu.Lock()
	f.orderHandlers = append(f.orderHandlers, cb)
	f.cbMu.Unlock()
	return f.subscribe("account_orders")
}

// Unsubscribe drops a symbol's channels, or everything when symbol is empty.
func (f *Feed) Unsubscribe(symbol types.Symbol) error {
	var drop []string

	f.subMu.Lock()
	if symbol == "" {
		for ch := range f.subscribed {
			drop = append(drop, ch)
		}
		f.subscribed = make(map[string]bool)
	} else {
		vs, err := ToVenue(symbol)
		if err != nil {
			f.subMu.Unlock()
			return err
		}
		for _, prefix := range []string{"order_book/", "market_stats/", "trade/"} {
			ch := prefix + vs
			if f.subscribed[ch] {
				drop = append(drop, ch)
				delete(f.subscribed, ch)
			}
		}
	}
	f.subMu.Unlock()

	if symbol == "" {
		f.cbMu.Lock()
		f.tickerHandler = nil
		f.bookHandler = nil
		f.tradeHandler = nil
		f.orderHandlers = nil
		f.cbMu.Unlock()
	}

	for _, ch := range drop {
		if err := f.writeFrame(map[string]any{"type": "unsubscribe", "channel": ch}); err != nil && !errors.Is(err, errNotConnected) {
			return err
		}
	}
	return nil
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// SubmitBatchMarket enqueues up to two market orders atomically and returns
// the per-leg acknowledgments. The server only acknowledges enqueueing;
// fills arrive on the order stream.
func (f *Feed) SubmitBatchMarket(ctx context.Context, legs []exchange.BatchLeg, slippagePct float64) ([]exchange.BatchAck, error) {
	if len(legs) == 0 || len(legs) > 2 {
		return nil, fmt.Errorf("lighter batch: need 1 or 2 legs, got %d", len(legs))
	}

	orders := make([]map[string]any, 0, len(legs))
	for _, leg := range legs {
		vs, err := ToVenue(leg.Symbol)
		if err != nil {
			return nil, err
		}
		orders = append(orders, map[string]any{
			"market":          vs,
			"side":            sideToVenue(leg.Side),
			"base_amount":     fmt.Sprintf("%v", leg.Quantity),
			"reduce_only":     leg.ReduceOnly,
			"client_order_id": leg.ClientID,
		})
	}

	respCh := make(chan []byte, 1)
	f.pendMu.Lock()
	f.nextID++
	id := f.nextID
	f.pending[id] = respCh
	f.pendMu.Unlock()
	defer func() {
		f.pendMu.Lock()
		delete(f.pending, id)
		f.pendMu.Unlock()
	}()

	frame := map[string]any{
		"type": batchTxType,
		"id":   id,
		"data": map[string]any{
			"orders":           orders,
			"slippage_percent": slippagePct,
		},
	}
	if err := f.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("lighter batch: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case raw := <-respCh:
		var resp struct {
			Results []struct {
				Market        string `json:"market"`
				OrderID       string `json:"order_id"`
				ClientOrderID string `json:"client_order_id"`
				Accepted      bool   `json:"accepted"`
				Message       string `json:"message"`
			} `json:"results"`
		}
		if err := jsonFast.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("lighter batch: decode response: %w", err)
		}
		acks := make([]exchange.BatchAck, 0, len(resp.Results))
		for _, r := range resp.Results {
			sym, err := FromVenue(r.Market)
			if err != nil {
				continue
			}
			acks = append(acks, exchange.BatchAck{
				Symbol:   sym,
				OrderID:  r.OrderID,
				ClientID: r.ClientOrderID,
				Accepted: r.Accepted,
				Message:  r.Message,
			})
		}
		return acks, nil
	}
}

func (f *Feed) subscribe(channel string) error {
	f.subMu.Lock()
	fresh := !f.subscribed[channel]
	f.subscribed[channel] = true
	f.subMu.Unlock()

	if !fresh {
		return nil
	}
	err := f.writeFrame(map[string]any{"type": "subscribe", "channel": channel})
	if errors.Is(err, errNotConnected) {
		return nil // applied on connect
	}
	return err
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	token, err := f.token(ctx)
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url+"?token="+token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	f.logger.Info("websocket connected", "channels", f.subscriptionCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

// resubscribe re-applies the tracked channel set on (re)connect.
func (f *Feed) resubscribe() error {
	f.subMu.RLock()
	channels := make([]string, 0, len(f.subscribed))
	for ch := range f.subscribed {
		channels = append(channels, ch)
	}
	f.subMu.RUnlock()

	for _, ch := range channels {
		if err := f.writeFrame(map[string]any{"type": "subscribe", "channel": ch}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) subscriptionCount() int {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	return len(f.subscribed)
}

func (f *Feed) dispatchMessage(data []byte) {
	var frame struct {
		Type    string              `json:"type"`
		ID      int                 `json:"id"`
		Channel string              `json:"channel"`
		Data    jsoniter.RawMessage `json:"data"`
	}
	if err := jsonFast.Unmarshal(data, &frame); err != nil {
		return
	}

	// Request/response frames are correlated by id.
	if frame.Type == batchTxType && frame.ID != 0 {
		f.pendMu.Lock()
		ch, ok := f.pending[frame.ID]
		f.pendMu.Unlock()
		if ok {
			select {
			case ch <- []byte(frame.Data):
			default:
			}
		}
		return
	}
	if frame.Channel == "" {
		return // subscription acks, pongs
	}

	switch {
	case strings.HasPrefix(frame.Channel, "order_book/"):
		sym, err := FromVenue(strings.TrimPrefix(frame.Channel, "order_book/"))
		if err != nil {
			return
		}
		var book wireBook
		if err := jsonFast.Unmarshal(frame.Data, &book); err != nil {
			f.logger.Error("unmarshal book push", "error", err)
			return
		}
		top := book.toSnapshot(sym).Top()
		f.cbMu.RLock()
		h := f.bookHandler
		f.cbMu.RUnlock()
		if h != nil {
			h(top)
		}

	case strings.HasPrefix(frame.Channel, "market_stats/"):
		var details wireMarketDetails
		if err := jsonFast.Unmarshal(frame.Data, &details); err != nil {
			f.logger.Error("unmarshal market stats", "error", err)
			return
		}
		if details.Symbol == "" {
			details.Symbol = strings.TrimPrefix(frame.Channel, "market_stats/")
		}
		snap, err := details.toSnapshot()
		if err != nil {
			return
		}
		f.cbMu.RLock()
		h := f.tickerHandler
		f.cbMu.RUnlock()
		if h != nil {
			h(snap)
		}

	case strings.HasPrefix(frame.Channel, "trade/"):
		sym, err := FromVenue(strings.TrimPrefix(frame.Channel, "trade/"))
		if err != nil {
			return
		}
		var t wireTrade
		if err := jsonFast.Unmarshal(frame.Data, &t); err != nil {
			f.logger.Error("unmarshal trade push", "error", err)
			return
		}
		side := types.SELL
		if t.IsMakerAsk {
			side = types.BUY
		}
		f.cbMu.RLock()
		h := f.tradeHandler
		f.cbMu.RUnlock()
		if h != nil {
			h(types.Trade{
				ID: fmt.Sprintf("%d", t.TradeID), Symbol: sym, Side: side,
				Price: parseF(t.Price), Size: parseF(t.Size), Time: time.UnixMilli(t.TimeMs),
			})
		}

	case frame.Channel == "account_orders":
		var w wireOrder
		if err := jsonFast.Unmarshal(frame.Data, &w); err != nil {
			f.logger.Error("unmarshal order push", "error", err)
			return
		}
		st, err := w.toOrderState()
		if err != nil {
			return
		}
		f.cbMu.RLock()
		cbs := make([]exchange.OrderCallback, len(f.orderHandlers))
		copy(cbs, f.orderHandlers)
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(st)
		}

	default:
		f.logger.Debug("unknown channel", "channel", frame.Channel)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeFrame(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
