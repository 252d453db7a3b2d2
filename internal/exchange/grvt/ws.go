// ws.go implements the GRVT WebSocket feeds.
//
// Subscribe and unsubscribe are JSON-RPC:
//
//	{"jsonrpc":"2.0","method":"subscribe","params":{"stream":..., "selectors":[...]},"id":N}
//
// but data frames are not JSON-RPC; they carry
// {stream, selector, sequence_number, feed}. Public selectors encode the
// instrument and rate ("BTC_USDT_Perp@500", "BTC_USDT_Perp@500-10" for
// depth); private selectors encode the sub-account id ("<sub>-all" for all
// orders, "<sub>" for positions). The private connection sends the session
// cookie and account-id as HTTP upgrade headers.
//
// Each feed tracks its (stream, selector) subscription set and re-applies it
// byte-identically after reconnecting with exponential backoff (1s → 30s).
package grvt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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

	streamTicker    = "ticker.s"
	streamBook      = "book.s"
	streamTrade     = "trade.s"
	streamOrder     = "order"
	streamPosition  = "position"
	defaultRateMs   = 500
	defaultWsDepth  = 10
)

var errNotConnected = errors.New("websocket not connected")

type subKey struct {
	stream   string
	selector string
}

// Feed manages one GRVT WebSocket connection, public or private. Private
// feeds attach the session's cookie and account-id headers on upgrade.
type Feed struct {
	url     string
	session *Session // nil for the public feed
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	nextID int

	subMu      sync.RWMutex
	subscribed map[subKey]bool

	cbMu       sync.RWMutex
	tickerSubs map[types.Symbol][]exchange.TickerCallback
	bookSubs   map[types.Symbol][]exchange.BookCallback
	tradeSubs  map[types.Symbol][]exchange.TradeCallback
	orderSubs  []exchange.OrderCallback
	posSubs    []func(types.Position)
}

// NewPublicFeed creates the market-data feed.
func NewPublicFeed(wsURL string, logger *slog.Logger) *Feed {
	return newFeed(wsURL, nil, logger.With("component", "grvt_ws"))
}

// NewPrivateFeed creates the trading feed, authenticated via session.
func NewPrivateFeed(wsURL string, session *Session, logger *slog.Logger) *Feed {
	return newFeed(wsURL, session, logger.With("component", "grvt_ws_private"))
}

func newFeed(wsURL string, session *Session, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		session:    session,
		logger:     logger,
		subscribed: make(map[subKey]bool),
		tickerSubs: make(map[types.Symbol][]exchange.TickerCallback),
		bookSubs:   make(map[types.Symbol][]exchange.BookCallback),
		tradeSubs:  make(map[types.Symbol][]exchange.TradeCallback),
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

// SubscribeTicker registers cb for ticker pushes on symbol.
func (f *Feed) SubscribeTicker(symbol types.Symbol, cb exchange.TickerCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.tickerSubs[symbol] = append(f.tickerSubs[symbol], cb)
	f.cbMu.Unlock()
	return f.subscribe(streamTicker, fmt.Sprintf("%s@%d", vs, defaultRateMs))
}

// SubscribeBook registers cb for top-of-book pushes on symbol.
func (f *Feed) SubscribeBook(symbol types.Symbol, cb exchange.BookCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.bookSubs[symbol] = append(f.bookSubs[symbol], cb)
	f.cbMu.Unlock()
	return f.subscribe(streamBook, fmt.Sprintf("%s@%d-%d", vs, defaultRateMs, defaultWsDepth))
}

// SubscribeTrades registers cb for public prints on symbol.
func (f *Feed) SubscribeTrades(symbol types.Symbol, cb exchange.TradeCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.tradeSubs[symbol] = append(f.tradeSubs[symbol], cb)
	f.cbMu.Unlock()
	return f.subscribe(streamTrade, fmt.Sprintf("%s@%d", vs, defaultRateMs))
}

// SubscribeOrders registers cb for order pushes on the private feed. The
// "<sub>-all" selector covers every instrument.
func (f *Feed) SubscribeOrders(ctx context.Context, cb exchange.OrderCallback) error {
	if f.session == nil {
		return errors.New("grvt: order subscription requires the private feed")
	}
	sub, err := f.session.AccountID(ctx)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.orderSubs = append(f.orderSubs, cb)
	f.cbMu.Unlock()
	return f.subscribe(streamOrder, sub+"-all")
}

// SubscribePositions registers cb for position pushes on the private feed.
func (f *Feed) SubscribePositions(ctx context.Context, cb func(types.Position)) error {
	if f.session == nil {
		return errors.New("grvt: position subscription requires the private feed")
	}
	sub, err := f.session.AccountID(ctx)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.posSubs = append(f.posSubs, cb)
	f.cbMu.Unlock()
	return f.subscribe(streamPosition, sub)
}

// Unsubscribe drops a symbol's public streams, or everything when symbol is
// empty. Private selectors are only dropped on the empty form.
func (f *Feed) Unsubscribe(symbol types.Symbol) error {
	var drop []subKey

	f.subMu.Lock()
	if symbol == "" {
		for k := range f.subscribed {
			drop = append(drop, k)
		}
		f.subscribed = make(map[subKey]bool)
	} else {
		vs, err := ToVenue(symbol)
		if err != nil {
			f.subMu.Unlock()
			return err
		}
		prefix := vs + "@"
		for k := range f.subscribed {
			if len(k.selector) >= len(prefix) && k.selector[:len(prefix)] == prefix {
				drop = append(drop, k)
				delete(f.subscribed, k)
			}
		}
	}
	f.subMu.Unlock()

	f.cbMu.Lock()
	if symbol == "" {
		f.tickerSubs = make(map[types.Symbol][]exchange.TickerCallback)
		f.bookSubs = make(map[types.Symbol][]exchange.BookCallback)
		f.tradeSubs = make(map[types.Symbol][]exchange.TradeCallback)
		f.orderSubs = nil
		f.posSubs = nil
	} else {
		delete(f.tickerSubs, symbol)
		delete(f.bookSubs, symbol)
		delete(f.tradeSubs, symbol)
	}
	f.cbMu.Unlock()

	for _, k := range drop {
		if err := f.writeRPC("unsubscribe", k.stream, []string{k.selector}); err != nil && !errors.Is(err, errNotConnected) {
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

// SubscriptionSet returns a copy of the live (stream, selector) set; the
// health monitor compares it across reconnects.
func (f *Feed) SubscriptionSet() map[string][]string {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	out := make(map[string][]string)
	for k := range f.subscribed {
		out[k.stream] = append(out[k.stream], k.selector)
	}
	return out
}

func (f *Feed) subscribe(stream, selector string) error {
	k := subKey{stream, selector}
	f.subMu.Lock()
	fresh := !f.subscribed[k]
	f.subscribed[k] = true
	f.subMu.Unlock()

	if !fresh {
		return nil
	}
	err := f.writeRPC("subscribe", stream, []string{selector})
	if errors.Is(err, errNotConnected) {
		return nil // applied on connect
	}
	return err
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	var header http.Header
	if f.session != nil {
		hs, err := f.session.Headers(ctx)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		header = http.Header{}
		for k, v := range hs {
			header.Set(k, v)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
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
	f.logger.Info("websocket connected", "subscriptions", f.subscriptionCount())

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

// resubscribe re-applies the full subscription set, one RPC per stream so a
// reconnect restores exactly what was live before.
func (f *Feed) resubscribe() error {
	for stream, selectors := range f.SubscriptionSet() {
		if err := f.writeRPC("subscribe", stream, selectors); err != nil {
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

func (f *Feed) writeRPC(method, stream string, selectors []string) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.nextID++
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  map[string]any{"stream": stream, "selectors": selectors},
		"id":      f.nextID,
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}

// dispatchMessage routes one data frame. Frames without a stream field are
// RPC acknowledgments and dropped.
func (f *Feed) dispatchMessage(data []byte) {
	var frame struct {
		Stream         string              `json:"stream"`
		Selector       string              `json:"selector"`
		SequenceNumber string              `json:"sequence_number"`
		Feed           jsoniter.RawMessage `json:"feed"`
	}
	if err := jsonFast.Unmarshal(data, &frame); err != nil || frame.Stream == "" {
		return
	}

	switch frame.Stream {
	case streamTicker:
		var w wireTicker
		if err := jsonFast.Unmarshal(frame.Feed, &w); err != nil {
			f.logger.Error("unmarshal ticker", "error", err)
			return
		}
		snap, err := w.toSnapshot()
		if err != nil {
			return
		}
		f.cbMu.RLock()
		cbs := f.tickerSubs[snap.Symbol]
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(snap)
		}

	case streamBook:
		var w wireBook
		if err := jsonFast.Unmarshal(frame.Feed, &w); err != nil {
			f.logger.Error("unmarshal book", "error", err)
			return
		}
		snap, err := w.toSnapshot()
		if err != nil {
			return
		}
		top := snap.Top()
		f.cbMu.RLock()
		cbs := f.bookSubs[top.Symbol]
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(top)
		}

	case streamTrade:
		var w wireTrade
		if err := jsonFast.Unmarshal(frame.Feed, &w); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return
		}
		sym, err := FromVenue(w.Instrument)
		if err != nil {
			return
		}
		side := types.SELL
		if w.IsTakerBuy {
			side = types.BUY
		}
		tr := types.Trade{
			ID: w.TradeID, Symbol: sym, Side: side,
			Price: parseF(w.Price), Size: parseF(w.Size), Time: parseNanos(w.EventTime),
		}
		f.cbMu.RLock()
		cbs := f.tradeSubs[sym]
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(tr)
		}

	case streamOrder:
		var w wireOrder
		if err := jsonFast.Unmarshal(frame.Feed, &w); err != nil {
			f.logger.Error("unmarshal order push", "error", err)
			return
		}
		st, err := w.toOrderState()
		if err != nil {
			return
		}
		f.cbMu.RLock()
		cbs := make([]exchange.OrderCallback, len(f.orderSubs))
		copy(cbs, f.orderSubs)
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(st)
		}

	case streamPosition:
		var w wirePosition
		if err := jsonFast.Unmarshal(frame.Feed, &w); err != nil {
			f.logger.Error("unmarshal position push", "error", err)
			return
		}
		p, err := w.toPosition()
		if err != nil {
			return
		}
		f.cbMu.RLock()
		cbs := make([]func(types.Position), len(f.posSubs))
		copy(cbs, f.posSubs)
		f.cbMu.RUnlock()
		for _, cb := range cbs {
			cb(p)
		}

	default:
		f.logger.Debug("unknown stream", "stream", frame.Stream)
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
