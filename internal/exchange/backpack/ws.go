// ws.go implements the Backpack public WebSocket feed.
//
// Streams are symbol-keyed: "bookTicker.<SYM>" for top of book,
// "markPrice.<SYM>" for mark/index/funding, "trade.<SYM>" for prints.
// Subscriptions go up as {"method":"SUBSCRIBE","params":[stream...]}; data
// frames arrive as {"stream":..., "data":{...}}. The feed tracks its
// subscription set and re-applies it byte-identically after reconnecting
// with exponential backoff (1s → 30s max). A read deadline detects silent
// server failures within ~2 missed pings.
package backpack

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
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Feed manages the public WebSocket connection: subscription tracking,
// message routing to per-symbol callbacks, and automatic reconnection.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subMu      sync.RWMutex
	subscribed map[string]bool // stream names, e.g. "bookTicker.BTC_USDC_PERP"

	cbMu       sync.RWMutex
	tickerSubs map[types.Symbol][]exchange.TickerCallback
	bookSubs   map[types.Symbol][]exchange.BookCallback
	tradeSubs  map[types.Symbol][]exchange.TradeCallback

	logger *slog.Logger
}

// NewFeed creates the public market-data feed.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		tickerSubs: make(map[types.Symbol][]exchange.TickerCallback),
		bookSubs:   make(map[types.Symbol][]exchange.BookCallback),
		tradeSubs:  make(map[types.Symbol][]exchange.TradeCallback),
		logger:     logger.With("component", "backpack_ws"),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

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

// SubscribeTicker registers cb for ticker pushes on symbol. Top-of-book and
// mark-price streams both feed ticker callbacks; the aggregator merges.
func (f *Feed) SubscribeTicker(symbol types.Symbol, cb exchange.TickerCallback) error {
	vs, err := ToVenue(symbol)
	if err != nil {
		return err
	}
	f.cbMu.Lock()
	f.tickerSubs[symbol] = append(f.tickerSubs[symbol], cb)
	f.cbMu.Unlock()
	return f.subscribeStreams([]string{"bookTicker." + vs, "markPrice." + vs})
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
	return f.subscribeStreams([]string{"bookTicker." + vs})
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
	return f.subscribeStreams([]string{"trade." + vs})
}

// Unsubscribe drops the streams for one symbol, or all streams when symbol
// is empty. Callbacks are removed so a later resubscribe starts clean.
func (f *Feed) Unsubscribe(symbol types.Symbol) error {
	var streams []string

	f.subMu.Lock()
	if symbol == "" {
		for s := range f.subscribed {
			streams = append(streams, s)
		}
		f.subscribed = make(map[string]bool)
	} else {
		vs, err := ToVenue(symbol)
		if err != nil {
			f.subMu.Unlock()
			return err
		}
		for _, prefix := range []string{"bookTicker.", "markPrice.", "trade."} {
			s := prefix + vs
			if f.subscribed[s] {
				streams = append(streams, s)
				delete(f.subscribed, s)
			}
		}
	}
	f.subMu.Unlock()

	f.cbMu.Lock()
	if symbol == "" {
		f.tickerSubs = make(map[types.Symbol][]exchange.TickerCallback)
		f.bookSubs = make(map[types.Symbol][]exchange.BookCallback)
		f.tradeSubs = make(map[types.Symbol][]exchange.TradeCallback)
	} else {
		delete(f.tickerSubs, symbol)
		delete(f.bookSubs, symbol)
		delete(f.tradeSubs, symbol)
	}
	f.cbMu.Unlock()

	if len(streams) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"method": "UNSUBSCRIBE", "params": streams})
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

func (f *Feed) subscribeStreams(streams []string) error {
	var fresh []string
	f.subMu.Lock()
	for _, s := range streams {
		if !f.subscribed[s] {
			f.subscribed[s] = true
			fresh = append(fresh, s)
		}
	}
	f.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	// Not connected yet: the initial subscription on connect covers it.
	err := f.writeJSON(map[string]any{"method": "SUBSCRIBE", "params": fresh})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

var errNotConnected = errors.New("websocket not connected")

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "streams", f.subscriptionCount())

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

func (f *Feed) subscriptionCount() int {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	return len(f.subscribed)
}

// sendInitialSubscription re-applies the full tracked subscription set. Runs
// on every (re)connect so a reconnect restores exactly what was live before.
func (f *Feed) sendInitialSubscription() error {
	f.subMu.RLock()
	streams := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		streams = append(streams, s)
	}
	f.subMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"method": "SUBSCRIBE", "params": streams})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Stream string              `json:"stream"`
		Data   jsoniter.RawMessage `json:"data"`
	}
	if err := jsonFast.Unmarshal(data, &envelope); err != nil || envelope.Stream == "" {
		return // ack frames and pongs
	}

	dot := strings.IndexByte(envelope.Stream, '.')
	if dot < 0 {
		return
	}
	kind := envelope.Stream[:dot]
	symbol, err := FromVenue(envelope.Stream[dot+1:])
	if err != nil {
		f.logger.Debug("push for unknown symbol", "stream", envelope.Stream)
		return
	}

	switch kind {
	case "bookTicker":
		var evt struct {
			Ask     string `json:"a"`
			AskSize string `json:"A"`
			Bid     string `json:"b"`
			BidSize string `json:"B"`
			Time    int64  `json:"E"` // microseconds
		}
		if err := jsonFast.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal bookTicker", "error", err)
			return
		}
		eventTime := time.UnixMicro(evt.Time)
		top := types.BookTop{
			Symbol:    symbol,
			Bid:       types.BookLevel{Price: parseF(evt.Bid), Size: parseF(evt.BidSize)},
			Ask:       types.BookLevel{Price: parseF(evt.Ask), Size: parseF(evt.AskSize)},
			EventTime: eventTime,
		}
		snap := types.TickerSnapshot{
			Symbol: symbol,
			Bid:    top.Bid.Price, BidSize: top.Bid.Size,
			Ask: top.Ask.Price, AskSize: top.Ask.Size,
			EventTime: eventTime,
		}
		f.fanOutBook(symbol, top)
		f.fanOutTicker(symbol, snap)

	case "markPrice":
		var evt struct {
			Mark    string `json:"p"`
			Funding string `json:"f"`
			Index   string `json:"i"`
			Time    int64  `json:"E"`
		}
		if err := jsonFast.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal markPrice", "error", err)
			return
		}
		rate := parseF(evt.Funding)
		snap := types.TickerSnapshot{
			Symbol:      symbol,
			Mark:        parseF(evt.Mark),
			Index:       parseF(evt.Index),
			FundingRate: &rate,
			EventTime:   time.UnixMicro(evt.Time),
		}
		f.fanOutTicker(symbol, snap)

	case "trade":
		var evt struct {
			Price      string `json:"p"`
			Quantity   string `json:"q"`
			BuyerMaker bool   `json:"m"`
			Time       int64  `json:"T"`
			ID         int64  `json:"t"`
		}
		if err := jsonFast.Unmarshal(envelope.Data, &evt); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return
		}
		side := types.BUY
		if evt.BuyerMaker {
			side = types.SELL
		}
		f.fanOutTrade(symbol, types.Trade{
			ID:     fmt.Sprintf("%d", evt.ID),
			Symbol: symbol,
			Side:   side,
			Price:  parseF(evt.Price),
			Size:   parseF(evt.Quantity),
			Time:   time.UnixMicro(evt.Time),
		})

	default:
		f.logger.Debug("unknown stream kind", "stream", envelope.Stream)
	}
}

func (f *Feed) fanOutTicker(symbol types.Symbol, snap types.TickerSnapshot) {
	f.cbMu.RLock()
	cbs := f.tickerSubs[symbol]
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

func (f *Feed) fanOutBook(symbol types.Symbol, top types.BookTop) {
	f.cbMu.RLock()
	cbs := f.bookSubs[symbol]
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(top)
	}
}

func (f *Feed) fanOutTrade(symbol types.Symbol, tr types.Trade) {
	f.cbMu.RLock()
	cbs := f.tradeSubs[symbol]
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(tr)
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
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeControl(msgType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	return f.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}
