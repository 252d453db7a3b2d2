// Package lighter implements the Lighter venue: API-key REST, a
// token-authenticated WebSocket with the venue's unified-callback
// subscription pattern, and a WebSocket batch path that enqueues two market
// orders atomically. The batch path is the default for two-legged execution
// on this venue; REST is the fallback.
//
// REST surface used:
//   - GET    /api/v1/orderBooks        — markets and precision (public)
//   - GET    /api/v1/orderBookDetails  — ticker, funding (public)
//   - GET    /api/v1/orderBookOrders   — depth (public)
//   - GET    /api/v1/candlesticks      — OHLCV (public)
//   - GET    /api/v1/recentTrades      — prints (public)
//   - POST   /api/v1/auth/token        — WebSocket auth token
//   - GET    /api/v1/account           — balances + positions
//   - POST   /api/v1/order             — place
//   - DELETE /api/v1/order             — cancel one
//   - DELETE /api/v1/orders            — cancel all (count only)
//   - GET    /api/v1/order             — order lookup
//   - GET    /api/v1/orders            — open orders
//   - GET    /api/v1/ordersHistory     — settled orders
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// Client is the Lighter REST client.
type Client struct {
	http   *resty.Client
	apiKey string
	secret string
	rl     *exchange.RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with key auth, rate limiting and retry.
func NewClient(baseURL, apiKey, apiSecret string, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", apiKey)

	return &Client{
		http:   httpClient,
		apiKey: apiKey,
		secret: apiSecret,
		rl:     exchange.NewRateLimiter(types.VenueLighter),
		dryRun: dryRun,
		logger: logger.With("component", "lighter_rest"),
	}
}

// venueErr normalizes a non-2xx response.
func venueErr(op string, resp *resty.Response) error {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	msg := resp.String()
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	kind := exchange.ClassifyHTTP(resp.StatusCode())
	return exchange.NewError(types.VenueLighter, kind, body.Code, fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode(), msg), nil)
}

// WSToken fetches a short-lived WebSocket auth token.
func (c *Client) WSToken(ctx context.Context) (string, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return "", err
	}
	var result struct {
		Token string `json:"token"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"api_key": c.apiKey, "api_secret": c.secret}).
		SetResult(&result).
		Post("/api/v1/auth/token")
	if err != nil {
		return "", fmt.Errorf("ws token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", venueErr("ws token", resp)
	}
	if result.Token == "" {
		return "", exchange.NewError(types.VenueLighter, exchange.KindAuth, 0, "empty ws token", nil)
	}
	return result.Token, nil
}

// GetMarkets fetches market definitions with precisions.
func (c *Client) GetMarkets(ctx context.Context) ([]types.Instrument, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		OrderBooks []wireMarket `json:"order_books"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/api/v1/orderBooks")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get markets", resp)
	}
	out := make([]types.Instrument, 0, len(result.OrderBooks))
	for i := range result.OrderBooks {
		if result.OrderBooks[i].Status != "" && result.OrderBooks[i].Status != "active" {
			continue
		}
		in, err := result.OrderBooks[i].toInstrument()
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// GetTicker fetches one market's details, funding included.
func (c *Client) GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Details wireMarketDetails `json:"order_book_details"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("market", vs).
		SetResult(&result).
		Get("/api/v1/orderBookDetails")
	if err != nil {
		return nil, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get ticker", resp)
	}
	snap, err := result.Details.toSnapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetTickers fetches snapshots for several symbols.
func (c *Client) GetTickers(ctx context.Context, symbols []types.Symbol) ([]types.TickerSnapshot, error) {
	out := make([]types.TickerSnapshot, 0, len(symbols))
	for _, s := range symbols {
		snap, err := c.GetTicker(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

// GetBook fetches order-book depth.
func (c *Client) GetBook(ctx context.Context, symbol types.Symbol, limit int) (*types.OrderBookSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx).SetQueryParam("market", vs)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var book wireBook
	resp, err := req.SetResult(&book).Get("/api/v1/orderBookOrders")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get book", resp)
	}
	return book.toSnapshot(symbol), nil
}

// GetCandles fetches OHLCV bars.
func (c *Client) GetCandles(ctx context.Context, symbol types.Symbol, resolution string, since time.Time, limit int) ([]types.Candle, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx).
		SetQueryParam("market", vs).
		SetQueryParam("resolution", resolution)
	if !since.IsZero() {
		req.SetQueryParam("start_timestamp", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		req.SetQueryParam("count_back", strconv.Itoa(limit))
	}
	var result struct {
		Candlesticks []wireCandle `json:"candlesticks"`
	}
	resp, err := req.SetResult(&result).Get("/api/v1/candlesticks")
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get candles", resp)
	}
	out := make([]types.Candle, 0, len(result.Candlesticks))
	for _, k := range result.Candlesticks {
		out = append(out, types.Candle{
			Start:  time.UnixMilli(k.StartMs),
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	return out, nil
}

// GetTrades fetches recent public trades.
func (c *Client) GetTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx).SetQueryParam("market", vs)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var result struct {
		Trades []wireTrade `json:"trades"`
	}
	resp, err := req.SetResult(&result).Get("/api/v1/recentTrades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get trades", resp)
	}
	out := make([]types.Trade, 0, len(result.Trades))
	for _, t := range result.Trades {
		side := types.SELL
		if t.IsMakerAsk {
			side = types.BUY // taker lifted the ask
		}
		out = append(out, types.Trade{
			ID:     strconv.FormatInt(t.TradeID, 10),
			Symbol: symbol,
			Side:   side,
			Price:  parseF(t.Price),
			Size:   parseF(t.Size),
			Time:   time.UnixMilli(t.TimeMs),
		})
	}
	return out, nil
}

// GetAccount fetches balances and positions in one call.
func (c *Client) GetAccount(ctx context.Context) ([]types.Balance, []types.Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, nil, err
	}
	var result struct {
		Balances  []wireBalance  `json:"balances"`
		Positions []wirePosition `json:"positions"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/api/v1/account")
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, nil, venueErr("get account", resp)
	}

	balances := make([]types.Balance, 0, len(result.Balances))
	for _, b := range result.Balances {
		balances = append(balances, types.Balance{
			Currency: b.Currency,
			Free:     parseF(b.Available),
			Used:     parseF(b.Locked),
			Total:    parseF(b.Total),
			USDValue: parseF(b.USDValue),
		})
	}
	positions := make([]types.Position, 0, len(result.Positions))
	for i := range result.Positions {
		p, perr := result.Positions[i].toPosition()
		if perr != nil {
			continue
		}
		positions = append(positions, p)
	}
	return balances, positions, nil
}

// CreateOrder places one order over REST. This is the fallback path; the
// adapter prefers the WebSocket batch submit for market orders.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest, instr *types.Instrument) (*types.OrderState, error) {
	vs, err := ToVenue(req.Symbol)
	if err != nil {
		return nil, err
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", req.Symbol, "side", req.Side, "amount", req.Amount)
		return &types.OrderState{
			OrderID: "dry-run", ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
			Type: req.Type, Amount: req.Amount, Remaining: req.Amount,
			Status: types.StatusOpen, CreatedAt: time.Now(),
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"market":          vs,
		"side":            sideToVenue(req.Side),
		"base_amount":     instr.FormatQty(req.Amount),
		"client_order_id": req.ClientID,
		"reduce_only":     req.ReduceOnly,
	}
	switch req.Type {
	case types.OrderTypeMarket:
		body["type"] = "market"
	case types.OrderTypeIOC:
		body["type"] = "limit"
		body["time_in_force"] = "immediate-or-cancel"
		body["price"] = instr.FormatPrice(req.Price)
	case types.OrderTypeFOK:
		body["type"] = "limit"
		body["time_in_force"] = "fill-or-kill"
		body["price"] = instr.FormatPrice(req.Price)
	default:
		body["type"] = "limit"
		body["price"] = instr.FormatPrice(req.Price)
	}

	var w wireOrder
	resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(&w).Post("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, venueErr("create order", resp)
	}
	st, err := w.toOrderState()
	if err != nil {
		return nil, err
	}
	if st.ClientID == "" {
		st.ClientID = req.ClientID
	}
	return &st, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if c.dryRun {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"market": vs, "order_id": orderID}).
		SetResult(&w).
		Delete("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel order", resp)
	}
	if w.OrderID == "" {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled, UpdatedAt: time.Now()}, nil
	}
	st, err := w.toOrderState()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// CancelAllOrders cancels everything resting, optionally per market. The
// venue returns only a count; the facade falls back to list+cancel when the
// caller needs the order list.
func (c *Client) CancelAllOrders(ctx context.Context, symbol types.Symbol) (int, error) {
	if c.dryRun {
		return 0, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return 0, err
	}
	req := c.http.R().SetContext(ctx)
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return 0, err
		}
		req.SetQueryParam("market", vs)
	}
	var result struct {
		Canceled int `json:"canceled"`
	}
	resp, err := req.SetResult(&result).Delete("/api/v1/orders")
	if err != nil {
		return 0, fmt.Errorf("cancel all orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, venueErr("cancel all orders", resp)
	}
	return result.Canceled, nil
}

// GetOrder looks one order up in the live table.
func (c *Client) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"market": vs, "order_id": orderID}).
		SetResult(&w).
		Get("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get order", resp)
	}
	st, err := w.toOrderState()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetOpenOrders lists resting orders, optionally for one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx)
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		req.SetQueryParam("market", vs)
	}
	var result struct {
		Orders []wireOrder `json:"orders"`
	}
	resp, err := req.SetResult(&result).Get("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get open orders", resp)
	}
	out := make([]types.OrderState, 0, len(result.Orders))
	for i := range result.Orders {
		st, cerr := result.Orders[i].toOrderState()
		if cerr != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// GetOrderHistory lists settled orders, newest first.
func (c *Client) GetOrderHistory(ctx context.Context, symbol types.Symbol, since time.Time, limit int) ([]types.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx)
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		req.SetQueryParam("market", vs)
	}
	if !since.IsZero() {
		req.SetQueryParam("start_timestamp", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var result struct {
		Orders []wireOrder `json:"orders"`
	}
	resp, err := req.SetResult(&result).Get("/api/v1/ordersHistory")
	if err != nil {
		return nil, fmt.Errorf("get order history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get order history", resp)
	}
	out := make([]types.OrderState, 0, len(result.Orders))
	for i := range result.Orders {
		st, cerr := result.Orders[i].toOrderState()
		if cerr != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
