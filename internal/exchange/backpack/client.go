// Package backpack implements the Backpack venue: an ED25519-signed REST
// API and a public WebSocket feed.
//
// REST surface used:
//   - GET    /api/v1/markets     — instrument filters (tick/step/min)
//   - GET    /api/v1/ticker      — last price stats (public)
//   - GET    /api/v1/markPrices  — mark, index, funding rate (public)
//   - GET    /api/v1/depth       — order book (public)
//   - GET    /api/v1/klines      — OHLCV (public)
//   - GET    /api/v1/trades      — recent trades (public)
//   - GET    /api/v1/capital     — balances (signed)
//   - GET    /api/v1/position    — open positions (signed)
//   - POST   /api/v1/order       — place (signed)
//   - DELETE /api/v1/order       — cancel one (signed)
//   - DELETE /api/v1/orders      — cancel all for a symbol (signed)
//   - GET    /api/v1/order       — order lookup (signed)
//   - GET    /api/v1/orders      — open orders (signed)
//   - GET    /wapi/v1/history/orders — order history (signed)
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx. Order placement tolerates the venue's plain-text terminal-status
// responses by synthesizing a minimal order object.
package backpack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// Client is the Backpack REST API client.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *exchange.RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(baseURL string, signer *Signer, dryRun bool, logger *slog.Logger) *Client {
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
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     exchange.NewRateLimiter(types.VenueBackpack),
		dryRun: dryRun,
		logger: logger.With("component", "backpack_rest"),
	}
}

// venueErr normalizes a non-2xx response. Backpack error bodies carry
// {"code": "...", "message": "..."}.
func venueErr(op string, resp *resty.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	msg := resp.String()
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	kind := exchange.ClassifyHTTP(resp.StatusCode())
	return exchange.NewError(types.VenueBackpack, kind, 0, fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode(), msg), nil)
}

// ————————————————————————————————————————————————————————————————————————
// Public market data
// ————————————————————————————————————————————————————————————————————————

// GetMarkets fetches instrument definitions and parses the precision filters.
func (c *Client) GetMarkets(ctx context.Context) ([]types.Instrument, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var markets []wireMarket
	resp, err := c.http.R().SetContext(ctx).SetResult(&markets).Get("/api/v1/markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get markets", resp)
	}

	out := make([]types.Instrument, 0, len(markets))
	for _, m := range markets {
		sym, err := FromVenue(m.Symbol)
		if err != nil {
			continue // venue lists pairs outside our grammar (options etc.)
		}
		tick := parseF(m.Filters.Price.TickSize)
		step := parseF(m.Filters.Quantity.StepSize)
		out = append(out, types.Instrument{
			Symbol:        sym,
			Venue:         types.VenueBackpack,
			VenueSymbol:   m.Symbol,
			TickSize:      tick,
			StepSize:      step,
			MinQty:        parseF(m.Filters.Quantity.MinQuantity),
			PriceDecimals: types.DecimalsFromSize(tick),
			QtyDecimals:   types.DecimalsFromSize(step),
			Multiplier:    1,
		})
	}
	return out, nil
}

// GetTicker merges the 24h ticker with the mark-price feed so the snapshot
// carries last, mark, index and funding in one value.
func (c *Client) GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var tick wireTicker
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", vs).
		SetResult(&tick).
		Get("/api/v1/ticker")
	if err != nil {
		return nil, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get ticker", resp)
	}

	snap := &types.TickerSnapshot{
		Symbol:    symbol,
		Last:      parseF(tick.LastPrice),
		EventTime: time.Now(),
	}

	// Funding only exists for perps; the endpoint 404s on spot symbols.
	if symbol.IsPerp() {
		var marks []wireMarkPrice
		resp, err = c.http.R().SetContext(ctx).
			SetQueryParam("symbol", vs).
			SetResult(&marks).
			Get("/api/v1/markPrices")
		if err == nil && resp.StatusCode() == http.StatusOK && len(marks) > 0 {
			snap.Mark = parseF(marks[0].MarkPrice)
			snap.Index = parseF(marks[0].IndexPrice)
			rate := parseF(marks[0].FundingRate)
			snap.FundingRate = &rate
		}
	}
	return snap, nil
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

// GetDepth fetches the order book.
func (c *Client) GetDepth(ctx context.Context, symbol types.Symbol) (*types.OrderBookSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var depth wireDepth
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", vs).
		SetResult(&depth).
		Get("/api/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get depth", resp)
	}
	return depthToSnapshot(symbol, &depth), nil
}

// GetKlines fetches OHLCV bars.
func (c *Client) GetKlines(ctx context.Context, symbol types.Symbol, interval string, since time.Time, limit int) ([]types.Candle, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", vs).
		SetQueryParam("interval", interval)
	if !since.IsZero() {
		req.SetQueryParam("startTime", strconv.FormatInt(since.Unix(), 10))
	}

	var klines []wireKline
	resp, err := req.SetResult(&klines).Get("/api/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get klines", resp)
	}

	out := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		start, _ := time.Parse("2006-01-02 15:04:05", k.Start)
		out = append(out, types.Candle{
			Start:  start,
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
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

	req := c.http.R().SetContext(ctx).SetQueryParam("symbol", vs)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	var trades []wireTrade
	resp, err := req.SetResult(&trades).Get("/api/v1/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get trades", resp)
	}

	out := make([]types.Trade, 0, len(trades))
	for _, t := range trades {
		side := types.BUY
		if t.IsBuyerMaker {
			side = types.SELL // taker sold into the bid
		}
		out = append(out, types.Trade{
			ID:     strconv.FormatInt(t.ID, 10),
			Symbol: symbol,
			Side:   side,
			Price:  parseF(t.Price),
			Size:   parseF(t.Quantity),
			Time:   time.UnixMilli(t.Timestamp),
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Signed account and order endpoints
// ————————————————————————————————————————————————————————————————————————

// GetCapital fetches balances. totalQuantity is authoritative where present;
// the venue's unified account reports locked/available split only for spot
// collateral.
func (c *Client) GetCapital(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.signer.Headers("GET", "/api/v1/capital", nil)
	if err != nil {
		return nil, err
	}

	var capital map[string]wireCapital
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetResult(&capital).
		Get("/api/v1/capital")
	if err != nil {
		return nil, fmt.Errorf("get capital: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get capital", resp)
	}

	out := make([]types.Balance, 0, len(capital))
	for currency, row := range capital {
		free := parseF(row.Available)
		used := parseF(row.Locked)
		total := parseF(row.TotalQuantity)
		if total == 0 {
			total = free + used + parseF(row.Staked)
		}
		out = append(out, types.Balance{Currency: currency, Free: free, Used: used, Total: total})
	}
	return out, nil
}

// GetPositions fetches open positions. Zero rows are filtered by the caller.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.signer.Headers("GET", "/api/v1/position", nil)
	if err != nil {
		return nil, err
	}

	var rows []wirePosition
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetResult(&rows).
		Get("/api/v1/position")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get positions", resp)
	}

	out := make([]types.Position, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPosition()
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ExecuteOrder places one order. The instrument formats price and quantity
// to venue precision (truncating). The request body fields double as the
// signing params, serialized identically.
func (c *Client) ExecuteOrder(ctx context.Context, req types.OrderRequest, instr *types.Instrument) (*types.OrderState, error) {
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

	params := map[string]string{
		"symbol":   instr.VenueSymbol,
		"side":     sideToVenue(req.Side),
		"quantity": instr.FormatQty(req.Amount),
	}
	switch req.Type {
	case types.OrderTypeMarket:
		params["orderType"] = "Market"
	case types.OrderTypeIOC:
		params["orderType"] = "Limit"
		params["timeInForce"] = "IOC"
		params["price"] = instr.FormatPrice(req.Price)
	case types.OrderTypeFOK:
		params["orderType"] = "Limit"
		params["timeInForce"] = "FOK"
		params["price"] = instr.FormatPrice(req.Price)
	default:
		params["orderType"] = "Limit"
		params["price"] = instr.FormatPrice(req.Price)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = boolParam(true)
	}
	if req.PostOnly {
		params["postOnly"] = boolParam(true)
	}
	if req.ClientID != "" {
		params["clientId"] = req.ClientID
	}

	headers, err := c.signer.Headers("POST", "/api/v1/order", params)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetBody(params).
		Post("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("execute order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, venueErr("execute order", resp)
	}
	return c.decodeOrderResponse(resp.Body(), req)
}

// decodeOrderResponse handles both JSON order objects and the venue's
// plain-text terminal statuses ("New", "Filled"), synthesizing a minimal
// order when only a status string came back.
func (c *Client) decodeOrderResponse(body []byte, req types.OrderRequest) (*types.OrderState, error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		status := statusFromVenue(strings.Trim(trimmed, `"`))
		st := &types.OrderState{
			OrderID:   "pending",
			ClientID:  req.ClientID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Amount:    req.Amount,
			Price:     req.Price,
			Remaining: req.Amount,
			Status:    status,
			CreatedAt: time.Now(),
		}
		if status == types.StatusFilled {
			st.Filled = req.Amount
			st.Remaining = 0
			st.Average = req.Price
		}
		return st, nil
	}

	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
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

	params := map[string]string{"symbol": vs, "orderId": orderID}
	headers, err := c.signer.Headers("DELETE", "/api/v1/order", params)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetBody(params).
		Delete("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel order", resp)
	}

	var w wireOrder
	if err := json.Unmarshal(resp.Body(), &w); err == nil && w.ID != "" {
		st, cerr := w.toOrderState()
		if cerr == nil {
			return &st, nil
		}
	}
	return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled, UpdatedAt: time.Now()}, nil
}

// CancelOpenOrders cancels everything resting on one symbol. The venue
// returns the cancelled orders, so no list+cancel fallback is needed here.
func (c *Client) CancelOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.OrderState, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{"symbol": vs}
	headers, err := c.signer.Headers("DELETE", "/api/v1/orders", params)
	if err != nil {
		return nil, err
	}

	var rows []wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetBody(params).
		SetResult(&rows).
		Delete("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("cancel open orders", resp)
	}

	out := make([]types.OrderState, 0, len(rows))
	for i := range rows {
		st, cerr := rows[i].toOrderState()
		if cerr != nil {
			continue
		}
		st.Status = types.StatusCanceled
		out = append(out, st)
	}
	c.logger.Info("orders cancelled", "symbol", symbol, "count", len(out))
	return out, nil
}

// GetOrder looks up one order in the live table.
func (c *Client) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{"symbol": vs, "orderId": orderID}
	headers, err := c.signer.Headers("GET", "/api/v1/order", params)
	if err != nil {
		return nil, err
	}

	var w wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
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

	params := map[string]string{}
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		params["symbol"] = vs
	}
	headers, err := c.signer.Headers("GET", "/api/v1/orders", params)
	if err != nil {
		return nil, err
	}

	var rows []wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&rows).
		Get("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get open orders", resp)
	}

	out := make([]types.OrderState, 0, len(rows))
	for i := range rows {
		st, cerr := rows[i].toOrderState()
		if cerr != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// GetOrderHistory lists settled orders, newest first.
func (c *Client) GetOrderHistory(ctx context.Context, symbol types.Symbol, limit int) ([]types.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{}
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		params["symbol"] = vs
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	headers, err := c.signer.Headers("GET", "/wapi/v1/history/orders", params)
	if err != nil {
		return nil, err
	}

	var rows []wireOrder
	resp, err := c.http.R().SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&rows).
		Get("/wapi/v1/history/orders")
	if err != nil {
		return nil, fmt.Errorf("get order history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get order history", resp)
	}

	out := make([]types.OrderState, 0, len(rows))
	for i := range rows {
		st, cerr := rows[i].toOrderState()
		if cerr != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
