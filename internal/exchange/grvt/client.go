// Package grvt implements the GRVT venue: session-cookie REST, EIP-712
// signed orders, and JSON-RPC WebSocket subscriptions.
//
// The venue splits its API across hosts: market data is served by
// unauthenticated POSTs on the market-data host, trading and account calls
// go to the trade host and require the session cookie plus the account-id
// header from the edge login exchange. Orders additionally embed a typed-data
// signature built from the cached instrument descriptor.
//
// Endpoints used (all POST, venue convention):
//   - market data: /full/v1/instruments, /full/v1/ticker, /full/v1/book,
//     /full/v1/kline, /full/v1/trade
//   - account:     /full/v1/sub_account_summary, /full/v1/positions
//   - orders:      /full/v1/create_order, /full/v1/cancel_order,
//     /full/v1/cancel_all_orders, /full/v1/order, /full/v1/open_orders,
//     /full/v1/order_history
package grvt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-arb/internal/exchange"
	"perp-arb/pkg/types"
)

// orderExpiry is how far in the future signed orders expire.
const orderExpiry = 5 * time.Minute

// Client is the GRVT REST client.
type Client struct {
	market  *resty.Client // unauthenticated market-data host
	trade   *resty.Client // session-authenticated trade host
	session *Session
	signer  *Signer
	subID   string // sub-account id embedded in signed payloads
	rl      *exchange.RateLimiter
	dryRun  bool
	logger  *slog.Logger
}

// NewClient creates a REST client for both hosts.
func NewClient(tradeURL, marketURL, subAccountID string, session *Session, signer *Signer, dryRun bool, logger *slog.Logger) *Client {
	newHTTP := func(base string, timeout time.Duration) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
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
	}
	return &Client{
		market:  newHTTP(marketURL, 10*time.Second),
		trade:   newHTTP(tradeURL, 30*time.Second),
		session: session,
		signer:  signer,
		subID:   subAccountID,
		rl:      exchange.NewRateLimiter(types.VenueGRVT),
		dryRun:  dryRun,
		logger:  logger.With("component", "grvt_rest"),
	}
}

// venueErr normalizes a non-2xx response, extracting the venue's numeric
// code so reduce-only rejections (21740) stay detectable upstream.
func venueErr(op string, resp *resty.Response) error {
	var body wireError
	msg := resp.String()
	code := 0
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
		code = body.Code
	}
	kind := exchange.ClassifyHTTP(resp.StatusCode())
	if code == exchange.CodeReduceOnly {
		kind = exchange.KindRejected
	}
	return exchange.NewError(types.VenueGRVT, kind, code, fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode(), msg), nil)
}

// post issues one authenticated POST to the trade host. A 401 invalidates
// the session and retries once with a fresh login.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	for attempt := 0; ; attempt++ {
		headers, err := c.session.Headers(ctx)
		if err != nil {
			return exchange.NewError(types.VenueGRVT, exchange.KindAuth, 0, "", err)
		}
		resp, err := c.trade.R().SetContext(ctx).
			SetHeaders(headers).
			SetBody(body).
			SetResult(result).
			Post(path)
		if err != nil {
			return exchange.NewError(types.VenueGRVT, exchange.KindTransport, 0, "", fmt.Errorf("%s: %w", path, err))
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.session.Invalidate()
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			return venueErr(path, resp)
		}
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data (unauthenticated)
// ————————————————————————————————————————————————————————————————————————

// GetInstruments fetches instrument definitions, including the instrument
// hash and base decimals the order signer needs.
func (c *Client) GetInstruments(ctx context.Context) ([]types.Instrument, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result []wireInstrument `json:"result"`
	}
	resp, err := c.market.R().SetContext(ctx).
		SetBody(map[string]any{"kind": []string{"PERPETUAL"}, "is_active": true}).
		SetResult(&result).
		Post("/full/v1/instruments")
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get instruments", resp)
	}

	out := make([]types.Instrument, 0, len(result.Result))
	for _, w := range result.Result {
		sym, err := FromVenue(w.Instrument)
		if err != nil {
			continue // venue lists futures and options outside our grammar
		}
		tick := parseF(w.TickSize)
		step := math.Pow10(-int(w.BaseDecimals))
		out = append(out, types.Instrument{
			Symbol:         sym,
			Venue:          types.VenueGRVT,
			VenueSymbol:    w.Instrument,
			TickSize:       tick,
			StepSize:       step,
			MinQty:         parseF(w.MinSize),
			PriceDecimals:  types.DecimalsFromSize(tick),
			QtyDecimals:    w.BaseDecimals,
			BaseDecimals:   w.BaseDecimals,
			Multiplier:     1,
			InstrumentHash: w.InstrumentHash,
		})
	}
	return out, nil
}

// GetTicker fetches one ticker, funding rate included.
func (c *Client) GetTicker(ctx context.Context, symbol types.Symbol) (*types.TickerSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result wireTicker `json:"result"`
	}
	resp, err := c.market.R().SetContext(ctx).
		SetBody(map[string]string{"instrument": vs}).
		SetResult(&result).
		Post("/full/v1/ticker")
	if err != nil {
		return nil, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get ticker", resp)
	}
	snap, err := result.Result.toSnapshot()
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
func (c *Client) GetBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBookSnapshot, error) {
	vs, err := ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 10
	}
	var result struct {
		Result wireBook `json:"result"`
	}
	resp, err := c.market.R().SetContext(ctx).
		SetBody(map[string]any{"instrument": vs, "depth": depth}).
		SetResult(&result).
		Post("/full/v1/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get book", resp)
	}
	return result.Result.toSnapshot()
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
	body := map[string]any{"instrument": vs, "interval": interval}
	if !since.IsZero() {
		body["start_time"] = fmt.Sprintf("%d", since.UnixNano())
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var result struct {
		Result []wireCandle `json:"result"`
	}
	resp, err := c.market.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/full/v1/kline")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get klines", resp)
	}
	out := make([]types.Candle, 0, len(result.Result))
	for _, k := range result.Result {
		out = append(out, types.Candle{
			Start:  parseNanos(k.OpenTime),
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
	body := map[string]any{"instrument": vs}
	if limit > 0 {
		body["limit"] = limit
	}
	var result struct {
		Result []wireTrade `json:"result"`
	}
	resp, err := c.market.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/full/v1/trade")
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErr("get trades", resp)
	}
	out := make([]types.Trade, 0, len(result.Result))
	for _, t := range result.Result {
		side := types.SELL
		if t.IsTakerBuy {
			side = types.BUY
		}
		out = append(out, types.Trade{
			ID:     t.TradeID,
			Symbol: symbol,
			Side:   side,
			Price:  parseF(t.Price),
			Size:   parseF(t.Size),
			Time:   parseNanos(t.EventTime),
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account (session-authenticated)
// ————————————————————————————————————————————————————————————————————————

// GetBalances fetches the sub-account summary. GRVT is a unified account:
// total_equity is the authoritative figure, the spot split is informational.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result wireSubAccount `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/sub_account_summary", map[string]string{"sub_account_id": c.subID}, &result); err != nil {
		return nil, err
	}

	out := make([]types.Balance, 0, len(result.Result.SpotBalances)+1)
	for _, b := range result.Result.SpotBalances {
		total := parseF(b.Balance)
		out = append(out, types.Balance{Currency: b.Currency, Total: total, Free: total})
	}
	if eq := parseF(result.Result.TotalEquity); eq > 0 {
		out = append(out, types.Balance{Currency: "USD_EQUITY", Total: eq, USDValue: eq})
	}
	return out, nil
}

// GetPositions fetches open positions for the sub-account.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result []wirePosition `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/positions", map[string]string{"sub_account_id": c.subID}, &result); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(result.Result))
	for i := range result.Result {
		p, err := result.Result[i].toPosition()
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders (session-authenticated, EIP-712 signed)
// ————————————————————————————————————————————————————————————————————————

// CreateOrder signs and submits one order. Market orders sign IOC with the
// caller's protective price as the limit.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest, instr *types.Instrument) (*types.OrderState, error) {
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

	isMarket := req.Type == types.OrderTypeMarket
	tif := req.TimeInForce
	switch req.Type {
	case types.OrderTypeMarket, types.OrderTypeIOC:
		tif = types.TIFImmediateOrCancel
	case types.OrderTypeFOK:
		tif = types.TIFFillOrKill
	default:
		if tif == "" {
			tif = types.TIFGoodTillTime
		}
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = NewClientOrderID()
	}
	payload := OrderPayload{
		SubAccountID: c.subID,
		IsMarket:     isMarket,
		TimeInForce:  tifCode(tif),
		PostOnly:     req.PostOnly,
		ReduceOnly:   req.ReduceOnly,
		Legs:         []OrderLeg{BuildLeg(instr, req.Side, req.Amount, req.Price)},
		Nonce:        rand.Uint32(),
		Expiration:   time.Now().Add(orderExpiry).UnixNano(),
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return nil, exchange.NewError(types.VenueGRVT, exchange.KindAuth, 0, "", err)
	}

	body := map[string]any{
		"order": map[string]any{
			"sub_account_id": c.subID,
			"is_market":      isMarket,
			"time_in_force":  string(tif),
			"post_only":      req.PostOnly,
			"reduce_only":    req.ReduceOnly,
			"legs": []map[string]any{{
				"instrument":     instr.VenueSymbol,
				"size":           instr.FormatQty(req.Amount),
				"limit_price":    instr.FormatPrice(req.Price),
				"is_buying_asset": req.Side == types.BUY,
			}},
			"signature": map[string]any{
				"signer":     c.signer.Address().Hex(),
				"r_s_v":      sig,
				"nonce":      payload.Nonce,
				"expiration": fmt.Sprintf("%d", payload.Expiration),
			},
			"metadata": map[string]any{"client_order_id": clientID},
		},
	}

	var result struct {
		Result wireOrder `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/create_order", body, &result); err != nil {
		return nil, err
	}
	st, err := result.Result.toOrderState()
	if err != nil {
		return nil, err
	}
	if st.ClientID == "" {
		st.ClientID = clientID
	}
	return &st, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	if c.dryRun {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result wireOrder `json:"result"`
	}
	body := map[string]string{"sub_account_id": c.subID, "order_id": orderID}
	if err := c.post(ctx, "/full/v1/cancel_order", body, &result); err != nil {
		return nil, err
	}
	if result.Result.OrderID == "" {
		return &types.OrderState{OrderID: orderID, Symbol: symbol, Status: types.StatusCanceled, UpdatedAt: time.Now()}, nil
	}
	st, err := result.Result.toOrderState()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// CancelAllOrders cancels every resting order, optionally per instrument.
// The venue reports only a count, so the facade falls back to list+cancel
// when callers need the order list.
func (c *Client) CancelAllOrders(ctx context.Context, symbol types.Symbol) (int, error) {
	if c.dryRun {
		return 0, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return 0, err
	}
	body := map[string]any{"sub_account_id": c.subID}
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return 0, err
		}
		body["instrument"] = vs
	}
	var result struct {
		Result struct {
			NumCancelled int `json:"num_cancelled"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/cancel_all_orders", body, &result); err != nil {
		return 0, err
	}
	return result.Result.NumCancelled, nil
}

// GetOrder looks one order up in the live table.
func (c *Client) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (*types.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		Result wireOrder `json:"result"`
	}
	body := map[string]string{"sub_account_id": c.subID, "order_id": orderID}
	if err := c.post(ctx, "/full/v1/order", body, &result); err != nil {
		return nil, err
	}
	st, err := result.Result.toOrderState()
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
	body := map[string]any{"sub_account_id": c.subID}
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		body["instrument"] = vs
	}
	var result struct {
		Result []wireOrder `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/open_orders", body, &result); err != nil {
		return nil, err
	}
	out := make([]types.OrderState, 0, len(result.Result))
	for i := range result.Result {
		st, cerr := result.Result[i].toOrderState()
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
	body := map[string]any{"sub_account_id": c.subID}
	if symbol != "" {
		vs, err := ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		body["instrument"] = vs
	}
	if !since.IsZero() {
		body["start_time"] = fmt.Sprintf("%d", since.UnixNano())
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var result struct {
		Result []wireOrder `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/order_history", body, &result); err != nil {
		return nil, err
	}
	out := make([]types.OrderState, 0, len(result.Result))
	for i := range result.Result {
		st, cerr := result.Result[i].toOrderState()
		if cerr != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
