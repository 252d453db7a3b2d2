// wire.go holds the venue JSON shapes and their converters. Lighter reports
// precisions as decimal counts rather than tick/step strings, and order
// sides as lowercase "buy"/"sell".
package lighter

import (
	"math"
	"strconv"
	"time"

	"perp-arb/pkg/types"
)

type wireMarket struct {
	Symbol        string `json:"symbol"`
	MarketID      int    `json:"market_id"`
	PriceDecimals int32  `json:"price_decimals"`
	SizeDecimals  int32  `json:"size_decimals"`
	MinBaseAmount string `json:"min_base_amount"`
	Status        string `json:"status"`
}

type wireMarketDetails struct {
	Symbol          string `json:"symbol"`
	LastTradePrice  string `json:"last_trade_price"`
	MarkPrice       string `json:"mark_price"`
	IndexPrice      string `json:"index_price"`
	FundingRate     string `json:"current_funding_rate"`
	BestBid         string `json:"best_bid"`
	BestBidSize     string `json:"best_bid_size"`
	BestAsk         string `json:"best_ask"`
	BestAskSize     string `json:"best_ask_size"`
	UpdatedAtMs     int64  `json:"updated_at"`
	DailyBaseVolume string `json:"daily_base_token_volume"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"remaining_base_amount"`
}

type wireBook struct {
	Bids        []wireLevel `json:"bids"`
	Asks        []wireLevel `json:"asks"`
	UpdatedAtMs int64       `json:"updated_at"`
}

type wireCandle struct {
	StartMs int64  `json:"start_timestamp"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"base_token_volume"`
}

type wireTrade struct {
	TradeID    int64  `json:"trade_id"`
	IsMakerAsk bool   `json:"is_maker_ask"` // maker ask = taker bought
	Price      string `json:"price"`
	Size       string `json:"size"`
	TimeMs     int64  `json:"timestamp"`
}

type wireBalance struct {
	Currency  string `json:"currency"`
	Available string `json:"available_balance"`
	Locked    string `json:"locked_balance"`
	Total     string `json:"total_balance"`
	USDValue  string `json:"usd_value"`
}

type wirePosition struct {
	Market        string `json:"market"`
	Sign          int    `json:"sign"` // 1 long, -1 short
	Size          string `json:"position"`
	EntryPrice    string `json:"avg_entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnl string `json:"unrealized_pnl"`
	RealizedPnl   string `json:"realized_pnl"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"liquidation_price"`
}

type wireOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	Side          string `json:"side"` // "buy" / "sell"
	Type          string `json:"type"` // "limit" / "market"
	TimeInForce   string `json:"time_in_force"`
	Size          string `json:"initial_base_amount"`
	Remaining     string `json:"remaining_base_amount"`
	Filled        string `json:"filled_base_amount"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Price         string `json:"price"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduce_only"`
	CreatedAtMs   int64  `json:"created_at"`
	UpdatedAtMs   int64  `json:"updated_at"`
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// statusFromVenue maps Lighter order statuses to the shared lattice.
func statusFromVenue(s string) types.OrderStatus {
	switch s {
	case "pending":
		return types.StatusPending
	case "open", "in-progress":
		return types.StatusOpen
	case "partially-filled":
		return types.StatusPartial
	case "filled":
		return types.StatusFilled
	case "canceled", "canceled-post-only":
		return types.StatusCanceled
	case "rejected":
		return types.StatusRejected
	case "expired":
		return types.StatusExpired
	default:
		return types.StatusUnknown
	}
}

func sideFromVenue(s string) types.Side {
	if s == "buy" {
		return types.BUY
	}
	return types.SELL
}

func sideToVenue(s types.Side) string {
	if s == types.BUY {
		return "buy"
	}
	return "sell"
}

func (w *wireMarket) toInstrument() (types.Instrument, error) {
	sym, err := FromVenue(w.Symbol)
	if err != nil {
		return types.Instrument{}, err
	}
	return types.Instrument{
		Symbol:        sym,
		Venue:         types.VenueLighter,
		VenueSymbol:   w.Symbol,
		TickSize:      math.Pow10(-int(w.PriceDecimals)),
		StepSize:      math.Pow10(-int(w.SizeDecimals)),
		MinQty:        parseF(w.MinBaseAmount),
		PriceDecimals: w.PriceDecimals,
		QtyDecimals:   w.SizeDecimals,
		Multiplier:    1,
	}, nil
}

func (w *wireMarketDetails) toSnapshot() (types.TickerSnapshot, error) {
	sym, err := FromVenue(w.Symbol)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	snap := types.TickerSnapshot{
		Symbol:    sym,
		Bid:       parseF(w.BestBid),
		BidSize:   parseF(w.BestBidSize),
		Ask:       parseF(w.BestAsk),
		AskSize:   parseF(w.BestAskSize),
		Last:      parseF(w.LastTradePrice),
		Mark:      parseF(w.MarkPrice),
		Index:     parseF(w.IndexPrice),
		EventTime: time.UnixMilli(w.UpdatedAtMs),
	}
	if w.FundingRate != "" {
		rate := parseF(w.FundingRate)
		snap.FundingRate = &rate
	}
	return snap, nil
}

func (w *wirePosition) toPosition() (types.Position, error) {
	sym, err := FromVenue(w.Market)
	if err != nil {
		return types.Position{}, err
	}
	size := parseF(w.Size)
	if w.Sign < 0 {
		size = -size
	}
	return types.Position{
		Symbol:           sym,
		Side:             types.LONG, // FilterPositions flips negatives
		Size:             size,
		EntryPrice:       parseF(w.EntryPrice),
		MarkPrice:        parseF(w.MarkPrice),
		UnrealizedPnL:    parseF(w.UnrealizedPnl),
		RealizedPnL:      parseF(w.RealizedPnl),
		Leverage:         parseF(w.Leverage),
		LiquidationPrice: parseF(w.LiqPrice),
		MarginMode:       types.MarginCross,
		UpdatedAt:        time.Now(),
	}, nil
}

func (w *wireOrder) toOrderState() (types.OrderState, error) {
	sym, err := FromVenue(w.Market)
	if err != nil {
		return types.OrderState{}, err
	}
	ot := types.OrderTypeLimit
	switch {
	case w.Type == "market":
		ot = types.OrderTypeMarket
	case w.TimeInForce == "immediate-or-cancel":
		ot = types.OrderTypeIOC
	case w.TimeInForce == "fill-or-kill":
		ot = types.OrderTypeFOK
	}
	amount := parseF(w.Size)
	filled := parseF(w.Filled)
	remaining := parseF(w.Remaining)
	if w.Remaining == "" {
		remaining = amount - filled
	}
	return types.OrderState{
		OrderID:   w.OrderID,
		ClientID:  w.ClientOrderID,
		Symbol:    sym,
		Side:      sideFromVenue(w.Side),
		Type:      ot,
		Amount:    amount,
		Price:     parseF(w.Price),
		Filled:    filled,
		Remaining: remaining,
		Average:   parseF(w.AvgFillPrice),
		Status:    statusFromVenue(w.Status),
		CreatedAt: time.UnixMilli(w.CreatedAtMs),
		UpdatedAt: time.UnixMilli(w.UpdatedAtMs),
	}, nil
}

func (w *wireBook) toSnapshot(sym types.Symbol) *types.OrderBookSnapshot {
	snap := &types.OrderBookSnapshot{Symbol: sym, Timestamp: time.UnixMilli(w.UpdatedAtMs)}
	for _, l := range w.Bids {
		snap.Bids = append(snap.Bids, types.BookLevel{Price: parseF(l.Price), Size: parseF(l.Size)})
	}
	for _, l := range w.Asks {
		snap.Asks = append(snap.Asks, types.BookLevel{Price: parseF(l.Price), Size: parseF(l.Size)})
	}
	return snap
}
