// wire.go holds the venue JSON shapes and their converters. GRVT serializes
// decimals as strings and timestamps as nanosecond strings; sizes in account
// payloads are already human units, unlike the scaled integers in signed
// order payloads.
package grvt

import (
	"fmt"
	"strconv"
	"time"

	"perp-arb/pkg/types"
)

type wireInstrument struct {
	Instrument     string `json:"instrument"`
	InstrumentHash string `json:"instrument_hash"`
	BaseDecimals   int32  `json:"base_decimals"`
	TickSize       string `json:"tick_size"`
	MinSize        string `json:"min_size"`
	// Quantity step is published as base decimals only; step = 10^-d.
}

type wireTicker struct {
	Instrument       string `json:"instrument"`
	BestBidPrice     string `json:"best_bid_price"`
	BestBidSize      string `json:"best_bid_size"`
	BestAskPrice     string `json:"best_ask_price"`
	BestAskSize      string `json:"best_ask_size"`
	LastPrice        string `json:"last_price"`
	MarkPrice        string `json:"mark_price"`
	IndexPrice       string `json:"index_price"`
	FundingRate8H    string `json:"funding_rate_8h_curr"`
	EventTime        string `json:"event_time"` // nanoseconds
	SequenceNumber   string `json:"sequence_number"`
	InterestRate     string `json:"interest_rate"`
	OpenInterestBase string `json:"open_interest"`
}

type wireBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireBook struct {
	Instrument string          `json:"instrument"`
	Bids       []wireBookLevel `json:"bids"`
	Asks       []wireBookLevel `json:"asks"`
	EventTime  string          `json:"event_time"`
}

type wireCandle struct {
	OpenTime string `json:"open_time"` // nanoseconds
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume_b"`
}

type wireTrade struct {
	TradeID    string `json:"trade_id"`
	Instrument string `json:"instrument"`
	IsTakerBuy bool   `json:"is_taker_buyer"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	EventTime  string `json:"event_time"`
}

type wireBalance struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

type wireSubAccount struct {
	SubAccountID   string        `json:"sub_account_id"`
	TotalEquity    string        `json:"total_equity"`
	SpotBalances   []wireBalance `json:"spot_balances"`
	UnrealizedPnl  string        `json:"unrealized_pnl"`
	AvailableValue string        `json:"available_balance"`
}

type wirePosition struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"` // signed; negative = short
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnl string `json:"unrealized_pnl"`
	RealizedPnl   string `json:"realized_pnl"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"est_liquidation_price"`
	EventTime     string `json:"event_time"`
}

type wireOrderState struct {
	OrderID       string   `json:"order_id"`
	ClientOrderID string   `json:"client_order_id"`
	Status        string   `json:"status"`
	RejectReason  string   `json:"reject_reason"`
	BookSize      []string `json:"remaining_size"` // per leg
	TradedSize    []string `json:"traded_size"`    // per leg
	AvgFillPrice  []string `json:"average_fill_price"`
}

type wireOrder struct {
	OrderID  string `json:"order_id"`
	Metadata struct {
		ClientOrderID string `json:"client_order_id"`
		CreateTime    string `json:"create_time"` // nanoseconds
	} `json:"metadata"`
	IsMarket    bool   `json:"is_market"`
	TimeInForce string `json:"time_in_force"`
	ReduceOnly  bool   `json:"reduce_only"`
	Legs        []struct {
		Instrument   string `json:"instrument"`
		Size         string `json:"size"`
		LimitPrice   string `json:"limit_price"`
		IsBuyingAsset bool  `json:"is_buying_asset"`
	} `json:"legs"`
	State wireOrderState `json:"state"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
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

// parseNanos converts GRVT's nanosecond string timestamps.
func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// statusFromVenue maps GRVT order status strings to the shared lattice.
func statusFromVenue(s string) types.OrderStatus {
	switch s {
	case "PENDING":
		return types.StatusPending
	case "OPEN":
		return types.StatusOpen
	case "FILLED":
		return types.StatusFilled
	case "CANCELLED", "CANCELED":
		return types.StatusCanceled
	case "REJECTED":
		return types.StatusRejected
	case "EXPIRED":
		return types.StatusExpired
	default:
		return types.StatusUnknown
	}
}

// fundingFraction converts the venue's funding_rate_8h_curr to a fraction.
// The unit is undocumented; observed values are consistent with basis
// points x100, so we divide by 10^4. Confirm against venue docs before
// trusting combined-opportunity scores.
func fundingFraction(raw string) float64 {
	return parseF(raw) / 10000
}

func (w *wireTicker) toSnapshot() (types.TickerSnapshot, error) {
	sym, err := FromVenue(w.Instrument)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	snap := types.TickerSnapshot{
		Symbol:    sym,
		Bid:       parseF(w.BestBidPrice),
		BidSize:   parseF(w.BestBidSize),
		Ask:       parseF(w.BestAskPrice),
		AskSize:   parseF(w.BestAskSize),
		Last:      parseF(w.LastPrice),
		Mark:      parseF(w.MarkPrice),
		Index:     parseF(w.IndexPrice),
		EventTime: parseNanos(w.EventTime),
	}
	if w.FundingRate8H != "" {
		rate := fundingFraction(w.FundingRate8H)
		snap.FundingRate = &rate
	}
	return snap, nil
}

func (w *wireBook) toSnapshot() (*types.OrderBookSnapshot, error) {
	sym, err := FromVenue(w.Instrument)
	if err != nil {
		return nil, err
	}
	snap := &types.OrderBookSnapshot{Symbol: sym, Timestamp: parseNanos(w.EventTime)}
	for _, l := range w.Bids {
		snap.Bids = append(snap.Bids, types.BookLevel{Price: parseF(l.Price), Size: parseF(l.Size)})
	}
	for _, l := range w.Asks {
		snap.Asks = append(snap.Asks, types.BookLevel{Price: parseF(l.Price), Size: parseF(l.Size)})
	}
	return snap, nil
}

func (w *wirePosition) toPosition() (types.Position, error) {
	sym, err := FromVenue(w.Instrument)
	if err != nil {
		return types.Position{}, err
	}
	return types.Position{
		Symbol:           sym,
		Side:             types.LONG,
		Size:             parseF(w.Size), // sign resolved by FilterPositions
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
	if len(w.Legs) == 0 {
		return types.OrderState{}, fmt.Errorf("grvt order %s: no legs", w.OrderID)
	}
	leg := w.Legs[0]
	sym, err := FromVenue(leg.Instrument)
	if err != nil {
		return types.OrderState{}, err
	}

	side := types.SELL
	if leg.IsBuyingAsset {
		side = types.BUY
	}
	ot := types.OrderTypeLimit
	if w.IsMarket {
		ot = types.OrderTypeMarket
	} else if w.TimeInForce == "IMMEDIATE_OR_CANCEL" {
		ot = types.OrderTypeIOC
	} else if w.TimeInForce == "FILL_OR_KILL" {
		ot = types.OrderTypeFOK
	}

	amount := parseF(leg.Size)
	var filled, remaining, average float64
	if len(w.State.TradedSize) > 0 {
		filled = parseF(w.State.TradedSize[0])
	}
	if len(w.State.BookSize) > 0 {
		remaining = parseF(w.State.BookSize[0])
	} else {
		remaining = amount - filled
	}
	if len(w.State.AvgFillPrice) > 0 {
		average = parseF(w.State.AvgFillPrice[0])
	}

	return types.OrderState{
		OrderID:   w.OrderID,
		ClientID:  w.Metadata.ClientOrderID,
		Symbol:    sym,
		Side:      side,
		Type:      ot,
		Amount:    amount,
		Price:     parseF(leg.LimitPrice),
		Filled:    filled,
		Remaining: remaining,
		Average:   average,
		Status:    statusFromVenue(w.State.Status),
		CreatedAt: parseNanos(w.Metadata.CreateTime),
		UpdatedAt: time.Now(),
	}, nil
}
