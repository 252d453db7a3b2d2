// wire.go holds the venue JSON shapes and their converters into the shared
// data model. Backpack serializes every decimal as a string; parse failures
// surface as zero values rather than dropping the whole payload, matching
// how partial ticker fields are treated everywhere else.
package backpack

import (
	"sort"
	"strconv"
	"time"

	"perp-arb/pkg/types"
)

type wireMarket struct {
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"` // "SPOT" or "PERP"
	Filters    struct {
		Price struct {
			TickSize string `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize    string `json:"stepSize"`
			MinQuantity string `json:"minQuantity"`
		} `json:"quantity"`
	} `json:"filters"`
}

type wireTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	High               string `json:"high"`
	Low                string `json:"low"`
	Volume             string `json:"volume"`
}

type wireMarkPrice struct {
	Symbol      string `json:"symbol"`
	MarkPrice   string `json:"markPrice"`
	IndexPrice  string `json:"indexPrice"`
	FundingRate string `json:"fundingRate"`
}

type wireDepth struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"` // microseconds
}

type wireKline struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type wireTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	Timestamp    int64  `json:"timestamp"` // milliseconds
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type wireCapital struct {
	Available     string `json:"available"`
	Locked        string `json:"locked"`
	Staked        string `json:"staked"`
	TotalQuantity string `json:"totalQuantity"`
}

type wirePosition struct {
	Symbol         string `json:"symbol"`
	NetQuantity    string `json:"netQuantity"`
	EntryPrice     string `json:"entryPrice"`
	MarkPrice      string `json:"markPrice"`
	PnlUnrealized  string `json:"pnlUnrealized"`
	PnlRealized    string `json:"pnlRealized"`
	EstLiqPrice    string `json:"estLiquidationPrice"`
	IMF            string `json:"imf"`
	CumulativeFund string `json:"cumulativeFundingPayment"`
}

type wireOrder struct {
	ID               string `json:"id"`
	ClientID         int64  `json:"clientId"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`      // "Bid" / "Ask"
	OrderType        string `json:"orderType"` // "Limit" / "Market"
	Quantity         string `json:"quantity"`
	ExecutedQuantity string `json:"executedQuantity"`
	QuoteQuantity    string `json:"quoteQuantity"`
	Price            string `json:"price"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	TimeInForce      string `json:"timeInForce"`
	ReduceOnly       bool   `json:"reduceOnly"`
}

type wireFill struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Fee       string `json:"fee"`
	FeeSymbol string `json:"feeSymbol"`
	Timestamp string `json:"timestamp"` // RFC3339
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

// statusFromVenue maps Backpack order-status strings to the shared lattice.
func statusFromVenue(s string) types.OrderStatus {
	switch s {
	case "New", "TriggerPending":
		return types.StatusOpen
	case "PartiallyFilled":
		return types.StatusPartial
	case "Filled":
		return types.StatusFilled
	case "Cancelled", "Canceled":
		return types.StatusCanceled
	case "Expired", "TriggerFailed":
		return types.StatusExpired
	case "Rejected":
		return types.StatusRejected
	default:
		return types.StatusUnknown
	}
}

func sideFromVenue(s string) types.Side {
	if s == "Bid" {
		return types.BUY
	}
	return types.SELL
}

func sideToVenue(s types.Side) string {
	if s == types.BUY {
		return "Bid"
	}
	return "Ask"
}

func (w *wireOrder) toOrderState() (types.OrderState, error) {
	sym, err := FromVenue(w.Symbol)
	if err != nil {
		return types.OrderState{}, err
	}
	amount := parseF(w.Quantity)
	filled := parseF(w.ExecutedQuantity)
	ot := types.OrderTypeLimit
	if w.OrderType == "Market" {
		ot = types.OrderTypeMarket
	} else if w.TimeInForce == "IOC" {
		ot = types.OrderTypeIOC
	} else if w.TimeInForce == "FOK" {
		ot = types.OrderTypeFOK
	}
	st := types.OrderState{
		OrderID:   w.ID,
		Symbol:    sym,
		Side:      sideFromVenue(w.Side),
		Type:      ot,
		Amount:    amount,
		Price:     parseF(w.Price),
		Filled:    filled,
		Remaining: amount - filled,
		Status:    statusFromVenue(w.Status),
		CreatedAt: time.UnixMilli(w.CreatedAt),
		UpdatedAt: time.Now(),
	}
	if w.ClientID != 0 {
		st.ClientID = strconv.FormatInt(w.ClientID, 10)
	}
	if amount > 0 && filled > 0 {
		quote := parseF(w.QuoteQuantity)
		if quote > 0 {
			st.Average = quote / filled
		}
	}
	return st, nil
}

func (w *wirePosition) toPosition() (types.Position, error) {
	sym, err := FromVenue(w.Symbol)
	if err != nil {
		return types.Position{}, err
	}
	net := parseF(w.NetQuantity)
	p := types.Position{
		Symbol:           sym,
		Side:             types.LONG,
		Size:             net, // FilterPositions flips negatives
		EntryPrice:       parseF(w.EntryPrice),
		MarkPrice:        parseF(w.MarkPrice),
		UnrealizedPnL:    parseF(w.PnlUnrealized),
		RealizedPnL:      parseF(w.PnlRealized),
		LiquidationPrice: parseF(w.EstLiqPrice),
		MarginMode:       types.MarginCross,
		UpdatedAt:        time.Now(),
	}
	return p, nil
}

func depthToSnapshot(sym types.Symbol, d *wireDepth) *types.OrderBookSnapshot {
	snap := &types.OrderBookSnapshot{Symbol: sym, Timestamp: time.UnixMicro(d.Timestamp)}
	for _, lvl := range d.Bids {
		if len(lvl) < 2 {
			continue
		}
		snap.Bids = append(snap.Bids, types.BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
	}
	for _, lvl := range d.Asks {
		if len(lvl) < 2 {
			continue
		}
		snap.Asks = append(snap.Asks, types.BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
	}
	// Venue sends bids ascending; best bid must come first.
	sortLevels(snap.Bids, false)
	sortLevels(snap.Asks, true)
	return snap
}

func sortLevels(levels []types.BookLevel, ascending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if ascending {
			return levels[i].Price < levels[j].Price
		}
		return levels[i].Price > levels[j].Price
	})
}
