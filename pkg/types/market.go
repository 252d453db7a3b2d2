package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// TickerSnapshot is a normalized venue ticker. Any field may be absent;
// zero sizes mean "not reported". Freshness is tracked by arrival time at
// the aggregator, never by EventTime, because venue clocks drift.
type TickerSnapshot struct {
	Symbol  Symbol
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Last    float64
	Mark    float64
	Index   float64

	// FundingRate is nil when the venue did not report one; funding-rate
	// consumers skip such samples.
	FundingRate *float64

	EventTime time.Time
}

// Funding returns the funding rate and whether the venue reported one.
func (t *TickerSnapshot) Funding() (float64, bool) {
	if t.FundingRate == nil {
		return 0, false
	}
	return *t.FundingRate, true
}

// BookLevel is one side's top of book.
type BookLevel struct {
	Price float64
	Size  float64
}

// BookTop is the normalized top-of-book sample pushed by venue feeds.
type BookTop struct {
	Symbol    Symbol
	Bid       BookLevel
	Ask       BookLevel
	EventTime time.Time
}

// Validate rejects crossed or empty books. Both sides must be present with
// positive prices and the bid strictly below the ask; violations are logged
// by the caller and the sample dropped.
func (b *BookTop) Validate() error {
	if b.Bid.Price <= 0 || b.Ask.Price <= 0 {
		return fmt.Errorf("book %s: missing side (bid=%v ask=%v)", b.Symbol, b.Bid.Price, b.Ask.Price)
	}
	if b.Bid.Price >= b.Ask.Price {
		return fmt.Errorf("book %s: crossed (bid=%v ask=%v)", b.Symbol, b.Bid.Price, b.Ask.Price)
	}
	return nil
}

// OrderBookSnapshot is a point-in-time depth view returned by REST queries.
// Bids are sorted descending, asks ascending.
type OrderBookSnapshot struct {
	Symbol    Symbol
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// Top collapses the snapshot to its first level pair.
func (ob *OrderBookSnapshot) Top() BookTop {
	top := BookTop{Symbol: ob.Symbol, EventTime: ob.Timestamp}
	if len(ob.Bids) > 0 {
		top.Bid = ob.Bids[0]
	}
	if len(ob.Asks) > 0 {
		top.Ask = ob.Asks[0]
	}
	return top
}

// Trade is a public trade print.
type Trade struct {
	ID     string
	Symbol Symbol
	Side   Side
	Price  float64
	Size   float64
	Time   time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
