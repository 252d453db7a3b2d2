package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Arbitrage opportunities
// ————————————————————————————————————————————————————————————————————————

// OpportunityKind classifies what edge a detected opportunity carries.
type OpportunityKind string

const (
	KindPriceSpread OpportunityKind = "PRICE_SPREAD"
	KindFundingRate OpportunityKind = "FUNDING_RATE"
	KindCombined    OpportunityKind = "COMBINED"
)

// PriceSpread is a directed two-venue price dislocation. Enumeration only
// retains directions with positive gross edge (sell bid above buy ask), so
// Abs and Pct are always positive.
type PriceSpread struct {
	Buy  Venue // venue whose ask we lift
	Sell Venue // venue whose bid we hit

	PriceBuy  float64 // Buy venue best ask
	PriceSell float64 // Sell venue best bid
	SizeBuy   float64 // size at the Buy venue ask, 0 if unreported
	SizeSell  float64 // size at the Sell venue bid, 0 if unreported

	Abs float64 // PriceSell - PriceBuy
	Pct float64 // Abs / PriceBuy * 100
}

// FundingSpread is an unordered two-venue funding-rate dislocation.
type FundingSpread struct {
	VenueHigh Venue   // venue paying the higher rate
	VenueLow  Venue   // venue paying the lower rate
	RateHigh  float64
	RateLow   float64
	Diff      float64 // RateHigh - RateLow, always ≥ 0
}

// Rate returns the rate this spread recorded for v, if v participates.
func (f *FundingSpread) Rate(v Venue) (float64, bool) {
	switch v {
	case f.VenueHigh:
		return f.RateHigh, true
	case f.VenueLow:
		return f.RateLow, true
	}
	return 0, false
}

// Opportunity is one scan result for one symbol. Exactly one of PriceSpread
// or FundingSpread is set for the plain kinds; both are set for COMBINED.
type Opportunity struct {
	Symbol        Symbol
	Kind          OpportunityKind
	PriceSpread   *PriceSpread
	FundingSpread *FundingSpread
	Score         float64 // Pct for price, Diff for funding, their sum for combined
	DetectedAt    time.Time
}
