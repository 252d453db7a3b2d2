// Package scan holds the opportunity detector: pure enumeration over fresh
// per-venue quotes and funding rates. The detector owns no state and no
// clocks; the aggregator's analysis worker feeds it snapshots and decides
// freshness before calling.
package scan

import (
	"fmt"
	"sort"
	"time"

	"perp-arb/pkg/types"
)

// Quote is one venue's fresh top of book for the symbol under scan. Zero
// sizes mean "not reported".
type Quote struct {
	Venue   types.Venue
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
}

// Rate is one venue's funding rate. Venues that did not report funding are
// simply not listed.
type Rate struct {
	Venue types.Venue
	Rate  float64
}

// Detector enumerates price, funding and combined opportunities.
type Detector struct {
	priceThresholdPct float64
	fundingThreshold  float64
}

// NewDetector builds a detector with the configured thresholds.
func NewDetector(priceThresholdPct, fundingThreshold float64) *Detector {
	return &Detector{priceThresholdPct: priceThresholdPct, fundingThreshold: fundingThreshold}
}

// Detect enumerates opportunities for one symbol, sorted by score descending.
//
// Price spreads are directed: the ordered pair (buy, sell) is retained only
// when sell.bid > buy.ask, so every emitted spread has positive gross edge.
// Funding spreads are unordered pairs with |Δrate| at or above threshold.
// COMBINED is emitted when the top price spread and a funding spread cover
// the same venues with the buy venue paying the higher rate; it replaces the
// two constituent entries.
func (d *Detector) Detect(symbol types.Symbol, quotes []Quote, rates []Rate, now time.Time) []types.Opportunity {
	var out []types.Opportunity

	priceSpreads := d.priceSpreads(quotes)
	fundingSpreads := d.fundingSpreads(rates)

	var combined *types.Opportunity
	if len(priceSpreads) > 0 {
		top := priceSpreads[0]
		for i := range fundingSpreads {
			fs := &fundingSpreads[i]
			rateBuy, okBuy := fs.Rate(top.Buy)
			rateSell, okSell := fs.Rate(top.Sell)
			if okBuy && okSell && rateBuy > rateSell {
				combined = &types.Opportunity{
					Symbol:        symbol,
					Kind:          types.KindCombined,
					PriceSpread:   &priceSpreads[0],
					FundingSpread: fs,
					Score:         top.Pct + fs.Diff,
					DetectedAt:    now,
				}
				priceSpreads = priceSpreads[1:]
				fundingSpreads = append(fundingSpreads[:i], fundingSpreads[i+1:]...)
				break
			}
		}
	}
	if combined != nil {
		out = append(out, *combined)
	}
	for i := range priceSpreads {
		out = append(out, types.Opportunity{
			Symbol:      symbol,
			Kind:        types.KindPriceSpread,
			PriceSpread: &priceSpreads[i],
			Score:       priceSpreads[i].Pct,
			DetectedAt:  now,
		})
	}
	for i := range fundingSpreads {
		out = append(out, types.Opportunity{
			Symbol:        symbol,
			Kind:          types.KindFundingRate,
			FundingSpread: &fundingSpreads[i],
			Score:         fundingSpreads[i].Diff,
			DetectedAt:    now,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// priceSpreads enumerates ordered venue pairs, keeping only directions with
// positive gross edge at or above the pct threshold. Sorted best first.
func (d *Detector) priceSpreads(quotes []Quote) []types.PriceSpread {
	var out []types.PriceSpread
	for _, buy := range quotes {
		if buy.Ask <= 0 {
			continue
		}
		for _, sell := range quotes {
			if sell.Venue == buy.Venue || sell.Bid <= 0 {
				continue
			}
			abs := sell.Bid - buy.Ask
			if abs <= 0 {
				continue
			}
			pct := abs / buy.Ask * 100
			if pct < d.priceThresholdPct {
				continue
			}
			out = append(out, types.PriceSpread{
				Buy:       buy.Venue,
				Sell:      sell.Venue,
				PriceBuy:  buy.Ask,
				PriceSell: sell.Bid,
				SizeBuy:   buy.AskSize,
				SizeSell:  sell.BidSize,
				Abs:       abs,
				Pct:       pct,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pct > out[j].Pct })
	return out
}

// fundingSpreads enumerates unordered pairs with |Δrate| ≥ threshold.
func (d *Detector) fundingSpreads(rates []Rate) []types.FundingSpread {
	var out []types.FundingSpread
	for i := 0; i < len(rates); i++ {
		for j := i + 1; j < len(rates); j++ {
			hi, lo := rates[i], rates[j]
			if hi.Rate < lo.Rate {
				hi, lo = lo, hi
			}
			diff := hi.Rate - lo.Rate
			if diff < d.fundingThreshold {
				continue
			}
			out = append(out, types.FundingSpread{
				VenueHigh: hi.Venue,
				VenueLow:  lo.Venue,
				RateHigh:  hi.Rate,
				RateLow:   lo.Rate,
				Diff:      diff,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Diff > out[j].Diff })
	return out
}

// GridLevel discretizes an observed spread into threshold bands: T1 is
// [θ, 2θ), T2 is [2θ, 3θ), and so on. Spreads below θ map to T0. Quarantined
// symbols auto-resume when the band changes.
func GridLevel(pct, thresholdPct float64) string {
	if thresholdPct <= 0 || pct < thresholdPct {
		return "T0"
	}
	return fmt.Sprintf("T%d", int(pct/thresholdPct))
}
