package types

import (
	"math"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument metadata
// ————————————————————————————————————————————————————————————————————————

// Instrument is the typed descriptor for one symbol on one venue, parsed
// from the venue's exchange-info filters at connect time and cached for the
// life of the process. Downstream code never touches the raw filter map.
type Instrument struct {
	Symbol      Symbol // normalized symbol
	Venue       Venue
	VenueSymbol string // the venue-native form, kept for request building

	TickSize float64 // minimum price increment
	StepSize float64 // minimum quantity increment
	MinQty   float64 // smallest order the venue accepts

	PriceDecimals int32 // derived from TickSize
	QtyDecimals   int32 // derived from StepSize

	// Signature payload inputs. Only set on venues whose order signing
	// scales quantities by a per-instrument exponent.
	BaseDecimals int32
	Multiplier   float64 // contract multiplier, 1 when the venue has none

	// InstrumentHash is the venue-opaque asset identifier embedded in
	// signed order payloads. Empty on venues that sign nothing.
	InstrumentHash string
}

// DecimalsFromSize derives the number of decimal places implied by a tick or
// step size: -floor(log10(v)), clamped to [0, 18]. A size of 0.001 yields 3;
// sizes ≥ 1 yield 0.
func DecimalsFromSize(v float64) int32 {
	if v <= 0 {
		return 0
	}
	d := int32(-math.Floor(math.Log10(v)))
	if d < 0 {
		return 0
	}
	if d > 18 {
		return 18
	}
	return d
}

// FormatPrice renders p at the instrument's price precision. Over-precise
// values are truncated toward zero, never rounded up, so a formatted order
// can never cross a limit the caller computed.
func (in *Instrument) FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).Truncate(in.PriceDecimals).String()
}

// FormatQty renders q at the instrument's quantity precision, truncating.
func (in *Instrument) FormatQty(q float64) string {
	return decimal.NewFromFloat(q).Truncate(in.QtyDecimals).String()
}

// TruncateQty returns q truncated to the instrument's step precision as a
// float, for callers that need the numeric value rather than the wire form.
func (in *Instrument) TruncateQty(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).Truncate(in.QtyDecimals).Float64()
	return f
}

// ExchangeInfo is the venue-level metadata returned by the facade.
type ExchangeInfo struct {
	Venue       Venue
	Instruments []Instrument
}
