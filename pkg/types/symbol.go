package types

import (
	"fmt"
	"strings"
)

// ————————————————————————————————————————————————————————————————————————
// Symbols
// ————————————————————————————————————————————————————————————————————————

// Symbol is the normalized trading-pair identifier used everywhere inside
// the engine: uppercase, hyphen-separated, three tokens BASE-QUOTE-KIND,
// e.g. "BTC-USDC-PERP". Venue-native forms are translated at the adapter
// boundary and never leak past it.
type Symbol string

// MarketKind is the last token of a Symbol.
type MarketKind string

const (
	KindPerp MarketKind = "PERP"
	KindSpot MarketKind = "SPOT"
)

// ErrBadSymbol is wrapped by all symbol parse/translate failures so callers
// can detect "unknown symbol" distinctly from transport or venue errors.
var ErrBadSymbol = fmt.Errorf("unknown or malformed symbol")

// NewSymbol builds a canonical symbol from its parts.
func NewSymbol(base, quote string, kind MarketKind) Symbol {
	return Symbol(strings.ToUpper(base) + "-" + strings.ToUpper(quote) + "-" + string(kind))
}

// ParseSymbol validates s against the canonical grammar and returns its
// parts. Malformed input is rejected, never guessed at.
func ParseSymbol(s Symbol) (base, quote string, kind MarketKind, err error) {
	parts := strings.Split(string(s), "-")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	base, quote = parts[0], parts[1]
	if base == "" || quote == "" || base != strings.ToUpper(base) || quote != strings.ToUpper(quote) {
		return "", "", "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	switch MarketKind(parts[2]) {
	case KindPerp, KindSpot:
		kind = MarketKind(parts[2])
	default:
		return "", "", "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	return base, quote, kind, nil
}

// Base returns the base currency, or "" if the symbol is malformed.
func (s Symbol) Base() string {
	base, _, _, err := ParseSymbol(s)
	if err != nil {
		return ""
	}
	return base
}

// Quote returns the quote currency, or "" if the symbol is malformed.
func (s Symbol) Quote() string {
	_, quote, _, err := ParseSymbol(s)
	if err != nil {
		return ""
	}
	return quote
}

// Kind returns the market kind, or "" if the symbol is malformed.
func (s Symbol) Kind() MarketKind {
	_, _, kind, err := ParseSymbol(s)
	if err != nil {
		return ""
	}
	return kind
}

// IsPerp reports whether the symbol names a perpetual contract.
func (s Symbol) IsPerp() bool { return s.Kind() == KindPerp }
