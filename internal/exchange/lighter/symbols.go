// symbols.go translates between canonical symbols and Lighter's bare-base
// market names: the venue lists perpetual markets as just "BTC", "ETH", ...
// with USDC quoting implied everywhere.
package lighter

import (
	"fmt"
	"strings"

	"perp-arb/pkg/types"
)

const impliedQuote = "USDC"

// ToVenue converts a canonical symbol to Lighter's market name. Only
// USDC-quoted perps exist on the venue.
func ToVenue(s types.Symbol) (string, error) {
	base, quote, kind, err := types.ParseSymbol(s)
	if err != nil {
		return "", err
	}
	if kind != types.KindPerp || quote != impliedQuote {
		return "", fmt.Errorf("%w: lighter only lists USDC perps, got %q", types.ErrBadSymbol, s)
	}
	return base, nil
}

// FromVenue converts a Lighter market name to canonical form. The name must
// be a plain uppercase base token; anything decorated is rejected.
func FromVenue(vs string) (types.Symbol, error) {
	if vs == "" || vs != strings.ToUpper(vs) || strings.ContainsAny(vs, "-_/@ ") {
		return "", fmt.Errorf("%w: lighter %q", types.ErrBadSymbol, vs)
	}
	return types.NewSymbol(vs, impliedQuote, types.KindPerp), nil
}
