// symbols.go translates between canonical symbols and Backpack's
// underscore-separated grammar: perps carry a _USDC_PERP style suffix
// ("BTC_USDC_PERP"), spot pairs are plain BASE_QUOTE ("BTC_USDC").
package backpack

import (
	"fmt"
	"strings"

	"perp-arb/pkg/types"
)

// ToVenue converts a canonical symbol to Backpack's native form.
func ToVenue(s types.Symbol) (string, error) {
	base, quote, kind, err := types.ParseSymbol(s)
	if err != nil {
		return "", err
	}
	switch kind {
	case types.KindPerp:
		return base + "_" + quote + "_PERP", nil
	case types.KindSpot:
		return base + "_" + quote, nil
	}
	return "", fmt.Errorf("%w: %q", types.ErrBadSymbol, s)
}

// FromVenue converts a Backpack symbol to canonical form. The perp suffix is
// two underscore tokens (quote + "PERP") that must be rejoined around the
// base, so "BTC_USDC_PERP" normalizes to "BTC-USDC-PERP" and a two-token
// "BTC_USDC" to the spot form. Anything else is rejected.
func FromVenue(vs string) (types.Symbol, error) {
	parts := strings.Split(vs, "_")
	switch {
	case len(parts) == 3 && parts[2] == "PERP":
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: backpack %q", types.ErrBadSymbol, vs)
		}
		return types.NewSymbol(parts[0], parts[1], types.KindPerp), nil
	case len(parts) == 2:
		if parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: backpack %q", types.ErrBadSymbol, vs)
		}
		return types.NewSymbol(parts[0], parts[1], types.KindSpot), nil
	}
	return "", fmt.Errorf("%w: backpack %q", types.ErrBadSymbol, vs)
}
