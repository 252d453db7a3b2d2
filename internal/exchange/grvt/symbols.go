// symbols.go translates between canonical symbols and GRVT's mixed-case
// grammar: perps carry a "_Perp" suffix ("BTC_USDT_Perp"). The suffix casing
// is part of the venue's wire format and must round-trip exactly.
package grvt

import (
	"fmt"
	"strings"

	"perp-arb/pkg/types"
)

// ToVenue converts a canonical symbol to GRVT's native form. GRVT lists
// derivatives only, so spot symbols are rejected.
func ToVenue(s types.Symbol) (string, error) {
	base, quote, kind, err := types.ParseSymbol(s)
	if err != nil {
		return "", err
	}
	if kind != types.KindPerp {
		return "", fmt.Errorf("%w: grvt has no spot market for %q", types.ErrBadSymbol, s)
	}
	return base + "_" + quote + "_Perp", nil
}

// FromVenue converts a GRVT instrument name to canonical form. Only the
// exact "BASE_QUOTE_Perp" shape is accepted; anything else is rejected
// rather than guessed at.
func FromVenue(vs string) (types.Symbol, error) {
	parts := strings.Split(vs, "_")
	if len(parts) != 3 || parts[2] != "Perp" || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: grvt %q", types.ErrBadSymbol, vs)
	}
	if parts[0] != strings.ToUpper(parts[0]) || parts[1] != strings.ToUpper(parts[1]) {
		return "", fmt.Errorf("%w: grvt %q", types.ErrBadSymbol, vs)
	}
	return types.NewSymbol(parts[0], parts[1], types.KindPerp), nil
}
