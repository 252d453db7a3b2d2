package grvt

import (
	"errors"
	"testing"

	"perp-arb/pkg/types"
)

func TestSymbolRoundTrip(t *testing.T) {
	t.Parallel()

	venueSymbols := []string{"BTC_USDT_Perp", "ETH_USDT_Perp", "SOL_USDT_Perp"}
	for _, vs := range venueSymbols {
		sym, err := FromVenue(vs)
		if err != nil {
			t.Fatalf("FromVenue(%q): %v", vs, err)
		}
		back, err := ToVenue(sym)
		if err != nil {
			t.Fatalf("ToVenue(%q): %v", sym, err)
		}
		if back != vs {
			t.Errorf("round trip %q → %q → %q", vs, sym, back)
		}
	}
}

func TestFromVenueRejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		"BTC_USDT_PERP", // wrong suffix case
		"BTC_USDT",
		"btc_usdt_Perp",
		"BTC-USDT-Perp",
		"_USDT_Perp",
		"",
	}
	for _, vs := range cases {
		if _, err := FromVenue(vs); !errors.Is(err, types.ErrBadSymbol) {
			t.Errorf("FromVenue(%q) = %v, want ErrBadSymbol", vs, err)
		}
	}
}

func TestToVenueRejectsSpot(t *testing.T) {
	t.Parallel()

	if _, err := ToVenue("BTC-USDT-SPOT"); !errors.Is(err, types.ErrBadSymbol) {
		t.Errorf("ToVenue(spot) = %v, want ErrBadSymbol", err)
	}
}
