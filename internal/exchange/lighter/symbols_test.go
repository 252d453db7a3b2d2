package lighter

import (
	"testing"

	"perp-arb/pkg/types"
)

func TestToVenue(t *testing.T) {
	t.Parallel()

	got, err := ToVenue("BTC-USDC-PERP")
	if err != nil {
		t.Fatalf("ToVenue: %v", err)
	}
	if got != "BTC" {
		t.Errorf("ToVenue = %q, want BTC", got)
	}

	for _, bad := range []types.Symbol{"BTC-USDT-PERP", "BTC-USDC-SPOT", "garbage"} {
		if _, err := ToVenue(bad); err == nil {
			t.Errorf("ToVenue(%q) accepted, want error", bad)
		}
	}
}

func TestFromVenue(t *testing.T) {
	t.Parallel()

	got, err := FromVenue("ETH")
	if err != nil {
		t.Fatalf("FromVenue: %v", err)
	}
	if got != "ETH-USDC-PERP" {
		t.Errorf("FromVenue = %q, want ETH-USDC-PERP", got)
	}

	for _, bad := range []string{"", "eth", "BTC_USDC_PERP", "BTC-USDC", "BTC@500"} {
		if _, err := FromVenue(bad); err == nil {
			t.Errorf("FromVenue(%q) accepted, want error", bad)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"BTC", "ETH", "SOL"} {
		sym, err := FromVenue(base)
		if err != nil {
			t.Fatalf("FromVenue(%s): %v", base, err)
		}
		back, err := ToVenue(sym)
		if err != nil {
			t.Fatalf("ToVenue(%s): %v", sym, err)
		}
		if back != base {
			t.Errorf("round trip %s -> %s -> %s", base, sym, back)
		}
	}
}
