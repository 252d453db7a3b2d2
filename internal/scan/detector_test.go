package scan

import (
	"testing"
	"time"

	"perp-arb/pkg/types"
)

var now = time.Unix(1700000000, 0)

func TestDetectPriceSpreadDirection(t *testing.T) {
	t.Parallel()

	d := NewDetector(0.01, 0.0001)
	quotes := []Quote{
		{Venue: types.VenueBackpack, Bid: 64990, Ask: 65000},
		{Venue: types.VenueGRVT, Bid: 65100, Ask: 65110},
	}
	opps := d.Detect("BTC-USDT-PERP", quotes, nil, now)
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}
	ps := opps[0].PriceSpread
	if ps == nil {
		t.Fatal("nil price spread")
	}
	// Only the profitable direction survives: buy Backpack ask, sell GRVT bid.
	if ps.Buy != types.VenueBackpack || ps.Sell != types.VenueGRVT {
		t.Errorf("direction: buy=%s sell=%s", ps.Buy, ps.Sell)
	}
	if ps.Abs != 100 {
		t.Errorf("abs = %v, want 100", ps.Abs)
	}
	wantPct := 100.0 / 65000 * 100
	if diff := ps.Pct - wantPct; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("pct = %v, want %v", ps.Pct, wantPct)
	}
}

func TestDetectNoSpreadWhenBooksOverlapUnprofitably(t *testing.T) {
	t.Parallel()

	d := NewDetector(0.01, 0.0001)
	quotes := []Quote{
		{Venue: types.VenueBackpack, Bid: 64990, Ask: 65010},
		{Venue: types.VenueGRVT, Bid: 65000, Ask: 65020},
	}
	// GRVT bid 65000 < Backpack ask 65010 and vice versa: no positive edge.
	if opps := d.Detect("BTC-USDT-PERP", quotes, nil, now); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0", len(opps))
	}
}

func TestDetectPctThreshold(t *testing.T) {
	t.Parallel()

	// 0.05 abs on a 100 ask is 0.05% which sits below a 0.1% threshold.
	d := NewDetector(0.1, 0.0001)
	quotes := []Quote{
		{Venue: types.VenueBackpack, Bid: 99, Ask: 100},
		{Venue: types.VenueGRVT, Bid: 100.05, Ask: 101},
	}
	if opps := d.Detect("ETH-USDT-PERP", quotes, nil, now); len(opps) != 0 {
		t.Errorf("sub-threshold spread emitted: %+v", opps)
	}
}

func TestDetectFundingSpread(t *testing.T) {
	t.Parallel()

	d := NewDetector(0.01, 0.0002)
	rates := []Rate{
		{Venue: types.VenueBackpack, Rate: 0.0005},
		{Venue: types.VenueLighter, Rate: 0.0001},
	}
	opps := d.Detect("BTC-USDC-PERP", nil, rates, now)
	if len(opps) != 1 || opps[0].Kind != types.KindFundingRate {
		t.Fatalf("opps = %+v", opps)
	}
	fs := opps[0].FundingSpread
	if fs.VenueHigh != types.VenueBackpack || fs.VenueLow != types.VenueLighter {
		t.Errorf("ordering: %+v", fs)
	}
	if diff := fs.Diff - 0.0004; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("diff = %v, want 0.0004", fs.Diff)
	}

	// Below threshold emits nothing.
	rates[0].Rate = 0.0002
	if opps := d.Detect("BTC-USDC-PERP", nil, rates, now); len(opps) != 0 {
		t.Errorf("sub-threshold funding emitted: %+v", opps)
	}
}

func TestDetectCombined(t *testing.T) {
	t.Parallel()

	d := NewDetector(0.01, 0.0001)
	quotes := []Quote{
		{Venue: types.VenueBackpack, Bid: 64990, Ask: 65000},
		{Venue: types.VenueGRVT, Bid: 65100, Ask: 65110},
	}
	// Buy venue (Backpack) pays the higher rate: combined.
	rates := []Rate{
		{Venue: types.VenueBackpack, Rate: 0.0005},
		{Venue: types.VenueGRVT, Rate: 0.0001},
	}
	opps := d.Detect("BTC-USDT-PERP", quotes, rates, now)
	if len(opps) != 1 || opps[0].Kind != types.KindCombined {
		t.Fatalf("opps = %+v", opps)
	}
	o := opps[0]
	if o.PriceSpread == nil || o.FundingSpread == nil {
		t.Fatal("combined must carry both legs")
	}
	wantScore := o.PriceSpread.Pct + o.FundingSpread.Diff
	if o.Score != wantScore {
		t.Errorf("score = %v, want %v", o.Score, wantScore)
	}

	// Rate direction flipped: the two stay separate.
	rates[0].Rate, rates[1].Rate = rates[1].Rate, rates[0].Rate
	opps = d.Detect("BTC-USDT-PERP", quotes, rates, now)
	if len(opps) != 2 {
		t.Fatalf("got %d opportunities, want 2 separate", len(opps))
	}
	for _, o := range opps {
		if o.Kind == types.KindCombined {
			t.Error("unexpected combined with inverted rates")
		}
	}
}

func TestDetectSortedByScore(t *testing.T) {
	t.Parallel()

	d := NewDetector(0.01, 0.0001)
	quotes := []Quote{
		{Venue: types.VenueBackpack, Bid: 99, Ask: 100},
		{Venue: types.VenueGRVT, Bid: 101, Ask: 102},
		{Venue: types.VenueLighter, Bid: 103, Ask: 104},
	}
	opps := d.Detect("SOL-USDC-PERP", quotes, nil, now)
	if len(opps) < 2 {
		t.Fatalf("got %d opportunities", len(opps))
	}
	for i := 1; i < len(opps); i++ {
		if opps[i].Score > opps[i-1].Score {
			t.Errorf("not sorted at %d: %v > %v", i, opps[i].Score, opps[i-1].Score)
		}
	}
}

func TestGridLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pct, threshold float64
		want           string
	}{
		{0.05, 0.1, "T0"},
		{0.1, 0.1, "T1"},
		{0.19, 0.1, "T1"},
		{0.2, 0.1, "T2"},
		{0.55, 0.1, "T5"},
		{1, 0, "T0"},
	}
	for _, c := range cases {
		if got := GridLevel(c.pct, c.threshold); got != c.want {
			t.Errorf("GridLevel(%v, %v) = %s, want %s", c.pct, c.threshold, got, c.want)
		}
	}
}
