package types

import (
	"errors"
	"testing"
)

func TestParseSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    Symbol
		base  string
		quote string
		kind  MarketKind
		ok    bool
	}{
		{"BTC-USDC-PERP", "BTC", "USDC", KindPerp, true},
		{"ETH-USDT-PERP", "ETH", "USDT", KindPerp, true},
		{"SOL-USDC-SPOT", "SOL", "USDC", KindSpot, true},
		{"BTC-USDC", "", "", "", false},       // two tokens
		{"BTC-USDC-FUT", "", "", "", false},   // unknown kind
		{"btc-usdc-PERP", "", "", "", false},  // lowercase
		{"-USDC-PERP", "", "", "", false},     // empty base
		{"BTCUSDCPERP", "", "", "", false},    // no separators
		{"", "", "", "", false},
	}

	for _, tt := range tests {
		base, quote, kind, err := ParseSymbol(tt.in)
		if tt.ok && err != nil {
			t.Errorf("ParseSymbol(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ParseSymbol(%q) expected error, got none", tt.in)
			} else if !errors.Is(err, ErrBadSymbol) {
				t.Errorf("ParseSymbol(%q) error not ErrBadSymbol: %v", tt.in, err)
			}
			continue
		}
		if base != tt.base || quote != tt.quote || kind != tt.kind {
			t.Errorf("ParseSymbol(%q) = %q %q %q, want %q %q %q",
				tt.in, base, quote, kind, tt.base, tt.quote, tt.kind)
		}
	}
}

func TestDecimalsFromSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size float64
		want int32
	}{
		{0.1, 1},
		{0.01, 2},
		{0.001, 3},
		{0.0001, 4},
		{1, 0},
		{10, 0},    // coarser than whole units clamps to 0
		{0, 0},     // unset
		{-0.01, 0}, // nonsense input
		{1e-20, 18},
	}

	for _, tt := range tests {
		if got := DecimalsFromSize(tt.size); got != tt.want {
			t.Errorf("DecimalsFromSize(%v) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestInstrumentFormatTruncates(t *testing.T) {
	t.Parallel()

	in := &Instrument{PriceDecimals: 1, QtyDecimals: 3}

	if got := in.FormatPrice(100.19); got != "100.1" {
		t.Errorf("FormatPrice(100.19) = %q, want 100.1 (never round up)", got)
	}
	if got := in.FormatQty(0.0019); got != "0.001" {
		t.Errorf("FormatQty(0.0019) = %q, want 0.001", got)
	}
	if got := in.FormatQty(2); got != "2" {
		t.Errorf("FormatQty(2) = %q, want 2", got)
	}
}

func TestOrderStatusLattice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusOpen, true},
		{StatusOpen, StatusPartial, true},
		{StatusPartial, StatusFilled, true},
		{StatusOpen, StatusCanceled, true},
		{StatusPending, StatusRejected, true},
		{StatusFilled, StatusOpen, false},     // terminal is sticky
		{StatusCanceled, StatusFilled, false}, // terminal is sticky
		{StatusPartial, StatusOpen, false},    // no going backwards
		{StatusUnknown, StatusFilled, true},   // concrete always beats UNKNOWN
		{StatusFilled, StatusFilled, true},    // idempotent
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderStateValidate(t *testing.T) {
	t.Parallel()

	ok := OrderState{OrderID: "1", Amount: 1, Filled: 0.4, Remaining: 0.6, Status: StatusPartial}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}

	// Within epsilon still passes.
	within := OrderState{OrderID: "2", Amount: 1, Filled: 0.4, Remaining: 0.6 + 5e-9, Status: StatusPartial}
	if err := within.Validate(); err != nil {
		t.Errorf("order within epsilon rejected: %v", err)
	}

	bad := OrderState{OrderID: "3", Amount: 1, Filled: 0.5, Remaining: 0.6, Status: StatusPartial}
	if err := bad.Validate(); err == nil {
		t.Error("conservation violation not caught")
	}

	leftover := OrderState{OrderID: "4", Amount: 1, Filled: 0.9, Remaining: 0.1, Status: StatusFilled}
	if err := leftover.Validate(); err == nil {
		t.Error("FILLED with remaining not caught")
	}
}

func TestBookTopValidate(t *testing.T) {
	t.Parallel()

	good := BookTop{Symbol: "BTC-USDC-PERP", Bid: BookLevel{Price: 99.9, Size: 1}, Ask: BookLevel{Price: 100.0, Size: 1}}
	if err := good.Validate(); err != nil {
		t.Errorf("valid book rejected: %v", err)
	}

	crossed := BookTop{Symbol: "BTC-USDC-PERP", Bid: BookLevel{Price: 100.1, Size: 1}, Ask: BookLevel{Price: 100.0, Size: 1}}
	if err := crossed.Validate(); err == nil {
		t.Error("crossed book not caught")
	}

	touching := BookTop{Symbol: "BTC-USDC-PERP", Bid: BookLevel{Price: 100.0, Size: 1}, Ask: BookLevel{Price: 100.0, Size: 1}}
	if err := touching.Validate(); err == nil {
		t.Error("bid == ask not caught")
	}

	oneSided := BookTop{Symbol: "BTC-USDC-PERP", Ask: BookLevel{Price: 100.0, Size: 1}}
	if err := oneSided.Validate(); err == nil {
		t.Error("missing bid not caught")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite mapping wrong")
	}
}
