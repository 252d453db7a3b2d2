package grvt

import (
	"testing"

	"perp-arb/pkg/types"
)

func TestFundingFraction(t *testing.T) {
	t.Parallel()

	// funding_rate_8h_curr arrives as basis points x100.
	if got := fundingFraction("100"); got != 0.01 {
		t.Errorf("fundingFraction(100) = %v, want 0.01", got)
	}
	if got := fundingFraction("-25"); got != -0.0025 {
		t.Errorf("fundingFraction(-25) = %v, want -0.0025", got)
	}
}

func TestWireOrderToState(t *testing.T) {
	t.Parallel()

	var w wireOrder
	w.OrderID = "ord-1"
	w.Metadata.ClientOrderID = "9300000000000000001"
	w.Metadata.CreateTime = "1700000000000000000"
	w.IsMarket = false
	w.TimeInForce = "GOOD_TILL_TIME"
	w.Legs = []struct {
		Instrument   string `json:"instrument"`
		Size         string `json:"size"`
		LimitPrice   string `json:"limit_price"`
		IsBuyingAsset bool  `json:"is_buying_asset"`
	}{{Instrument: "BTC_USDT_Perp", Size: "0.5", LimitPrice: "65000", IsBuyingAsset: true}}
	w.State = wireOrderState{
		Status:       "OPEN",
		TradedSize:   []string{"0.2"},
		BookSize:     []string{"0.3"},
		AvgFillPrice: []string{"64990"},
	}

	st, err := w.toOrderState()
	if err != nil {
		t.Fatalf("toOrderState: %v", err)
	}
	if st.Symbol != "BTC-USDT-PERP" || st.Side != types.BUY || st.Status != types.StatusOpen {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.Filled != 0.2 || st.Remaining != 0.3 || st.Amount != 0.5 {
		t.Errorf("fill accounting: filled=%v remaining=%v amount=%v", st.Filled, st.Remaining, st.Amount)
	}
	if err := st.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestStatusFromVenue(t *testing.T) {
	t.Parallel()

	cases := map[string]types.OrderStatus{
		"PENDING":   types.StatusPending,
		"OPEN":      types.StatusOpen,
		"FILLED":    types.StatusFilled,
		"CANCELLED": types.StatusCanceled,
		"REJECTED":  types.StatusRejected,
		"EXPIRED":   types.StatusExpired,
		"???":       types.StatusUnknown,
	}
	for in, want := range cases {
		if got := statusFromVenue(in); got != want {
			t.Errorf("statusFromVenue(%q) = %v, want %v", in, got, want)
		}
	}
}
