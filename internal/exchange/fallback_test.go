package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-arb/pkg/types"
)

func TestCancelAllWithFallbackAccumulates(t *testing.T) {
	t.Parallel()

	open := []types.OrderState{
		{OrderID: "a", Symbol: "BTC-USDC-PERP", Status: types.StatusOpen},
		{OrderID: "b", Symbol: "BTC-USDC-PERP", Status: types.StatusOpen},
		{OrderID: "c", Symbol: "BTC-USDC-PERP", Status: types.StatusOpen},
	}
	listOpen := func(context.Context, types.Symbol) ([]types.OrderState, error) {
		return open, nil
	}
	cancel := func(_ context.Context, id string, _ types.Symbol) (*types.OrderState, error) {
		if id == "b" {
			return nil, NewError(types.VenueBackpack, KindTransport, 0, "boom", nil)
		}
		return &types.OrderState{OrderID: id, Status: types.StatusCanceled}, nil
	}

	got, err := CancelAllWithFallback(context.Background(), "BTC-USDC-PERP", listOpen, cancel)
	if err != nil {
		t.Fatalf("CancelAllWithFallback: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cancelled %d orders, want 2 (one cancel failed)", len(got))
	}
	for _, st := range got {
		if st.Status != types.StatusCanceled {
			t.Errorf("order %s status = %s, want CANCELED", st.OrderID, st.Status)
		}
	}
}

func TestResolveOrderHistoryFallback(t *testing.T) {
	t.Parallel()

	notFound := NewError(types.VenueGRVT, KindNotFound, 0, "no such order", nil)
	get := func(context.Context, string, types.Symbol) (*types.OrderState, error) {
		return nil, notFound
	}
	history := func(context.Context, types.Symbol, time.Time, int) ([]types.OrderState, error) {
		return []types.OrderState{
			{OrderID: "123", ClientID: "cl-1", Status: types.StatusFilled},
			{OrderID: "456", ClientID: "cl-2", Status: types.StatusCanceled},
		}, nil
	}

	st, err := ResolveOrder(context.Background(), "456", "ETH-USDT-PERP", get, history)
	if err != nil {
		t.Fatalf("ResolveOrder: %v", err)
	}
	if st.OrderID != "456" || st.Status != types.StatusCanceled {
		t.Errorf("resolved wrong order: %+v", st)
	}

	// Matching by client id also works.
	st, err = ResolveOrder(context.Background(), "cl-1", "ETH-USDT-PERP", get, history)
	if err != nil {
		t.Fatalf("ResolveOrder by client id: %v", err)
	}
	if st.OrderID != "123" {
		t.Errorf("resolved wrong order by client id: %+v", st)
	}

	// Missing everywhere surfaces the original NOT_FOUND.
	_, err = ResolveOrder(context.Background(), "nope", "ETH-USDT-PERP", get, history)
	if !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestResolveOrderPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	authErr := NewError(types.VenueGRVT, KindAuth, 0, "session expired", nil)
	get := func(context.Context, string, types.Symbol) (*types.OrderState, error) {
		return nil, authErr
	}
	history := func(context.Context, types.Symbol, time.Time, int) ([]types.OrderState, error) {
		t.Fatal("history must not be queried on non-404 errors")
		return nil, nil
	}

	_, err := ResolveOrder(context.Background(), "1", "ETH-USDT-PERP", get, history)
	var ve *Error
	if !errors.As(err, &ve) || ve.Kind != KindAuth {
		t.Errorf("expected auth error passthrough, got %v", err)
	}
}

func TestFilterPositions(t *testing.T) {
	t.Parallel()

	raw := []types.Position{
		{Symbol: "BTC-USDC-PERP", Size: 1.5, Side: types.LONG},
		{Symbol: "ETH-USDC-PERP", Size: 0}, // ghost row
		{Symbol: "SOL-USDC-PERP", Size: -2},
	}

	got := FilterPositions(raw)
	if len(got) != 2 {
		t.Fatalf("got %d positions, want 2", len(got))
	}
	if got[0].Side != types.LONG || got[0].Size != 1.5 {
		t.Errorf("long position mangled: %+v", got[0])
	}
	if got[1].Side != types.SHORT || got[1].Size != 2 {
		t.Errorf("negative quantity should become SHORT size 2: %+v", got[1])
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{429, KindRateLimit},
		{500, KindTransport},
		{503, KindTransport},
		{400, KindRejected},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTP(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}

	ro := NewError(types.VenueGRVT, KindRejected, CodeReduceOnly, "reduce-only violated", nil)
	if !ro.ReduceOnly() || !IsReduceOnly(ro) {
		t.Error("reduce-only code not detected")
	}
	wrapped := NewError(types.VenueGRVT, KindTransport, 0, "", errors.New("dial tcp: refused"))
	if wrapped.ReduceOnly() {
		t.Error("transport error misread as reduce-only")
	}
	if !wrapped.Retryable() {
		t.Error("transport errors are retryable")
	}
}

func TestReduceOnlyMatchesMessageText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  *Error
		want bool
	}{
		{"grvt code", NewError(types.VenueGRVT, KindRejected, CodeReduceOnly, "order would not reduce", nil), true},
		{"hyphenated text", NewError(types.VenueBackpack, KindRejected, 0, "Order would increase position in reduce-only mode", nil), true},
		{"spaced text", NewError(types.VenueLighter, KindRejected, 0, "REDUCE ONLY violation", nil), true},
		{"underscore text", NewError(types.VenueLighter, KindRejected, 0, "reduce_only order rejected", nil), true},
		{"other rejection", NewError(types.VenueBackpack, KindRejected, 0, "insufficient margin", nil), false},
		{"non-rejection kind", NewError(types.VenueBackpack, KindTransport, 0, "reduce-only", nil), false},
	}
	for _, tc := range cases {
		if got := tc.err.ReduceOnly(); got != tc.want {
			t.Errorf("%s: ReduceOnly() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBalanceCache(t *testing.T) {
	t.Parallel()

	calls := 0
	var failNext bool
	fetch := func(context.Context) ([]types.Balance, error) {
		calls++
		if failNext {
			return nil, errors.New("venue down")
		}
		return []types.Balance{{Currency: "USDC", Total: float64(calls)}}, nil
	}

	c := NewBalanceCache(fetch, time.Hour)

	first, err := c.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times within TTL, want 1", calls)
	}
	if &first[0] != &second[0] {
		t.Error("within TTL the same cached slice must be returned")
	}

	// force refresh bypasses TTL
	third, err := c.Get(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 || third[0].Total != 2 {
		t.Errorf("force refresh did not hit the venue (calls=%d)", calls)
	}

	// stale-on-error: a failed refresh returns the previous value
	failNext = true
	stale, err := c.Get(context.Background(), true)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if stale[0].Total != 2 {
		t.Errorf("stale value = %v, want the prior fetch", stale[0].Total)
	}

	// invalidation forces the next Get through
	failNext = false
	c.Invalidate()
	fresh, err := c.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if fresh[0].Total != 4 {
		t.Errorf("after Invalidate expected fresh fetch, got %v", fresh[0].Total)
	}
}
