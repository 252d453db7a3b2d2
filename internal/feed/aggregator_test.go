package feed

import (
	"log/slog"
	"testing"
	"time"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

func testAggregator(symbols ...types.Symbol) *Aggregator {
	cfg := config.ArbitrageConfig{
		PriceSpreadThreshold: 0.01,
		FundingRateThreshold: 0.0001,
		UpdateInterval:       10 * time.Millisecond,
		DataFreshness:        5 * time.Second,
	}
	return NewAggregator(cfg, symbols, slog.Default())
}

func top(sym types.Symbol, bid, ask float64) types.BookTop {
	return types.BookTop{
		Symbol: sym,
		Bid:    types.BookLevel{Price: bid, Size: 10},
		Ask:    types.BookLevel{Price: ask, Size: 10},
	}
}

func TestBookTopFreshnessBoundary(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")
	base := time.Unix(1700000000, 0)
	a.now = func() time.Time { return base }

	a.applyBook(bookEvent{venue: types.VenueGRVT, top: top("BTC-USDT-PERP", 64990, 65000)})

	// Exactly maxAge old passes (boundary inclusive).
	a.now = func() time.Time { return base.Add(5 * time.Second) }
	if _, ok := a.BookTop(types.VenueGRVT, "BTC-USDT-PERP", 5*time.Second); !ok {
		t.Error("sample exactly maxAge old must pass")
	}

	// One nanosecond past fails.
	a.now = func() time.Time { return base.Add(5*time.Second + time.Nanosecond) }
	if _, ok := a.BookTop(types.VenueGRVT, "BTC-USDT-PERP", 5*time.Second); ok {
		t.Error("sample older than maxAge must fail")
	}
}

func TestInvalidBookDropped(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")

	// Crossed book never lands in the cache.
	a.applyBook(bookEvent{venue: types.VenueGRVT, top: top("BTC-USDT-PERP", 65010, 65000)})
	if _, ok := a.BookTop(types.VenueGRVT, "BTC-USDT-PERP", time.Minute); ok {
		t.Error("crossed book cached")
	}

	// One-sided book dropped too.
	oneSided := types.BookTop{Symbol: "BTC-USDT-PERP", Ask: types.BookLevel{Price: 65000, Size: 1}}
	a.applyBook(bookEvent{venue: types.VenueGRVT, top: oneSided})
	if _, ok := a.BookTop(types.VenueGRVT, "BTC-USDT-PERP", time.Minute); ok {
		t.Error("one-sided book cached")
	}
}

func TestPushDropsNewestOnOverflow(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")
	first := top("BTC-USDT-PERP", 100, 101)
	a.PushBook(types.VenueGRVT, first)
	for i := 0; i < queueCapacity+10; i++ {
		a.PushBook(types.VenueGRVT, top("BTC-USDT-PERP", 200, 201))
	}
	// The queue holds the oldest events; the overflow was discarded.
	ev := <-a.bookQ
	if ev.top.Bid.Price != 100 {
		t.Errorf("head of queue = %v, want the first pushed sample", ev.top.Bid.Price)
	}
	if len(a.bookQ) != queueCapacity-1 {
		t.Errorf("queue length = %d, want %d", len(a.bookQ), queueCapacity-1)
	}
}

func TestScanPublishesOpportunity(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")
	base := time.Unix(1700000000, 0)
	a.now = func() time.Time { return base }

	a.applyBook(bookEvent{venue: types.VenueBackpack, top: top("BTC-USDT-PERP", 64990, 65000)})
	a.applyBook(bookEvent{venue: types.VenueGRVT, top: top("BTC-USDT-PERP", 65100, 65110)})
	a.scanOnce()

	select {
	case opp := <-a.Results():
		if opp.Symbol != "BTC-USDT-PERP" || opp.Kind != types.KindPriceSpread {
			t.Errorf("opportunity: %+v", opp)
		}
		if opp.PriceSpread.Buy != types.VenueBackpack || opp.PriceSpread.Sell != types.VenueGRVT {
			t.Errorf("direction: %+v", opp.PriceSpread)
		}
	default:
		t.Fatal("no opportunity published")
	}
}

func TestScanSkipsStaleVenue(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")
	base := time.Unix(1700000000, 0)

	a.now = func() time.Time { return base.Add(-time.Minute) }
	a.applyBook(bookEvent{venue: types.VenueBackpack, top: top("BTC-USDT-PERP", 64990, 65000)})

	a.now = func() time.Time { return base }
	a.applyBook(bookEvent{venue: types.VenueGRVT, top: top("BTC-USDT-PERP", 65100, 65110)})
	a.scanOnce()

	select {
	case opp := <-a.Results():
		t.Errorf("opportunity from stale data: %+v", opp)
	default:
	}
}

func TestResultQueueEvictsOldest(t *testing.T) {
	t.Parallel()

	a := testAggregator("BTC-USDT-PERP")
	for i := 0; i < resultCapacity; i++ {
		a.publish(types.Opportunity{Symbol: "BTC-USDT-PERP", Score: float64(i)})
	}
	a.publish(types.Opportunity{Symbol: "BTC-USDT-PERP", Score: 999})

	// Oldest (score 0) was evicted; the newest made it in.
	first := <-a.Results()
	if first.Score != 1 {
		t.Errorf("head score = %v, want 1", first.Score)
	}
	var last types.Opportunity
	for {
		select {
		case o := <-a.Results():
			last = o
			continue
		default:
		}
		break
	}
	if last.Score != 999 {
		t.Errorf("tail score = %v, want 999", last.Score)
	}
}

func TestLastArrival(t *testing.T) {
	t.Parallel()

	a := testAggregator("ETH-USDT-PERP")
	if !a.LastArrival(types.VenueGRVT, "ETH-USDT-PERP").IsZero() {
		t.Error("expected zero time before any sample")
	}
	base := time.Unix(1700000000, 0)
	a.now = func() time.Time { return base }
	a.applyTicker(tickerEvent{venue: types.VenueGRVT, snap: types.TickerSnapshot{Symbol: "ETH-USDT-PERP", Bid: 1, Ask: 2}})
	if got := a.LastArrival(types.VenueGRVT, "ETH-USDT-PERP"); !got.Equal(base) {
		t.Errorf("LastArrival = %v, want %v", got, base)
	}
}
