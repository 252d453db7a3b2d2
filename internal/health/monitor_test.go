package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/exchange/exchangetest"
	"perp-arb/pkg/types"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckInterval:        45 * time.Second,
		StartupGrace:         120 * time.Second,
		DataTimeout:          90 * time.Second,
		StaleRatioThreshold:  0.5,
		MaxReconnectAttempts: 3,
		ReportInterval:       300 * time.Second,
	}
}

type arrivals struct {
	mu sync.Mutex
	at map[types.Symbol]time.Time
}

func (a *arrivals) get(_ types.Venue, sym types.Symbol) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at[sym]
}

func (a *arrivals) set(sym types.Symbol, t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.at[sym] = t
}

func newTestMonitor(fake *exchangetest.Fake, arr *arrivals, symbols []types.Symbol) *Monitor {
	m := NewMonitor(testHealthConfig(),
		map[types.Venue]exchange.Adapter{fake.Name: fake},
		symbols, arr.get, nil, slog.Default())
	m.sleep = func(context.Context, time.Duration) {}
	return m
}

func TestRatioBoundaryTriggersReconnect(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	symbols := []types.Symbol{"A-USDT-PERP", "B-USDT-PERP", "C-USDT-PERP", "D-USDT-PERP"}
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	m := newTestMonitor(fake, arr, symbols)
	m.now = func() time.Time { return base }
	m.started = base.Add(-3 * time.Minute)

	// Exactly half stale: 0.5 is not > 0.5, no reconnect.
	arr.set("A-USDT-PERP", base)
	arr.set("B-USDT-PERP", base)
	arr.set("C-USDT-PERP", base.Add(-91*time.Second))
	arr.set("D-USDT-PERP", base.Add(-91*time.Second))
	m.CheckAll(context.Background())
	if fake.Disconnects != 0 {
		t.Error("ratio exactly at threshold must not reconnect")
	}

	// Three of four stale: 0.75 > 0.5 reconnects.
	arr.set("B-USDT-PERP", base.Add(-91*time.Second))
	m.CheckAll(context.Background())
	if fake.Disconnects != 1 || fake.Connects != 1 {
		t.Errorf("reconnect cycle: disconnects=%d connects=%d", fake.Disconnects, fake.Connects)
	}
}

func TestNeverSeenSymbolIsStale(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	m := newTestMonitor(fake, arr, []types.Symbol{"A-USDT-PERP"})
	m.now = func() time.Time { return base }
	m.started = base.Add(-3 * time.Minute)

	m.CheckAll(context.Background())
	if fake.Connects != 1 {
		t.Error("symbol with no sample ever counts stale, must reconnect")
	}
}

func TestStartupGraceSkipsChecks(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	m := newTestMonitor(fake, arr, []types.Symbol{"A-USDT-PERP"})
	m.now = func() time.Time { return base }
	m.started = base.Add(-time.Minute) // inside the 120s grace

	m.CheckAll(context.Background())
	if fake.Disconnects != 0 {
		t.Error("checks must be skipped during startup grace")
	}
}

func TestAttemptsExhaustedLeavesDegraded(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	fake.ConnectFn = func(ctx context.Context) error { return errors.New("refused") }
	m := newTestMonitor(fake, arr, []types.Symbol{"A-USDT-PERP"})
	m.now = func() time.Time { return base }
	m.started = base.Add(-3 * time.Minute)

	for i := 0; i < 6; i++ {
		m.CheckAll(context.Background())
	}
	// Three bounded attempts, then degraded: no further cycles.
	if fake.Disconnects != 3 {
		t.Errorf("disconnects = %d, want 3 bounded attempts", fake.Disconnects)
	}
	var degraded bool
	for _, r := range m.Reports() {
		if r.Venue == types.VenueGRVT {
			degraded = r.Degraded
		}
	}
	if !degraded {
		t.Error("venue must be reported degraded after exhaustion")
	}
}

func TestRecoveryResetsAttempts(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	m := newTestMonitor(fake, arr, []types.Symbol{"A-USDT-PERP"})
	m.now = func() time.Time { return base }
	m.started = base.Add(-3 * time.Minute)

	m.CheckAll(context.Background()) // stale, attempt 1
	arr.set("A-USDT-PERP", base)     // data resumed
	m.CheckAll(context.Background()) // healthy, resets
	arr.set("A-USDT-PERP", base.Add(-2*time.Minute))
	m.CheckAll(context.Background()) // stale again, attempt restarts at 1
	m.mu.Lock()
	attempts := m.attempts[types.VenueGRVT]
	m.mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, want reset to 1 after recovery", attempts)
	}
}

func TestUnboundedReconnectRetriesWithoutDegrading(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)
	arr := &arrivals{at: map[types.Symbol]time.Time{}}
	fake := &exchangetest.Fake{Name: types.VenueGRVT}
	var connects atomic.Int64
	done := make(chan struct{})
	fake.ConnectFn = func(ctx context.Context) error {
		if connects.Add(1) < 3 {
			return errors.New("refused")
		}
		close(done)
		return nil
	}

	cfg := testHealthConfig()
	cfg.UnboundedReconnect = true
	m := NewMonitor(cfg, map[types.Venue]exchange.Adapter{fake.Name: fake},
		[]types.Symbol{"A-USDT-PERP"}, arr.get, nil, slog.Default())
	m.policy.sleep = func(context.Context, time.Duration) {}
	m.now = func() time.Time { return base }
	m.started = base.Add(-3 * time.Minute)

	// One check kicks off the retry loop; failures keep it cycling with no
	// attempt cap until the venue comes back.
	m.CheckAll(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect loop never reached a successful connect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var rep Report
		for _, r := range m.Reports() {
			if r.Venue == types.VenueGRVT {
				rep = r
			}
		}
		if rep.Reconnects == 1 {
			if rep.Degraded {
				t.Error("unbounded mode must never mark a venue degraded")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconnect not recorded: %+v", rep)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnboundedPolicyBackoffCapsAt60s(t *testing.T) {
	t.Parallel()

	p := NewUnboundedPolicy(slog.Default())
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) { waits = append(waits, d) }

	calls := 0
	err := p.Run(context.Background(), "test", func(context.Context) error {
		calls++
		if calls <= 8 {
			return errors.New("still down")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestUnboundedPolicyRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := NewPolicy(time.Millisecond, 2*time.Millisecond, slog.Default())
	calls := 0
	err := p.Run(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 4 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestPolicyStopsOnCancel(t *testing.T) {
	t.Parallel()

	p := NewPolicy(time.Millisecond, 2*time.Millisecond, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, "test", func(context.Context) error { return errors.New("always") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
