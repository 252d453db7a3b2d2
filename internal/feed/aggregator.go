// Package feed aggregates market data pushed by the venue adapters into
// per-(venue, symbol) caches and runs the scan cadence over them.
//
// Ingress is two bounded queues, ticker and book, fed by the adapter
// callbacks. Overflow drops the incoming event with a throttled warning
// rather than blocking a WebSocket read loop. A single processor goroutine
// drains the queues in small batches and is the only writer to the caches,
// so reads need no per-field locking discipline beyond the snapshot mutex.
// The analysis worker scans the configured universe every UpdateInterval and
// publishes detector results to a bounded queue, evicting the oldest result
// when full.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perp-arb/internal/config"
	"perp-arb/internal/metrics"
	"perp-arb/internal/scan"
	"perp-arb/pkg/types"
)

const (
	queueCapacity    = 500
	resultCapacity   = 100
	processBatchSize = 50
)

type tickerEvent struct {
	venue types.Venue
	snap  types.TickerSnapshot
}

type bookEvent struct {
	venue types.Venue
	top   types.BookTop
}

type entry struct {
	ticker    *types.TickerSnapshot
	book      *types.BookTop
	lastData  time.Time // arrival time of the newest accepted sample
}

// Aggregator owns the market-data caches and the scan cadence.
type Aggregator struct {
	cfg      config.ArbitrageConfig
	symbols  []types.Symbol
	detector *scan.Detector
	logger   *slog.Logger

	tickerQ chan tickerEvent
	bookQ   chan bookEvent
	results chan types.Opportunity

	mu    sync.RWMutex
	cache map[types.Venue]map[types.Symbol]*entry

	tickerWarn *rate.Limiter
	bookWarn   *rate.Limiter

	now func() time.Time
}

// NewAggregator builds the aggregator for the configured symbol universe.
func NewAggregator(cfg config.ArbitrageConfig, symbols []types.Symbol, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		symbols:    symbols,
		detector:   scan.NewDetector(cfg.PriceSpreadThreshold, cfg.FundingRateThreshold),
		logger:     logger.With("component", "aggregator"),
		tickerQ:    make(chan tickerEvent, queueCapacity),
		bookQ:      make(chan bookEvent, queueCapacity),
		results:    make(chan types.Opportunity, resultCapacity),
		cache:      make(map[types.Venue]map[types.Symbol]*entry),
		tickerWarn: rate.NewLimiter(rate.Every(time.Second), 1),
		bookWarn:   rate.NewLimiter(rate.Every(time.Second), 1),
		now:        time.Now,
	}
}

// Results is the opportunity stream consumed by the orchestrator's scan loop.
func (a *Aggregator) Results() <-chan types.Opportunity { return a.results }

// PushTicker enqueues a ticker sample. Never blocks: on a full queue the
// incoming sample is dropped.
func (a *Aggregator) PushTicker(venue types.Venue, snap types.TickerSnapshot) {
	select {
	case a.tickerQ <- tickerEvent{venue: venue, snap: snap}:
	default:
		metrics.FeedDrops.WithLabelValues("ticker").Inc()
		if a.tickerWarn.Allow() {
			a.logger.Warn("ticker queue full, dropping", "venue", venue, "symbol", snap.Symbol)
		}
	}
}

// PushBook enqueues a top-of-book sample. Never blocks.
func (a *Aggregator) PushBook(venue types.Venue, top types.BookTop) {
	select {
	case a.bookQ <- bookEvent{venue: venue, top: top}:
	default:
		metrics.FeedDrops.WithLabelValues("book").Inc()
		if a.bookWarn.Allow() {
			a.logger.Warn("book queue full, dropping", "venue", venue, "symbol", top.Symbol)
		}
	}
}

// Run starts the processor and analysis workers and blocks until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.processLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.analysisLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// processLoop is the only writer to the caches. It drains both queues in
// batches so one noisy venue cannot starve the other queue.
func (a *Aggregator) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.tickerQ:
			a.applyTicker(ev)
			a.drainTickers()
		case ev := <-a.bookQ:
			a.applyBook(ev)
			a.drainBooks()
		}
	}
}

func (a *Aggregator) drainTickers() {
	for i := 1; i < processBatchSize; i++ {
		select {
		case ev := <-a.tickerQ:
			a.applyTicker(ev)
		default:
			return
		}
	}
}

func (a *Aggregator) drainBooks() {
	for i := 1; i < processBatchSize; i++ {
		select {
		case ev := <-a.bookQ:
			a.applyBook(ev)
		default:
			return
		}
	}
}

func (a *Aggregator) applyTicker(ev tickerEvent) {
	a.mu.Lock()
	e := a.entryLocked(ev.venue, ev.snap.Symbol)
	snap := ev.snap
	e.ticker = &snap
	e.lastData = a.now()
	a.mu.Unlock()
	metrics.FeedEvents.WithLabelValues(string(ev.venue), "ticker").Inc()
}

func (a *Aggregator) applyBook(ev bookEvent) {
	if err := ev.top.Validate(); err != nil {
		metrics.FeedInvalid.WithLabelValues(string(ev.venue)).Inc()
		if a.bookWarn.Allow() {
			a.logger.Warn("invalid book sample dropped", "venue", ev.venue, "error", err)
		}
		return
	}
	a.mu.Lock()
	e := a.entryLocked(ev.venue, ev.top.Symbol)
	top := ev.top
	e.book = &top
	e.lastData = a.now()
	a.mu.Unlock()
	metrics.FeedEvents.WithLabelValues(string(ev.venue), "book").Inc()
}

func (a *Aggregator) entryLocked(venue types.Venue, symbol types.Symbol) *entry {
	bySym, ok := a.cache[venue]
	if !ok {
		bySym = make(map[types.Symbol]*entry)
		a.cache[venue] = bySym
	}
	e, ok := bySym[symbol]
	if !ok {
		e = &entry{}
		bySym[symbol] = e
	}
	return e
}

// BookTop returns the cached top of book when its arrival age is within
// maxAge. The boundary is inclusive: a sample exactly maxAge old passes.
func (a *Aggregator) BookTop(venue types.Venue, symbol types.Symbol, maxAge time.Duration) (types.BookTop, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.cache[venue][symbol]
	if !ok || e.book == nil {
		return types.BookTop{}, false
	}
	if a.now().Sub(e.lastData) > maxAge {
		return types.BookTop{}, false
	}
	return *e.book, true
}

// Ticker returns the cached ticker, regardless of age.
func (a *Aggregator) Ticker(venue types.Venue, symbol types.Symbol) (types.TickerSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.cache[venue][symbol]
	if !ok || e.ticker == nil {
		return types.TickerSnapshot{}, false
	}
	return *e.ticker, true
}

// LastArrival reports when data for (venue, symbol) last arrived. The zero
// time means no sample was ever accepted.
func (a *Aggregator) LastArrival(venue types.Venue, symbol types.Symbol) time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e, ok := a.cache[venue][symbol]; ok {
		return e.lastData
	}
	return time.Time{}
}

// Venues returns the venues that have delivered any data.
func (a *Aggregator) Venues() []types.Venue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Venue, 0, len(a.cache))
	for v := range a.cache {
		out = append(out, v)
	}
	return out
}

func (a *Aggregator) analysisLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanOnce()
		}
	}
}

// scanOnce runs the detector over every configured symbol and publishes the
// results, evicting the oldest queued result when the queue is full.
func (a *Aggregator) scanOnce() {
	now := a.now()
	for _, sym := range a.symbols {
		quotes, rates := a.freshInputs(sym, now)
		if len(quotes) < 2 && len(rates) < 2 {
			continue
		}
		for _, opp := range a.detector.Detect(sym, quotes, rates, now) {
			if opp.Score < a.cfg.MinScoreThreshold {
				continue
			}
			metrics.Opportunities.WithLabelValues(string(sym), string(opp.Kind)).Inc()
			a.publish(opp)
		}
	}
}

// freshInputs collects per-venue quotes and funding rates for one symbol,
// keeping only samples within the freshness window.
func (a *Aggregator) freshInputs(symbol types.Symbol, now time.Time) ([]scan.Quote, []scan.Rate) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var quotes []scan.Quote
	var rates []scan.Rate
	for venue, bySym := range a.cache {
		e, ok := bySym[symbol]
		if !ok || now.Sub(e.lastData) > a.cfg.DataFreshness {
			continue
		}
		if e.book != nil {
			quotes = append(quotes, scan.Quote{
				Venue:   venue,
				Bid:     e.book.Bid.Price,
				Ask:     e.book.Ask.Price,
				BidSize: e.book.Bid.Size,
				AskSize: e.book.Ask.Size,
			})
		}
		if e.ticker != nil {
			if r, ok := e.ticker.Funding(); ok {
				rates = append(rates, scan.Rate{Venue: venue, Rate: r})
			}
		}
	}
	return quotes, rates
}

func (a *Aggregator) publish(opp types.Opportunity) {
	for {
		select {
		case a.results <- opp:
			return
		default:
			// Full: evict the oldest and retry so fresh results win.
			select {
			case <-a.results:
			default:
			}
		}
	}
}
