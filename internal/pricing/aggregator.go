// Package pricing turns unreliable, rate-limited upstream quote sources into
// a single trustworthy price-per-instrument signal with bounded staleness.
// It layers a bounded local LRU cache and a shared Redis cache over
// priority-ordered source adapters, each behind its own circuit breaker,
// with request coalescing and stale-while-revalidate refresh.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tokensim/trade-engine/internal/breaker"
	"github.com/tokensim/trade-engine/internal/metrics"
	"github.com/tokensim/trade-engine/internal/model"
	"github.com/tokensim/trade-engine/internal/quote"
)

// ErrPriceUnavailable means every source was exhausted (error, breaker open,
// or not listed) — no safe price exists. Callers must never substitute a
// stale or zero price for it.
var ErrPriceUnavailable = errors.New("pricing: price unavailable")

// SharedCache is the cross-process tick cache (Redis in production).
type SharedCache interface {
	Get(ctx context.Context, instrument string) (*model.PriceTick, error)
	Put(ctx context.Context, tick model.PriceTick)
}

// TickPublisher receives every successful tick update for fan-out to
// external subscribers. Implementations must not block.
type TickPublisher interface {
	PublishTick(tick model.PriceTick)
}

// Config holds the aggregator tunables. Thresholds trade price accuracy
// against upstream load.
type Config struct {
	Freshness        time.Duration // serve from cache with no refresh
	MaxAge           time.Duration // serve stale + background refresh
	FetchTimeout     time.Duration // per background/blocking fetch budget
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BatchConcurrency int
	CacheCapacity    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Freshness:        10 * time.Second,
		MaxAge:           60 * time.Second,
		FetchTimeout:     8 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
		BatchConcurrency: 5,
		CacheCapacity:    1024,
	}
}

// Aggregator resolves instrument prices through cache layers and
// priority-ordered sources.
type Aggregator struct {
	cfg      Config
	sources  []quote.Source
	breakers []*breaker.Breaker
	local    *TickLRU
	shared   SharedCache   // optional
	pub      TickPublisher // optional
	flight   singleflight.Group

	recentMu sync.Mutex
	recent   map[string]time.Time

	now func() time.Time
}

// NewAggregator builds an aggregator over sources in priority order (most
// reliable first). shared and pub may be nil.
func NewAggregator(cfg Config, sources []quote.Source, shared SharedCache, pub TickPublisher) (*Aggregator, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultConfig().CacheCapacity
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultConfig().BatchConcurrency
	}
	local, err := NewTickLRU(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:     cfg,
		sources: sources,
		local:   local,
		shared:  shared,
		pub:     pub,
		recent:  make(map[string]time.Time),
		now:     time.Now,
	}

	for _, src := range sources {
		br := breaker.New(src.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown)
		br.OnStateChange = func(name string, state breaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(state))
			slog.Warn("quote source breaker transition", "source", name, "state", state.String())
		}
		a.breakers = append(a.breakers, br)
	}
	return a, nil
}

// GetTick returns a price tick for the instrument, serving from the local
// cache when fresh, stale-while-revalidate inside the max-age window, and
// blocking on an upstream fetch otherwise.
func (a *Aggregator) GetTick(ctx context.Context, instrument string) (model.PriceTick, error) {
	a.markRecent(instrument)

	if tick, ok := a.local.Get(instrument); ok {
		age := tick.Age(a.now())
		if age <= a.cfg.Freshness {
			metrics.TickCacheHits.Inc()
			return tick, nil
		}
		if age <= a.cfg.MaxAge {
			metrics.TickCacheHits.Inc()
			metrics.StaleServed.Inc()
			a.refreshAsync(instrument)
			return tick, nil
		}
	}

	metrics.TickCacheMisses.Inc()
	return a.fetch(ctx, instrument)
}

// GetTicks resolves prices for a batch of instruments. Fresh and
// stale-refreshable entries are answered from cache; the rest are fetched
// with bounded concurrency. One instrument's failure never fails the batch.
func (a *Aggregator) GetTicks(ctx context.Context, instruments []string) map[string]TickResult {
	results := make(map[string]TickResult, len(instruments))
	var mu sync.Mutex

	var mustFetch []string
	for _, ins := range instruments {
		if _, done := results[ins]; done {
			continue
		}
		a.markRecent(ins)
		if tick, ok := a.local.Get(ins); ok {
			age := tick.Age(a.now())
			if age <= a.cfg.Freshness {
				results[ins] = TickResult{Tick: tick}
				continue
			}
			if age <= a.cfg.MaxAge {
				a.refreshAsync(ins)
				results[ins] = TickResult{Tick: tick}
				continue
			}
		}
		mustFetch = append(mustFetch, ins)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.BatchConcurrency)
	for _, ins := range mustFetch {
		ins := ins
		g.Go(func() error {
			tick, err := a.fetch(gctx, ins)
			mu.Lock()
			results[ins] = TickResult{Tick: tick, Err: err}
			mu.Unlock()
			return nil // per-instrument failures are independent
		})
	}
	g.Wait()

	return results
}

// TickResult is one instrument's outcome in a batch resolution.
type TickResult struct {
	Tick model.PriceTick
	Err  error
}

// Prefetch warms the cache for an instrument without making the caller wait.
func (a *Aggregator) Prefetch(instrument string) {
	a.markRecent(instrument)
	a.refreshAsync(instrument)
}

// RecentInstruments lists instruments requested within the window, for the
// background refresher.
func (a *Aggregator) RecentInstruments(window time.Duration) []string {
	a.recentMu.Lock()
	defer a.recentMu.Unlock()

	cutoff := a.now().Add(-window)
	out := make([]string, 0, len(a.recent))
	for ins, at := range a.recent {
		if at.Before(cutoff) {
			delete(a.recent, ins)
			continue
		}
		out = append(out, ins)
	}
	return out
}

func (a *Aggregator) markRecent(instrument string) {
	a.recentMu.Lock()
	a.recent[instrument] = a.now()
	a.recentMu.Unlock()
}

// refreshAsync triggers a detached background refresh. It may complete after
// the caller returned; its only visible effect is a cache update. Failures
// are logged and swallowed — never thrown into an unrelated call stack.
func (a *Aggregator) refreshAsync(instrument string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FetchTimeout)
		defer cancel()
		if _, err := a.fetch(ctx, instrument); err != nil {
			slog.Debug("background tick refresh failed", "instrument", instrument, "err", err)
		}
	}()
}

// fetch resolves a tick from the shared cache or upstream sources.
// Concurrent fetches for the same instrument coalesce into one.
func (a *Aggregator) fetch(ctx context.Context, instrument string) (model.PriceTick, error) {
	v, err, _ := a.flight.Do(instrument, func() (any, error) {
		// A winner may have just populated the local cache.
		if tick, ok := a.local.Get(instrument); ok {
			if tick.Age(a.now()) <= a.cfg.Freshness {
				return tick, nil
			}
		}

		if a.shared != nil {
			if tick, err := a.shared.Get(ctx, instrument); err == nil {
				if tick.Age(a.now()) <= a.cfg.Freshness {
					a.local.Put(*tick)
					return *tick, nil
				}
			}
		}

		return a.fetchUpstream(ctx, instrument)
	})
	if err != nil {
		return model.PriceTick{}, err
	}
	return v.(model.PriceTick), nil
}

// fetchUpstream tries sources strictly in priority order; the first usable
// positive USD price wins. Breaker-open and adapter errors fall through to
// the next source; exhaustion surfaces as ErrPriceUnavailable.
func (a *Aggregator) fetchUpstream(ctx context.Context, instrument string) (model.PriceTick, error) {
	for i, src := range a.sources {
		br := a.breakers[i]
		if err := br.Allow(); err != nil {
			metrics.QuoteFetches.WithLabelValues(src.Name(), "breaker_open").Inc()
			continue
		}

		q, err := src.Fetch(ctx, instrument)
		if err != nil {
			if errors.Is(err, quote.ErrNotListed) {
				br.Success() // upstream healthy, instrument just absent
				metrics.QuoteFetches.WithLabelValues(src.Name(), "not_listed").Inc()
				continue
			}
			br.Failure()
			metrics.QuoteFetches.WithLabelValues(src.Name(), "error").Inc()
			slog.Warn("quote fetch failed", "source", src.Name(), "instrument", instrument, "err", err)
			continue
		}
		br.Success()

		tick, ok := a.normalize(ctx, instrument, q, src.Name())
		if !ok {
			metrics.QuoteFetches.WithLabelValues(src.Name(), "unusable").Inc()
			continue
		}
		metrics.QuoteFetches.WithLabelValues(src.Name(), "ok").Inc()

		a.store(ctx, tick)
		return tick, nil
	}

	return model.PriceTick{}, ErrPriceUnavailable
}

// normalize maps a source quote into a canonical tick, deriving whichever of
// the SOL/USD prices the source omitted via the current SOL→USD rate. A tick
// is usable only with a positive USD price.
func (a *Aggregator) normalize(ctx context.Context, instrument string, q *model.NormalizedQuote, source string) (model.PriceTick, bool) {
	tick := model.PriceTick{
		Instrument: instrument,
		PriceSOL:   q.PriceSOL,
		PriceUSD:   q.PriceUSD,
		MarketCap:  q.MarketCap,
		Volume24h:  q.Volume24h,
		Change24h:  q.Change24h,
		Source:     source,
		CapturedAt: a.now().UTC(),
	}

	if instrument == model.QuoteCurrency {
		tick.PriceSOL = decimal.NewFromInt(1)
		return tick, tick.PriceUSD.IsPositive()
	}

	switch {
	case tick.PriceUSD.IsPositive() && tick.PriceSOL.IsPositive():
		// Both sides present.
	case tick.PriceSOL.IsPositive():
		rate, err := a.solRate(ctx)
		if err != nil {
			return model.PriceTick{}, false
		}
		tick.PriceUSD = tick.PriceSOL.Mul(rate)
	case tick.PriceUSD.IsPositive():
		if rate, err := a.solRate(ctx); err == nil && rate.IsPositive() {
			tick.PriceSOL = tick.PriceUSD.Div(rate)
		}
	default:
		return model.PriceTick{}, false
	}

	return tick, tick.PriceUSD.IsPositive()
}

// solRate resolves the SOL→USD rate through the normal tick path.
func (a *Aggregator) solRate(ctx context.Context) (decimal.Decimal, error) {
	tick, err := a.GetTick(ctx, model.QuoteCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	return tick.PriceUSD, nil
}

// store write-throughs a fresh tick to both cache layers and publishes it.
func (a *Aggregator) store(ctx context.Context, tick model.PriceTick) {
	a.local.Put(tick)
	if a.shared != nil {
		a.shared.Put(ctx, tick)
	}
	if a.pub != nil {
		a.pub.PublishTick(tick)
	}
}
