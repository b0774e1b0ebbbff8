package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/breaker"
	"github.com/tokensim/trade-engine/internal/model"
	"github.com/tokensim/trade-engine/internal/quote"
)

// fakeSource is a scriptable quote.Source that counts fetches.
type fakeSource struct {
	name  string
	delay time.Duration
	fetch func(instrument string) (*model.NormalizedQuote, error)

	mu    sync.Mutex
	calls map[string]int
}

func newFakeSource(name string, fetch func(string) (*model.NormalizedQuote, error)) *fakeSource {
	return &fakeSource{name: name, fetch: fetch, calls: make(map[string]int)}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, instrument string) (*model.NormalizedQuote, error) {
	f.mu.Lock()
	f.calls[instrument]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fetch(instrument)
}

func (f *fakeSource) callCount(instrument string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[instrument]
}

// fullQuote returns a quote carrying both price sides so normalization never
// needs the SOL→USD rate.
func fullQuote(sol, usd string) *model.NormalizedQuote {
	return &model.NormalizedQuote{
		PriceSOL: decimal.RequireFromString(sol),
		PriceUSD: decimal.RequireFromString(usd),
	}
}

func testConfig() Config {
	return Config{
		Freshness:        10 * time.Second,
		MaxAge:           60 * time.Second,
		FetchTimeout:     2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		BatchConcurrency: 4,
		CacheCapacity:    16,
	}
}

func newTestAggregator(t *testing.T, sources ...quote.Source) *Aggregator {
	t.Helper()
	a, err := NewAggregator(testConfig(), sources, nil, nil)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return a
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestGetTickCachesFreshReads(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, src)

	first, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if !first.PriceUSD.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("price = %s, want 75", first.PriceUSD)
	}
	if first.Source != "src" {
		t.Fatalf("source = %q, want src", first.Source)
	}

	// A fresh read is answered from cache without touching the source and
	// returns the identical tick.
	second, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick (cached): %v", err)
	}
	if !second.CapturedAt.Equal(first.CapturedAt) || !second.PriceUSD.Equal(first.PriceUSD) {
		t.Errorf("cached tick differs: %+v vs %+v", second, first)
	}
	if got := src.callCount("BONK"); got != 1 {
		t.Errorf("source fetched %d times, want 1", got)
	}
}

func TestGetTickCoalescesConcurrentFetches(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	src.delay = 50 * time.Millisecond
	a := newTestAggregator(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.GetTick(context.Background(), "BONK"); err != nil {
				t.Errorf("GetTick: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := src.callCount("BONK"); got != 1 {
		t.Errorf("source fetched %d times under concurrent load, want 1", got)
	}
}

func TestGetTickFailover(t *testing.T) {
	primary := newFakeSource("primary", func(string) (*model.NormalizedQuote, error) {
		return nil, errors.New("boom")
	})
	fallback := newFakeSource("fallback", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, primary, fallback)

	tick, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if tick.Source != "fallback" {
		t.Errorf("source = %q, want fallback", tick.Source)
	}
	if primary.callCount("BONK") != 1 {
		t.Errorf("primary fetched %d times, want 1", primary.callCount("BONK"))
	}
}

func TestGetTickNotListedDoesNotTripBreaker(t *testing.T) {
	primary := newFakeSource("primary", func(string) (*model.NormalizedQuote, error) {
		return nil, quote.ErrNotListed
	})
	fallback := newFakeSource("fallback", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, primary, fallback)

	// Well past the failure threshold; not-listed must never open the breaker.
	for i := 0; i < 10; i++ {
		a.local.c.Purge()
		if _, err := a.GetTick(context.Background(), "BONK"); err != nil {
			t.Fatalf("GetTick: %v", err)
		}
	}

	if got := a.breakers[0].State(); got != breaker.Closed {
		t.Errorf("primary breaker state = %v, want Closed", got)
	}
}

func TestGetTickAllSourcesExhausted(t *testing.T) {
	down := newFakeSource("down", func(string) (*model.NormalizedQuote, error) {
		return nil, errors.New("timeout")
	})
	unlisted := newFakeSource("unlisted", func(string) (*model.NormalizedQuote, error) {
		return nil, quote.ErrNotListed
	})
	a := newTestAggregator(t, down, unlisted)

	_, err := a.GetTick(context.Background(), "BONK")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
	if a.local.Len() != 0 {
		t.Errorf("cache holds %d entries after total failure, want 0", a.local.Len())
	}
}

func TestGetTickServesStaleAndRevalidates(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "80"), nil
	})
	a := newTestAggregator(t, src)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	stale := model.PriceTick{
		Instrument: "BONK",
		PriceUSD:   decimal.RequireFromString("70"),
		Source:     "seed",
		CapturedAt: base.Add(-30 * time.Second), // past freshness, inside max age
	}
	a.local.Put(stale)

	tick, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if tick.Source != "seed" || !tick.PriceUSD.Equal(stale.PriceUSD) {
		t.Errorf("got %+v, want the stale seed tick", tick)
	}

	// The background refresh replaces the stale entry.
	waitFor(t, func() bool {
		cached, ok := a.local.Get("BONK")
		return ok && cached.Source == "src"
	})
	if got := src.callCount("BONK"); got != 1 {
		t.Errorf("source fetched %d times, want 1", got)
	}
}

func TestGetTickBlocksPastMaxAge(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "80"), nil
	})
	a := newTestAggregator(t, src)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	a.local.Put(model.PriceTick{
		Instrument: "BONK",
		PriceUSD:   decimal.RequireFromString("70"),
		Source:     "seed",
		CapturedAt: base.Add(-2 * time.Minute), // beyond max age
	})

	tick, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if tick.Source != "src" {
		t.Errorf("source = %q, want src (stale entry must not be served)", tick.Source)
	}
}

func TestGetTickDerivesUSDFromSOLPrice(t *testing.T) {
	src := newFakeSource("src", func(instrument string) (*model.NormalizedQuote, error) {
		if instrument == model.QuoteCurrency {
			return &model.NormalizedQuote{PriceUSD: decimal.RequireFromString("100")}, nil
		}
		// SOL-only quote: USD side must be derived from the SOL rate.
		return &model.NormalizedQuote{PriceSOL: decimal.RequireFromString("0.25")}, nil
	})
	a := newTestAggregator(t, src)

	tick, err := a.GetTick(context.Background(), "BONK")
	if err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	if !tick.PriceUSD.Equal(decimal.RequireFromString("25")) {
		t.Errorf("derived USD price = %s, want 25", tick.PriceUSD)
	}

	// The SOL tick itself quotes at exactly 1 SOL.
	sol, err := a.GetTick(context.Background(), model.QuoteCurrency)
	if err != nil {
		t.Fatalf("GetTick(SOL): %v", err)
	}
	if !sol.PriceSOL.Equal(decimal.NewFromInt(1)) {
		t.Errorf("SOL price in SOL = %s, want 1", sol.PriceSOL)
	}
}

func TestGetTicksIsolatesFailures(t *testing.T) {
	src := newFakeSource("src", func(instrument string) (*model.NormalizedQuote, error) {
		if instrument == "DEAD" {
			return nil, errors.New("boom")
		}
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, src)

	results := a.GetTicks(context.Background(), []string{"BONK", "DEAD", "WIF"})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results["BONK"].Err != nil {
		t.Errorf("BONK err = %v, want nil", results["BONK"].Err)
	}
	if results["WIF"].Err != nil {
		t.Errorf("WIF err = %v, want nil", results["WIF"].Err)
	}
	if !errors.Is(results["DEAD"].Err, ErrPriceUnavailable) {
		t.Errorf("DEAD err = %v, want ErrPriceUnavailable", results["DEAD"].Err)
	}
}

func TestRecentInstrumentsPrunes(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, src)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := base
	a.now = func() time.Time { return now }

	a.markRecent("OLD")
	now = base.Add(10 * time.Minute)
	a.markRecent("NEW")

	got := a.RecentInstruments(5 * time.Minute)
	if len(got) != 1 || got[0] != "NEW" {
		t.Errorf("RecentInstruments = %v, want [NEW]", got)
	}
}
