package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/tokensim/trade-engine/internal/model"
	"github.com/tokensim/trade-engine/internal/quote"
)

func TestRefresherRewarmsRecentInstruments(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})

	cfg := testConfig()
	cfg.Freshness = -1 // every refresh pass goes upstream
	cfg.MaxAge = -1
	a, err := NewAggregator(cfg, []quote.Source{src}, nil, nil)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}

	if _, err := a.GetTick(context.Background(), "BONK"); err != nil {
		t.Fatalf("GetTick: %v", err)
	}
	before := src.callCount("BONK")

	r := NewRefresher(a, 10*time.Millisecond, time.Minute)
	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return src.callCount("BONK") > before })
}

func TestRefresherStopIsIdempotentAndWaits(t *testing.T) {
	src := newFakeSource("src", func(string) (*model.NormalizedQuote, error) {
		return fullQuote("0.5", "75"), nil
	})
	a := newTestAggregator(t, src)

	r := NewRefresher(a, 10*time.Millisecond, time.Minute)

	// Stop before Start is a no-op.
	r.Stop()

	r.Start()
	r.Stop()

	select {
	case <-r.done:
	default:
		t.Error("refresh loop still running after Stop")
	}
}
