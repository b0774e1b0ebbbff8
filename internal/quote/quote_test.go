package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestJupiterFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "BONKMINT111111" {
			t.Errorf("ids = %q, want BONKMINT111111", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"BONKMINT111111":{"id":"BONKMINT111111","price":"0.0000245"}}}`))
	}))
	defer srv.Close()

	src := NewJupiterSource(srv.URL, time.Second)
	q, err := src.Fetch(context.Background(), "BONKMINT111111")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !q.PriceUSD.Equal(decimal.RequireFromString("0.0000245")) {
		t.Errorf("price = %s, want 0.0000245", q.PriceUSD)
	}
}

func TestJupiterNotListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	src := NewJupiterSource(srv.URL, time.Second)
	if _, err := src.Fetch(context.Background(), "UNKNOWN"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("err = %v, want ErrNotListed", err)
	}
}

func TestJupiterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewJupiterSource(srv.URL, time.Second)
	_, err := src.Fetch(context.Background(), "BONK")
	if err == nil || errors.Is(err, ErrNotListed) {
		t.Fatalf("err = %v, want transport-class error", err)
	}
}

func TestDexScreenerPicksDeepestSOLPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pairs":[
			{"priceNative":"0.9","priceUsd":"90","quoteToken":{"symbol":"USDC"},"liquidity":{"usd":9000000},"volume":{"h24":1},"priceChange":{"h24":1},"fdv":1},
			{"priceNative":"0.5","priceUsd":"75","quoteToken":{"symbol":"SOL"},"liquidity":{"usd":500000},"volume":{"h24":123.5},"priceChange":{"h24":-2.5},"fdv":42000000},
			{"priceNative":"0.4","priceUsd":"60","quoteToken":{"symbol":"SOL"},"liquidity":{"usd":100},"volume":{"h24":1},"priceChange":{"h24":1},"fdv":1}
		]}`))
	}))
	defer srv.Close()

	src := NewDexScreenerSource(srv.URL, time.Second)
	q, err := src.Fetch(context.Background(), "SOMEMINT11111")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// The deepest SOL-quoted pair wins over the deeper USDC pair.
	if !q.PriceSOL.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("priceSOL = %s, want 0.5", q.PriceSOL)
	}
	if !q.PriceUSD.Equal(decimal.RequireFromString("75")) {
		t.Errorf("priceUSD = %s, want 75", q.PriceUSD)
	}
	if !q.Volume24h.Equal(decimal.NewFromFloat(123.5)) {
		t.Errorf("volume = %s, want 123.5", q.Volume24h)
	}
}

func TestDexScreenerFallsBackToDeepestPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[
			{"priceUsd":"10","quoteToken":{"symbol":"USDC"},"liquidity":{"usd":100}},
			{"priceUsd":"11","quoteToken":{"symbol":"USDT"},"liquidity":{"usd":900}}
		]}`))
	}))
	defer srv.Close()

	src := NewDexScreenerSource(srv.URL, time.Second)
	q, err := src.Fetch(context.Background(), "SOMEMINT11111")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !q.PriceUSD.Equal(decimal.RequireFromString("11")) {
		t.Errorf("priceUSD = %s, want 11 (deepest pair)", q.PriceUSD)
	}
	// Non-SOL quote: no native price carried over.
	if !q.PriceSOL.IsZero() {
		t.Errorf("priceSOL = %s, want 0", q.PriceSOL)
	}
}

func TestDexScreenerNotListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv.Close()

	src := NewDexScreenerSource(srv.URL, time.Second)
	if _, err := src.Fetch(context.Background(), "UNKNOWN"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("err = %v, want ErrNotListed", err)
	}
}

func TestCoinGeckoFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "solana" {
			t.Errorf("ids = %q, want solana", got)
		}
		w.Write([]byte(`{"solana":{"usd":150.25,"usd_24h_vol":1000000,"usd_24h_change":3.2}}`))
	}))
	defer srv.Close()

	src := NewCoinGeckoSource(srv.URL, time.Second)
	q, err := src.Fetch(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !q.PriceUSD.Equal(decimal.NewFromFloat(150.25)) {
		t.Errorf("price = %s, want 150.25", q.PriceUSD)
	}
}

func TestCoinGeckoUnmappedSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unmapped symbol must not hit the upstream")
	}))
	defer srv.Close()

	src := NewCoinGeckoSource(srv.URL, time.Second)
	if _, err := src.Fetch(context.Background(), "NOTACOIN"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("err = %v, want ErrNotListed", err)
	}
}
