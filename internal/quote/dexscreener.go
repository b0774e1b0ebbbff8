package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

// DexScreenerSource fetches pair prices from DexScreener. It is the only
// source that reports a native SOL price alongside USD, plus volume and
// 24h change, so its quotes carry the most detail.
type DexScreenerSource struct {
	client  *http.Client
	baseURL string
}

// NewDexScreenerSource creates the adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewDexScreenerSource(baseURL string, timeout time.Duration) *DexScreenerSource {
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com/latest/dex/tokens"
	}
	return &DexScreenerSource{
		client:  newHTTPClient(timeout),
		baseURL: baseURL,
	}
}

func (s *DexScreenerSource) Name() string { return "dexscreener" }

func (s *DexScreenerSource) Fetch(ctx context.Context, instrument string) (*model.NormalizedQuote, error) {
	endpoint := s.baseURL + "/" + url.PathEscape(instrument)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dexscreener: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dexscreener: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dexscreener: status %d", resp.StatusCode)
	}

	var payload struct {
		Pairs []struct {
			PriceNative string `json:"priceNative"`
			PriceUsd    string `json:"priceUsd"`
			QuoteToken  struct {
				Symbol string `json:"symbol"`
			} `json:"quoteToken"`
			Liquidity struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
			Volume struct {
				H24 float64 `json:"h24"`
			} `json:"volume"`
			PriceChange struct {
				H24 float64 `json:"h24"`
			} `json:"priceChange"`
			FDV float64 `json:"fdv"`
		} `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("dexscreener: decode: %w", err)
	}

	if len(payload.Pairs) == 0 {
		return nil, ErrNotListed
	}

	// Prefer the deepest SOL-quoted pair; fall back to the deepest overall.
	best := -1
	for i, p := range payload.Pairs {
		if p.QuoteToken.Symbol != model.QuoteCurrency {
			continue
		}
		if best < 0 || p.Liquidity.USD > payload.Pairs[best].Liquidity.USD {
			best = i
		}
	}
	if best < 0 {
		for i, p := range payload.Pairs {
			if best < 0 || p.Liquidity.USD > payload.Pairs[best].Liquidity.USD {
				best = i
			}
		}
	}

	pair := payload.Pairs[best]
	q := &model.NormalizedQuote{
		Instrument: instrument,
		MarketCap:  decimal.NewFromFloat(pair.FDV),
		Volume24h:  decimal.NewFromFloat(pair.Volume.H24),
		Change24h:  decimal.NewFromFloat(pair.PriceChange.H24),
	}

	if pair.PriceUsd != "" {
		if v, err := decimal.NewFromString(pair.PriceUsd); err == nil {
			q.PriceUSD = v
		}
	}
	if pair.PriceNative != "" && pair.QuoteToken.Symbol == model.QuoteCurrency {
		if v, err := decimal.NewFromString(pair.PriceNative); err == nil {
			q.PriceSOL = v
		}
	}

	if q.PriceUSD.IsZero() && q.PriceSOL.IsZero() {
		return nil, ErrNotListed
	}
	return q, nil
}
