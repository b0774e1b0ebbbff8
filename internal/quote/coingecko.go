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

// coinGeckoIDs maps major token symbols to CoinGecko asset IDs. Instruments
// outside this map are not listed on this source — that is a valid none,
// not a failure.
var coinGeckoIDs = map[string]string{
	"SOL":  "solana",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDC": "usd-coin",
	"USDT": "tether",
	"BONK": "bonk",
	"JUP":  "jupiter-exchange-solana",
	"RAY":  "raydium",
	"WIF":  "dogwifcoin",
	"PYTH": "pyth-network",
	"JTO":  "jito-governance-token",
	"ORCA": "orca",
}

// CoinGeckoSource fetches USD prices for major symbols. It is the lowest
// priority fallback and the canonical source for the SOL→USD rate.
type CoinGeckoSource struct {
	client  *http.Client
	baseURL string
}

// NewCoinGeckoSource creates the adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewCoinGeckoSource(baseURL string, timeout time.Duration) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3/simple/price"
	}
	return &CoinGeckoSource{
		client:  newHTTPClient(timeout),
		baseURL: baseURL,
	}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) Fetch(ctx context.Context, instrument string) (*model.NormalizedQuote, error) {
	id, ok := coinGeckoIDs[instrument]
	if !ok {
		return nil, ErrNotListed
	}

	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_24hr_vol", "true")
	values.Set("include_24hr_change", "true")
	endpoint := s.baseURL + "?" + values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coingecko: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD       float64 `json:"usd"`
		USDVol    float64 `json:"usd_24h_vol"`
		USDChange float64 `json:"usd_24h_change"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("coingecko: decode: %w", err)
	}

	entry, ok := payload[id]
	if !ok || entry.USD <= 0 {
		return nil, ErrNotListed
	}

	return &model.NormalizedQuote{
		Instrument: instrument,
		PriceUSD:   decimal.NewFromFloat(entry.USD),
		Volume24h:  decimal.NewFromFloat(entry.USDVol),
		Change24h:  decimal.NewFromFloat(entry.USDChange),
	}, nil
}
