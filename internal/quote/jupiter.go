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

// JupiterSource fetches USD prices from the Jupiter price API. It is the
// highest-priority source: structured, mint-addressed, low latency.
type JupiterSource struct {
	client  *http.Client
	baseURL string
}

// NewJupiterSource creates the adapter. baseURL overrides the production
// endpoint in tests; pass "" for the default.
func NewJupiterSource(baseURL string, timeout time.Duration) *JupiterSource {
	if baseURL == "" {
		baseURL = "https://api.jup.ag/price/v2"
	}
	return &JupiterSource{
		client:  newHTTPClient(timeout),
		baseURL: baseURL,
	}
}

func (s *JupiterSource) Name() string { return "jupiter" }

func (s *JupiterSource) Fetch(ctx context.Context, instrument string) (*model.NormalizedQuote, error) {
	endpoint := s.baseURL + "?ids=" + url.QueryEscape(instrument)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter: status %d", resp.StatusCode)
	}

	var payload struct {
		Data map[string]struct {
			ID    string `json:"id"`
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("jupiter: decode: %w", err)
	}

	entry, ok := payload.Data[instrument]
	if !ok || entry.Price == "" {
		return nil, ErrNotListed
	}

	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return nil, fmt.Errorf("jupiter: bad price %q: %w", entry.Price, err)
	}

	return &model.NormalizedQuote{
		Instrument: instrument,
		PriceUSD:   price,
	}, nil
}
