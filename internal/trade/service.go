package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
	"github.com/tokensim/trade-engine/internal/pricing"
	"github.com/tokensim/trade-engine/internal/store"
)

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Owner    string          `json:"owner"`
	Mint     string          `json:"mint"`
	Side     string          `json:"side"`     // "BUY" or "SELL"
	Quantity decimal.Decimal `json:"quantity"` // positive
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	side := model.Side(strings.ToUpper(req.Side))
	if side != model.SideBuy && side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	mint, err := model.ValidateInstrument(req.Mint)
	if err != nil {
		writeError(w, "invalid mint", http.StatusBadRequest)
		return
	}

	receipt, err := s.Settle(r.Context(), SettleRequest{
		Owner:    req.Owner,
		Mint:     mint,
		Side:     side,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeSettleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}

// GetPrice handles GET /api/v1/price/{instrument}.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	mint, err := model.ValidateInstrument(chi.URLParam(r, "instrument"))
	if err != nil {
		writeError(w, "invalid instrument", http.StatusBadRequest)
		return
	}

	tick, err := s.agg.GetTick(r.Context(), mint)
	if err != nil {
		writeError(w, "price unavailable", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tick)
}

// GetPrices handles GET /api/v1/prices?instruments=a,b,c (batch).
// Per-instrument failures are reported independently; the batch never fails
// as a whole.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("instruments")
	if raw == "" {
		writeError(w, "instruments query parameter is required", http.StatusBadRequest)
		return
	}

	var instruments []string
	for _, part := range strings.Split(raw, ",") {
		mint, err := model.ValidateInstrument(part)
		if err != nil {
			continue
		}
		instruments = append(instruments, mint)
	}
	if len(instruments) == 0 {
		writeError(w, "no valid instruments", http.StatusBadRequest)
		return
	}

	results := s.agg.GetTicks(r.Context(), instruments)

	type priceResult struct {
		Tick  *model.PriceTick `json:"tick,omitempty"`
		Error string           `json:"error,omitempty"`
	}
	resp := make(map[string]priceResult, len(results))
	for ins, res := range results {
		if res.Err != nil {
			resp[ins] = priceResult{Error: "price unavailable"}
			continue
		}
		tick := res.Tick
		resp[ins] = priceResult{Tick: &tick}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPortfolio handles GET /api/v1/portfolio/{owner}. Valuations for the
// same owner coalesce into one computation; settlements invalidate it.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ctx := r.Context()

	v, err := s.coalescer.Do(PortfolioKey(owner), func() (any, error) {
		return s.buildPortfolio(ctx, owner)
	})
	if err != nil {
		writeError(w, "failed to compute portfolio", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v.(*model.Portfolio))
}

func (s *Service) buildPortfolio(ctx context.Context, owner string) (*model.Portfolio, error) {
	portfolio := &model.Portfolio{
		Owner:      owner,
		BalanceUSD: decimal.Zero,
		Positions:  []model.PositionView{},
		ComputedAt: s.now().UTC(),
	}

	if acct, err := s.store.GetAccount(ctx, owner); err == nil {
		portfolio.BalanceUSD = acct.BalanceUSD
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	positions, err := s.store.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}

	records, err := s.store.ListRealizedPnL(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		portfolio.RealizedPnLUSD = portfolio.RealizedPnLUSD.Add(rec.PnLUSD)
	}

	mints := make([]string, 0, len(positions))
	for _, p := range positions {
		mints = append(mints, p.Mint)
	}
	ticks := s.agg.GetTicks(ctx, mints)

	for _, p := range positions {
		view := model.PositionView{Position: p}
		if res, ok := ticks[p.Mint]; ok && res.Err == nil {
			view.PriceUSD = res.Tick.PriceUSD
			view.MarketValueUSD = p.Quantity.Mul(res.Tick.PriceUSD)
			view.UnrealizedPnLUSD = view.MarketValueUSD.Sub(p.CostBasisUSD)
		} else {
			view.PriceStale = true
		}
		portfolio.Positions = append(portfolio.Positions, view)
		portfolio.HoldingsValueUSD = portfolio.HoldingsValueUSD.Add(view.MarketValueUSD)
		portfolio.UnrealizedPnLUSD = portfolio.UnrealizedPnLUSD.Add(view.UnrealizedPnLUSD)
	}

	portfolio.TotalValueUSD = portfolio.BalanceUSD.Add(portfolio.HoldingsValueUSD)
	return portfolio, nil
}

// GetAccount handles GET /api/v1/accounts/{owner}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	acct, err := s.store.GetAccount(r.Context(), owner)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// GetTrades handles GET /api/v1/trades/{owner}.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	trades, err := s.store.ListTrades(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetRealizedPnL handles GET /api/v1/pnl/{owner}.
func (s *Service) GetRealizedPnL(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	records, err := s.store.ListRealizedPnL(r.Context(), owner)
	if err != nil {
		writeError(w, "failed to list realized pnl", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.RealizedPnLRecord{}
	}

	total := decimal.Zero
	for _, rec := range records {
		total = total.Add(rec.PnLUSD)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"owner":         owner,
		"total_pnl_usd": total,
		"records":       records,
	})
}

// writeSettleError maps settlement errors to HTTP responses. Price
// unavailability never leaks source names or timings.
func writeSettleError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientError
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, model.ErrInvalidInstrument):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "insufficient " + insufficient.What,
			"required":  insufficient.Required.String(),
			"available": insufficient.Available.String(),
		})
	case errors.Is(err, pricing.ErrPriceUnavailable):
		writeError(w, "price unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, ErrStalePrice):
		writeError(w, "price too stale to fill", http.StatusServiceUnavailable)
	case errors.Is(err, ErrLedgerInconsistency):
		writeError(w, "internal ledger error", http.StatusInternalServerError)
	default:
		writeError(w, "settlement failed", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
