// Package trade provides the settlement engine and the HTTP handlers for
// executing trades and querying portfolios, plus the WebSocket tick hub.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/ledger"
	"github.com/tokensim/trade-engine/internal/metrics"
	"github.com/tokensim/trade-engine/internal/model"
	"github.com/tokensim/trade-engine/internal/pricing"
	"github.com/tokensim/trade-engine/internal/store"
)

var (
	// ErrInvalidQuantity rejects non-positive trade quantities.
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")

	// ErrStalePrice means a tick exists but is too old to fill against.
	ErrStalePrice = errors.New("trade: price too old to fill against")

	// ErrLedgerInconsistency means open lots ran out before the sell
	// quantity — an invariant breach that aborts the whole transaction.
	ErrLedgerInconsistency = errors.New("trade: ledger inconsistency")
)

// InsufficientError reports a rejected settlement with enough detail to
// render a message (required vs available).
type InsufficientError struct {
	What      string // "funds" or "position"
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("trade: insufficient %s: required %s, available %s",
		e.What, e.Required, e.Available)
}

// SettleRequest is one order to fill instantly against the current quote.
type SettleRequest struct {
	Owner    string
	Mint     string
	Side     model.Side
	Quantity decimal.Decimal
}

// Receipt is the result of a settled trade.
type Receipt struct {
	Trade      model.Trade        `json:"trade"`
	Position   model.Position     `json:"position"`
	BalanceUSD decimal.Decimal    `json:"balance_usd"`
	Closures   []model.LotClosure `json:"closures,omitempty"`
}

// Service is the trade settlement engine. A settlement either commits fully
// (trade, lots, position, balance, audit rows) or leaves no trace.
type Service struct {
	store           store.Store
	agg             *pricing.Aggregator
	coalescer       *pricing.Coalescer
	fees            ledger.FeeSchedule
	fillFreshness   time.Duration
	startingBalance decimal.Decimal

	now func() time.Time
}

// NewService creates the settlement engine. fillFreshness bounds how old a
// tick may be at fill time; startingBalance funds paper accounts on first
// touch.
func NewService(st store.Store, agg *pricing.Aggregator, co *pricing.Coalescer,
	fees ledger.FeeSchedule, fillFreshness time.Duration, startingBalance decimal.Decimal) *Service {
	return &Service{
		store:           st,
		agg:             agg,
		coalescer:       co,
		fees:            fees,
		fillFreshness:   fillFreshness,
		startingBalance: startingBalance,
		now:             time.Now,
	}
}

// Settle prices the order, charges fees against the frozen SOL→USD rate,
// validates balance/position, and executes the ledger mutation atomically.
// Failures are typed and zero-mutation; there are no retries here.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	start := s.now()

	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		metrics.SettlementRejections.WithLabelValues("invalid_quantity").Inc()
		return nil, ErrInvalidQuantity
	}

	tick, err := s.agg.GetTick(ctx, req.Mint)
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("price_unavailable").Inc()
		return nil, err
	}
	if tick.Age(s.now()) > s.fillFreshness {
		metrics.SettlementRejections.WithLabelValues("stale_price").Inc()
		return nil, ErrStalePrice
	}

	// Freeze the SOL→USD rate now; every USD figure on this trade uses it.
	// The rate is held to the same fill-freshness bound as the instrument
	// tick — the cache max-age may be configured above it.
	solTick, err := s.agg.GetTick(ctx, model.QuoteCurrency)
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("price_unavailable").Inc()
		return nil, err
	}
	if solTick.Age(s.now()) > s.fillFreshness {
		metrics.SettlementRejections.WithLabelValues("stale_price").Inc()
		return nil, ErrStalePrice
	}
	solUsd := solTick.PriceUSD

	var receipt *Receipt
	txErr := s.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.EnsureAccount(ctx, req.Owner, s.startingBalance)
		if err != nil {
			return err
		}
		pos, err := tx.PositionForUpdate(ctx, req.Owner, req.Mint)
		if err != nil {
			return err
		}

		switch req.Side {
		case model.SideBuy:
			receipt, err = s.settleBuy(ctx, tx, req, tick, solUsd, acct, pos)
		case model.SideSell:
			receipt, err = s.settleSell(ctx, tx, req, tick, solUsd, acct, pos)
		default:
			err = fmt.Errorf("trade: unknown side %q", req.Side)
		}
		return err
	})
	if txErr != nil {
		var insufficient *InsufficientError
		switch {
		case errors.As(txErr, &insufficient):
			metrics.SettlementRejections.WithLabelValues("insufficient_" + insufficient.What).Inc()
		case errors.Is(txErr, ErrLedgerInconsistency):
			metrics.SettlementRejections.WithLabelValues("ledger_inconsistency").Inc()
			slog.Error("ledger inconsistency aborted settlement",
				"owner", req.Owner, "mint", req.Mint, "err", txErr)
		}
		return nil, txErr
	}

	// Dependent aggregate views are now stale; evict and re-warm the price.
	s.coalescer.Invalidate(PortfolioKey(req.Owner))
	s.agg.Prefetch(req.Mint)

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(s.now().Sub(start).Seconds())

	slog.Info("trade settled",
		"trade_id", receipt.Trade.ID,
		"owner", req.Owner,
		"mint", req.Mint,
		"side", req.Side,
		"qty", receipt.Trade.Quantity.String(),
		"price_usd", receipt.Trade.PriceUSD.String(),
		"net_usd", receipt.Trade.NetUSD.String(),
		"source", tick.Source,
	)
	return receipt, nil
}

func (s *Service) settleBuy(ctx context.Context, tx store.Tx, req SettleRequest,
	tick model.PriceTick, solUsd decimal.Decimal, acct *model.Account, pos *model.Position) (*Receipt, error) {

	gross := req.Quantity.Mul(tick.PriceUSD)
	fees := s.fees.Apply(gross)
	net := gross.Add(fees) // cost to the buyer

	if acct.BalanceUSD.LessThan(net) {
		return nil, &InsufficientError{What: "funds", Required: net, Available: acct.BalanceUSD}
	}

	now := s.now().UTC()
	trade := model.Trade{
		ID:           uuid.New().String(),
		Owner:        req.Owner,
		Mint:         req.Mint,
		Side:         model.SideBuy,
		Quantity:     req.Quantity,
		PriceSOL:     tick.PriceSOL,
		PriceUSD:     tick.PriceUSD,
		GrossUSD:     gross,
		FeesUSD:      fees,
		NetUSD:       net,
		SolUsdAtFill: solUsd,
		ExecutedAt:   now,
	}

	// Unit cost is fee-inclusive (net / quantity) so the position's cost
	// basis always equals Σ remaining × unit cost across its lots.
	unitCostUSD := net.Div(req.Quantity)
	unitCostSOL := tick.PriceSOL
	if solUsd.IsPositive() {
		unitCostSOL = unitCostUSD.Div(solUsd)
	}

	lot := model.Lot{
		ID:           uuid.New().String(),
		Owner:        req.Owner,
		Mint:         req.Mint,
		Quantity:     req.Quantity,
		Remaining:    req.Quantity,
		UnitCostSOL:  unitCostSOL,
		UnitCostUSD:  unitCostUSD,
		SolUsdAtOpen: solUsd,
		OpenedAt:     now,
	}
	if err := tx.InsertLot(ctx, &lot); err != nil {
		return nil, err
	}

	ledger.ApplyBuy(pos, req.Quantity, net)
	pos.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return nil, err
	}

	balance := acct.BalanceUSD.Sub(net)
	if err := tx.SetBalance(ctx, req.Owner, balance); err != nil {
		return nil, err
	}

	return &Receipt{Trade: trade, Position: *pos, BalanceUSD: balance}, nil
}

func (s *Service) settleSell(ctx context.Context, tx store.Tx, req SettleRequest,
	tick model.PriceTick, solUsd decimal.Decimal, acct *model.Account, pos *model.Position) (*Receipt, error) {

	// Shortfall within the epsilon clamps to the held quantity; beyond it
	// the position cannot cover the sell.
	qty, ok := ledger.ClampSellQuantity(req.Quantity, pos.Quantity)
	if !ok || qty.LessThanOrEqual(decimal.Zero) {
		return nil, &InsufficientError{What: "position", Required: req.Quantity, Available: pos.Quantity}
	}

	gross := qty.Mul(tick.PriceUSD)
	fees := s.fees.Apply(gross)
	net := gross.Sub(fees) // proceeds to the seller

	lots, err := tx.OpenLots(ctx, req.Owner, req.Mint)
	if err != nil {
		return nil, err
	}

	consumptions, err := ledger.Consume(lots, qty)
	if err != nil {
		// Should have been caught by the position check; never short-sell.
		return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}

	now := s.now().UTC()
	trade := model.Trade{
		ID:           uuid.New().String(),
		Owner:        req.Owner,
		Mint:         req.Mint,
		Side:         model.SideSell,
		Quantity:     qty,
		PriceSOL:     tick.PriceSOL,
		PriceUSD:     tick.PriceUSD,
		GrossUSD:     gross,
		FeesUSD:      fees,
		NetUSD:       net,
		SolUsdAtFill: solUsd,
		ExecutedAt:   now,
	}

	closures := ledger.BuildClosures(trade.ID, consumptions, qty, net)

	for _, c := range consumptions {
		if err := tx.UpdateLotRemaining(ctx, c.Lot.ID, c.Lot.Remaining); err != nil {
			return nil, err
		}
	}

	ledger.ApplySell(pos, qty, ledger.TotalConsumedCost(closures))
	pos.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return nil, err
	}
	if err := tx.InsertClosures(ctx, closures); err != nil {
		return nil, err
	}
	if err := tx.InsertPnLRecord(ctx, &model.RealizedPnLRecord{
		Owner:      req.Owner,
		Mint:       req.Mint,
		TradeID:    trade.ID,
		PnLUSD:     ledger.TotalPnL(closures),
		RecordedAt: now,
	}); err != nil {
		return nil, err
	}

	balance := acct.BalanceUSD.Add(net)
	if err := tx.SetBalance(ctx, req.Owner, balance); err != nil {
		return nil, err
	}

	return &Receipt{Trade: trade, Position: *pos, BalanceUSD: balance, Closures: closures}, nil
}

// PortfolioKey is the coalescer key for an owner's portfolio valuation.
func PortfolioKey(owner string) string { return "portfolio:" + owner }
