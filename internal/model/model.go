// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// QuoteCurrency is the currency instrument prices are natively quoted in.
// BaseCurrency is the settlement currency all bookkeeping is done in.
const (
	QuoteCurrency = "SOL"
	BaseCurrency  = "USD"
)

// ErrInvalidInstrument is returned for identifiers that cannot be a token
// mint address or symbol.
var ErrInvalidInstrument = errors.New("model: invalid instrument identifier")

// ValidateInstrument checks that id looks like a token mint address or a
// short symbol. Mints are base58-like (13-44 chars); symbols are 1-12
// alphanumerics. Returns the canonical form (symbols uppercased).
func ValidateInstrument(id string) (string, error) {
	id = strings.TrimSpace(id)
	n := len(id)
	if n == 0 || n > 44 {
		return "", ErrInvalidInstrument
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return "", ErrInvalidInstrument
		}
	}
	if n <= 12 {
		return strings.ToUpper(id), nil
	}
	return id, nil
}

// NormalizedQuote is the uniform shape every quote source adapter maps its
// upstream response into. At least one of PriceSOL / PriceUSD is set.
type NormalizedQuote struct {
	Instrument string
	PriceSOL   decimal.Decimal // price in SOL; zero if the source only quotes USD
	PriceUSD   decimal.Decimal // price in USD; zero if the source only quotes SOL
	MarketCap  decimal.Decimal // optional
	Volume24h  decimal.Decimal // optional
	Change24h  decimal.Decimal // optional, percent
}

// PriceTick is the canonical per-instrument price signal produced by the
// aggregator. Immutable; newer ticks supersede older ones by CapturedAt,
// never by arrival order.
type PriceTick struct {
	Instrument string          `json:"instrument"`
	PriceSOL   decimal.Decimal `json:"price_sol"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	MarketCap  decimal.Decimal `json:"market_cap,omitempty"`
	Volume24h  decimal.Decimal `json:"volume_24h,omitempty"`
	Change24h  decimal.Decimal `json:"change_24h,omitempty"`
	Source     string          `json:"source"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Age returns how old the tick is relative to now.
func (t PriceTick) Age(now time.Time) time.Duration {
	return now.Sub(t.CapturedAt)
}

// Account holds an owner's paper USD balance.
type Account struct {
	Owner      string          `json:"owner"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Lot is a discrete unit of acquired quantity at a fixed unit cost. Created
// exactly once per BUY with Remaining == Quantity; Remaining only ever
// decreases, down to zero, and the lot is retained for audit afterwards.
// FIFO ordering is (OpenedAt, Seq) ascending; Seq is a store-assigned
// monotonic tie-breaker for concurrent inserts.
type Lot struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Mint         string          `json:"mint"`
	Quantity     decimal.Decimal `json:"quantity"`
	Remaining    decimal.Decimal `json:"remaining"`
	UnitCostSOL  decimal.Decimal `json:"unit_cost_sol"`
	UnitCostUSD  decimal.Decimal `json:"unit_cost_usd"`
	SolUsdAtOpen decimal.Decimal `json:"sol_usd_at_open"`
	OpenedAt     time.Time       `json:"opened_at"`
	Seq          int64           `json:"seq"`
}

// Position is the cached roll-up over an owner/mint's open lots.
// Quantity must equal Σ Remaining over the lots at all times; CostBasisUSD
// is maintained incrementally but clamped so it never goes negative and is
// exactly zero whenever Quantity is zero.
type Position struct {
	Owner        string          `json:"owner"`
	Mint         string          `json:"mint"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasisUSD decimal.Decimal `json:"cost_basis_usd"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade is an immutable execution record. Never mutated after creation.
// SolUsdAtFill is the SOL→USD rate frozen at fill time — all USD bookkeeping
// for this trade uses it, so historical records stay reproducible.
type Trade struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Mint         string          `json:"mint"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	PriceSOL     decimal.Decimal `json:"price_sol"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	GrossUSD     decimal.Decimal `json:"gross_usd"`
	FeesUSD      decimal.Decimal `json:"fees_usd"`
	NetUSD       decimal.Decimal `json:"net_usd"`
	SolUsdAtFill decimal.Decimal `json:"sol_usd_at_fill"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// LotClosure links a SELL trade to one lot it consumed. The closures of a
// trade sum to its total consumed quantity. Audit rows keep exact signed
// values; rounding residue is clamped only at the Position aggregate.
type LotClosure struct {
	LotID        string          `json:"lot_id"`
	TradeID      string          `json:"trade_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasisUSD decimal.Decimal `json:"cost_basis_usd"`
	ProceedsUSD  decimal.Decimal `json:"proceeds_usd"`
	PnLUSD       decimal.Decimal `json:"pnl_usd"`
}

// RealizedPnLRecord is the append-only per-SELL realized PnL entry that
// aggregate reporting consumes.
type RealizedPnLRecord struct {
	Owner      string          `json:"owner"`
	Mint       string          `json:"mint"`
	TradeID    string          `json:"trade_id"`
	PnLUSD     decimal.Decimal `json:"pnl_usd"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// PositionView is a position enriched with current market value for
// portfolio responses.
type PositionView struct {
	Position
	PriceUSD         decimal.Decimal `json:"price_usd"`
	MarketValueUSD   decimal.Decimal `json:"market_value_usd"`
	UnrealizedPnLUSD decimal.Decimal `json:"unrealized_pnl_usd"`
	PriceStale       bool            `json:"price_stale,omitempty"`
}

// Portfolio aggregates an owner's account, positions, and PnL.
type Portfolio struct {
	Owner            string          `json:"owner"`
	BalanceUSD       decimal.Decimal `json:"balance_usd"`
	Positions        []PositionView  `json:"positions"`
	HoldingsValueUSD decimal.Decimal `json:"holdings_value_usd"`
	TotalValueUSD    decimal.Decimal `json:"total_value_usd"`
	UnrealizedPnLUSD decimal.Decimal `json:"unrealized_pnl_usd"`
	RealizedPnLUSD   decimal.Decimal `json:"realized_pnl_usd"`
	ComputedAt       time.Time       `json:"computed_at"`
}
