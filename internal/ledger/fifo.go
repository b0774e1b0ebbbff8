// Package ledger implements FIFO lot accounting: consumption of open lots in
// acquisition order, proceeds allocation, realized PnL, and the position
// roll-up arithmetic. Pure functions, no I/O — callers run them inside the
// store transaction that loads and writes the lots.
package ledger

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

// ErrLotsExhausted means the open lots ran out before the requested sell
// quantity was consumed. The balance check upstream should make this
// unreachable; it signals ledger inconsistency and must abort the
// transaction, never be papered over.
var ErrLotsExhausted = errors.New("ledger: open lots exhausted before sell quantity")

// SellEpsilon absorbs quantity drift from earlier arithmetic: a sell
// overshooting the held quantity by at most this much is clamped to the held
// quantity instead of rejected.
var SellEpsilon = decimal.NewFromFloat(0.0001)

// Consumption records how much of one lot a sell consumed.
type Consumption struct {
	Lot      *model.Lot
	Quantity decimal.Decimal
}

// Consume walks the open lots oldest-first ((OpenedAt, Seq) ascending) and
// consumes quantity from them until the requested amount is exhausted. Lots
// are sorted here so the FIFO contract holds regardless of input order.
// Remaining quantities on the passed lots are decremented in place, never
// below zero.
func Consume(lots []*model.Lot, quantity decimal.Decimal) ([]Consumption, error) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].OpenedAt.Equal(lots[j].OpenedAt) {
			return lots[i].Seq < lots[j].Seq
		}
		return lots[i].OpenedAt.Before(lots[j].OpenedAt)
	})

	remaining := quantity
	var out []Consumption

	for _, lot := range lots {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if lot.Remaining.LessThanOrEqual(decimal.Zero) {
			continue
		}

		take := decimal.Min(remaining, lot.Remaining)
		lot.Remaining = lot.Remaining.Sub(take)
		if lot.Remaining.IsNegative() {
			lot.Remaining = decimal.Zero
		}
		remaining = remaining.Sub(take)
		out = append(out, Consumption{Lot: lot, Quantity: take})
	}

	if remaining.GreaterThan(decimal.Zero) {
		return nil, ErrLotsExhausted
	}
	return out, nil
}

// BuildClosures turns consumptions into LotClosure audit rows for a sell
// trade. Proceeds are allocated proportionally (consumed/total × netUSD);
// the final closure takes the exact remainder so Σ proceeds == netUSD and
// Σ pnl == netUSD − Σ costBasisClosed with no rounding residue.
func BuildClosures(tradeID string, consumptions []Consumption, totalQty, netUSD decimal.Decimal) []model.LotClosure {
	closures := make([]model.LotClosure, 0, len(consumptions))
	allocated := decimal.Zero

	for i, c := range consumptions {
		var proceeds decimal.Decimal
		if i == len(consumptions)-1 {
			proceeds = netUSD.Sub(allocated)
		} else {
			proceeds = c.Quantity.Div(totalQty).Mul(netUSD)
			allocated = allocated.Add(proceeds)
		}

		cost := c.Quantity.Mul(c.Lot.UnitCostUSD)
		closures = append(closures, model.LotClosure{
			LotID:        c.Lot.ID,
			TradeID:      tradeID,
			Quantity:     c.Quantity,
			CostBasisUSD: cost,
			ProceedsUSD:  proceeds,
			PnLUSD:       proceeds.Sub(cost),
		})
	}
	return closures
}

// ClampSellQuantity applies the epsilon rule: a requested quantity within
// SellEpsilon above held is clamped to held; beyond that the sell is not
// coverable and ok is false.
func ClampSellQuantity(requested, held decimal.Decimal) (qty decimal.Decimal, ok bool) {
	if requested.LessThanOrEqual(held) {
		return requested, true
	}
	if requested.Sub(held).LessThanOrEqual(SellEpsilon) {
		return held, true
	}
	return decimal.Zero, false
}

// ApplyBuy rolls a buy into the position aggregate: quantity added, full
// net cost (including fees) added to cost basis.
func ApplyBuy(pos *model.Position, quantity, netUSD decimal.Decimal) {
	pos.Quantity = pos.Quantity.Add(quantity)
	pos.CostBasisUSD = pos.CostBasisUSD.Add(netUSD)
}

// ApplySell rolls a sell into the position aggregate. Cost basis is clamped
// to zero if drift would push it negative, and forced to exactly zero when
// quantity reaches zero so no dust survives a full exit.
func ApplySell(pos *model.Position, soldQty, consumedCostUSD decimal.Decimal) {
	pos.Quantity = pos.Quantity.Sub(soldQty)
	if pos.Quantity.IsNegative() {
		pos.Quantity = decimal.Zero
	}
	pos.CostBasisUSD = pos.CostBasisUSD.Sub(consumedCostUSD)
	if pos.Quantity.IsZero() || pos.CostBasisUSD.IsNegative() {
		pos.CostBasisUSD = decimal.Zero
	}
}

// TotalConsumedCost sums costBasisClosed across closures.
func TotalConsumedCost(closures []model.LotClosure) decimal.Decimal {
	total := decimal.Zero
	for _, c := range closures {
		total = total.Add(c.CostBasisUSD)
	}
	return total
}

// TotalPnL sums realized PnL across closures — the per-trade figure recorded
// as the RealizedPnLRecord.
func TotalPnL(closures []model.LotClosure) decimal.Decimal {
	total := decimal.Zero
	for _, c := range closures {
		total = total.Add(c.PnLUSD)
	}
	return total
}
