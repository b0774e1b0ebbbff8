package ledger

import "github.com/shopspring/decimal"

// FeeComponent is one proportional fee applied to gross notional.
type FeeComponent struct {
	Name string
	Rate decimal.Decimal // e.g. 0.01 for 1%
}

// FeeSchedule is a fixed set of proportional fee components, summed. Fees
// are a deterministic function of gross USD notional and nothing else.
type FeeSchedule []FeeComponent

// DefaultFeeSchedule is the 1% platform fee.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{{Name: "platform", Rate: decimal.NewFromFloat(0.01)}}
}

// Apply returns the total fee for a gross notional.
func (s FeeSchedule) Apply(grossUSD decimal.Decimal) decimal.Decimal {
	fee := decimal.Zero
	for _, c := range s {
		fee = fee.Add(grossUSD.Mul(c.Rate))
	}
	return fee
}
