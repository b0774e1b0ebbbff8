package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lot(id string, openedAt time.Time, seq int64, remaining, unitCostUSD string) *model.Lot {
	return &model.Lot{
		ID:          id,
		Quantity:    dec(remaining),
		Remaining:   dec(remaining),
		UnitCostUSD: dec(unitCostUSD),
		OpenedAt:    openedAt,
		Seq:         seq,
	}
}

func TestConsumeFIFOOrder(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	// Deliberately out of order on input; Consume must sort by
	// (OpenedAt, Seq) before consuming.
	lots := []*model.Lot{
		lot("c", t1, 3, "50", "3.0"),
		lot("a", t0, 1, "100", "1.0"),
		lot("b", t0, 2, "100", "2.0"),
	}

	consumptions, err := Consume(lots, dec("175"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(consumptions) != 2 {
		t.Fatalf("got %d consumptions, want 2", len(consumptions))
	}
	if consumptions[0].Lot.ID != "a" || !consumptions[0].Quantity.Equal(dec("100")) {
		t.Errorf("first consumption = %s/%s, want a/100",
			consumptions[0].Lot.ID, consumptions[0].Quantity)
	}
	if consumptions[1].Lot.ID != "b" || !consumptions[1].Quantity.Equal(dec("75")) {
		t.Errorf("second consumption = %s/%s, want b/75",
			consumptions[1].Lot.ID, consumptions[1].Quantity)
	}

	// Remaining decremented in place; untouched lot intact.
	for _, l := range lots {
		switch l.ID {
		case "a":
			if !l.Remaining.IsZero() {
				t.Errorf("lot a remaining = %s, want 0", l.Remaining)
			}
		case "b":
			if !l.Remaining.Equal(dec("25")) {
				t.Errorf("lot b remaining = %s, want 25", l.Remaining)
			}
		case "c":
			if !l.Remaining.Equal(dec("50")) {
				t.Errorf("lot c remaining = %s, want 50", l.Remaining)
			}
		}
	}
}

func TestConsumeSeqBreaksTies(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lots := []*model.Lot{
		lot("later", at, 7, "10", "1.0"),
		lot("earlier", at, 4, "10", "1.0"),
	}

	consumptions, err := Consume(lots, dec("5"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumptions[0].Lot.ID != "earlier" {
		t.Errorf("consumed %q first, want %q", consumptions[0].Lot.ID, "earlier")
	}
}

func TestConsumeExhausted(t *testing.T) {
	at := time.Now()
	lots := []*model.Lot{lot("only", at, 1, "10", "1.0")}

	_, err := Consume(lots, dec("10.5"))
	if !errors.Is(err, ErrLotsExhausted) {
		t.Fatalf("err = %v, want ErrLotsExhausted", err)
	}
}

func TestConsumeSkipsEmptyLots(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	spent := lot("spent", t0, 1, "100", "1.0")
	spent.Remaining = decimal.Zero
	open := lot("open", t0.Add(time.Minute), 2, "50", "1.0")

	consumptions, err := Consume([]*model.Lot{spent, open}, dec("10"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(consumptions) != 1 || consumptions[0].Lot.ID != "open" {
		t.Fatalf("consumed from wrong lots: %+v", consumptions)
	}
}

// Buy 100 @ $1.00 with a 1% fee, then sell 40 @ $2.00 with a 1% fee:
// cost basis 101, proceeds 79.2, cost basis closed 40.4, realized PnL 38.8,
// remaining position 60 units at 60.6 basis.
func TestSellScenarioReconciles(t *testing.T) {
	openedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	pos := &model.Position{}
	buyNet := dec("101") // 100 gross + 1 fee
	ApplyBuy(pos, dec("100"), buyNet)
	if !pos.CostBasisUSD.Equal(dec("101")) {
		t.Fatalf("cost basis after buy = %s, want 101", pos.CostBasisUSD)
	}

	// The lot carries the fee-inclusive unit cost.
	l := lot("l1", openedAt, 1, "100", "1.01")

	consumptions, err := Consume([]*model.Lot{l}, dec("40"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sellNet := dec("79.2") // 80 gross - 0.8 fee
	closures := BuildClosures("trade-1", consumptions, dec("40"), sellNet)
	if len(closures) != 1 {
		t.Fatalf("got %d closures, want 1", len(closures))
	}

	c := closures[0]
	if !c.CostBasisUSD.Equal(dec("40.4")) {
		t.Errorf("cost basis closed = %s, want 40.4", c.CostBasisUSD)
	}
	if !c.ProceedsUSD.Equal(sellNet) {
		t.Errorf("proceeds = %s, want %s", c.ProceedsUSD, sellNet)
	}
	if !c.PnLUSD.Equal(dec("38.8")) {
		t.Errorf("realized pnl = %s, want 38.8", c.PnLUSD)
	}

	ApplySell(pos, dec("40"), TotalConsumedCost(closures))
	if !pos.Quantity.Equal(dec("60")) {
		t.Errorf("position quantity = %s, want 60", pos.Quantity)
	}
	if !pos.CostBasisUSD.Equal(dec("60.6")) {
		t.Errorf("position cost basis = %s, want 60.6", pos.CostBasisUSD)
	}
	if !l.Remaining.Equal(dec("60")) {
		t.Errorf("lot remaining = %s, want 60", l.Remaining)
	}
}

// Proceeds allocation across closures must sum exactly to the trade net even
// when the proportional split does not divide evenly.
func TestBuildClosuresExactAllocation(t *testing.T) {
	openedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lots := []*model.Lot{
		lot("a", openedAt, 1, "1", "1.0"),
		lot("b", openedAt.Add(time.Second), 2, "1", "1.0"),
		lot("c", openedAt.Add(2*time.Second), 3, "1", "1.0"),
	}

	total := dec("3")
	consumptions, err := Consume(lots, total)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	net := dec("10") // 10/3 per lot does not terminate
	closures := BuildClosures("trade-1", consumptions, total, net)

	proceeds := decimal.Zero
	qty := decimal.Zero
	for _, c := range closures {
		proceeds = proceeds.Add(c.ProceedsUSD)
		qty = qty.Add(c.Quantity)
	}
	if !proceeds.Equal(net) {
		t.Errorf("sum of proceeds = %s, want exactly %s", proceeds, net)
	}
	if !qty.Equal(total) {
		t.Errorf("sum of closure quantities = %s, want %s", qty, total)
	}

	pnl := TotalPnL(closures)
	want := net.Sub(TotalConsumedCost(closures))
	if !pnl.Equal(want) {
		t.Errorf("total pnl = %s, want %s", pnl, want)
	}
}

func TestClampSellQuantity(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		held      string
		wantQty   string
		wantOK    bool
	}{
		{"exact", "100", "100", "100", true},
		{"under", "40", "100", "40", true},
		{"within epsilon", "100.00009", "100", "100", true},
		{"at epsilon", "100.0001", "100", "100", true},
		{"beyond epsilon", "100.0002", "100", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty, ok := ClampSellQuantity(dec(tt.requested), dec(tt.held))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !qty.Equal(dec(tt.wantQty)) {
				t.Errorf("qty = %s, want %s", qty, tt.wantQty)
			}
		})
	}
}

func TestApplySellClampsResidue(t *testing.T) {
	// Full exit with rounding drift: basis must land on exactly zero.
	pos := &model.Position{
		Quantity:     dec("10"),
		CostBasisUSD: dec("9.999999"),
	}
	ApplySell(pos, dec("10"), dec("10.000001"))
	if !pos.Quantity.IsZero() {
		t.Errorf("quantity = %s, want 0", pos.Quantity)
	}
	if !pos.CostBasisUSD.IsZero() {
		t.Errorf("cost basis = %s, want 0", pos.CostBasisUSD)
	}

	// Partial exit where drift would push the basis negative.
	pos = &model.Position{
		Quantity:     dec("10"),
		CostBasisUSD: dec("5"),
	}
	ApplySell(pos, dec("4"), dec("5.01"))
	if !pos.CostBasisUSD.IsZero() {
		t.Errorf("cost basis = %s, want clamped to 0", pos.CostBasisUSD)
	}
	if !pos.Quantity.Equal(dec("6")) {
		t.Errorf("quantity = %s, want 6", pos.Quantity)
	}
}

func TestFeeScheduleApply(t *testing.T) {
	fees := DefaultFeeSchedule().Apply(dec("100"))
	if !fees.Equal(dec("1")) {
		t.Errorf("default fee on 100 = %s, want 1", fees)
	}

	schedule := FeeSchedule{
		{Name: "platform", Rate: dec("0.01")},
		{Name: "network", Rate: dec("0.005")},
	}
	fees = schedule.Apply(dec("200"))
	if !fees.Equal(dec("3")) {
		t.Errorf("combined fee on 200 = %s, want 3", fees)
	}
}
