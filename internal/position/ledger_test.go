package position_test

import (
	"errors"
	"testing"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
	"percolator/internal/position"
)

const (
	mktID = "BTC-PERP"
	inst  = 0
)

func fill(t *testing.T, l *position.Ledger, trader string, side market.Side, qty, price int64) position.FillResult {
	t.Helper()
	res, err := l.ApplyFill(trader, mktID, inst, side, fixedpoint.FromInt(qty), fixedpoint.FromInt(price))
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	return res
}

func TestApplyFill_Open(t *testing.T) {
	l := position.NewLedger()
	res := fill(t, l, "alice", market.SideBid, 10, 100)

	if res.Position.Size != fixedpoint.FromInt(10) {
		t.Errorf("size: got %s", res.Position.Size)
	}
	if res.Position.EntryPrice != fixedpoint.FromInt(100) {
		t.Errorf("entry: got %s", res.Position.EntryPrice)
	}
	if res.OpenedQuantity != fixedpoint.FromInt(10) || res.ClosedQuantity != 0 {
		t.Errorf("opened %s closed %s", res.OpenedQuantity, res.ClosedQuantity)
	}

	// A short opens with negative size.
	short := fill(t, l, "bob", market.SideAsk, 5, 100)
	if short.Position.Size != fixedpoint.FromInt(-5) {
		t.Errorf("short size: got %s", short.Position.Size)
	}
}

func TestApplyFill_IncreaseWeightsEntry(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)
	res := fill(t, l, "alice", market.SideBid, 10, 110)

	// (10*100 + 10*110) / 20 = 105
	if res.Position.EntryPrice != fixedpoint.FromInt(105) {
		t.Errorf("entry: got %s, want 105", res.Position.EntryPrice)
	}
	if res.Position.Size != fixedpoint.FromInt(20) {
		t.Errorf("size: got %s", res.Position.Size)
	}
	if res.OpenedQuantity != fixedpoint.FromInt(10) {
		t.Errorf("opened: got %s", res.OpenedQuantity)
	}
}

func TestApplyFill_PartialReduce(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)
	if err := l.AddMargin("alice", mktID, inst, fixedpoint.FromInt(100)); err != nil {
		t.Fatalf("add margin: %v", err)
	}

	res := fill(t, l, "alice", market.SideAsk, 4, 110)

	// 4 * (110 - 100) = 40 realized on the closed portion.
	if res.RealizedPnL != fixedpoint.FromInt(40) {
		t.Errorf("realized: got %s, want 40", res.RealizedPnL)
	}
	if res.Position.Size != fixedpoint.FromInt(6) {
		t.Errorf("size: got %s, want 6", res.Position.Size)
	}
	// Entry price is unchanged on a reduce.
	if res.Position.EntryPrice != fixedpoint.FromInt(100) {
		t.Errorf("entry: got %s, want 100", res.Position.EntryPrice)
	}
	// Margin released proportionally: 100 * 4/10 = 40.
	if res.MarginReleased != fixedpoint.FromInt(40) {
		t.Errorf("margin released: got %s, want 40", res.MarginReleased)
	}
	if res.Position.Margin != fixedpoint.FromInt(60) {
		t.Errorf("margin: got %s, want 60", res.Position.Margin)
	}
}

func TestApplyFill_PartialReduceShort(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideAsk, 10, 100)

	// A short bought back above entry realizes a loss: -(110-100)*4 = -40.
	res := fill(t, l, "alice", market.SideBid, 4, 110)
	if res.RealizedPnL != fixedpoint.FromInt(-40) {
		t.Errorf("realized: got %s, want -40", res.RealizedPnL)
	}
	if res.Position.Size != fixedpoint.FromInt(-6) {
		t.Errorf("size: got %s, want -6", res.Position.Size)
	}
}

func TestApplyFill_FullClose(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideAsk, 10, 100)
	if err := l.AddMargin("alice", mktID, inst, fixedpoint.FromInt(100)); err != nil {
		t.Fatalf("add margin: %v", err)
	}

	// Short closed at a lower price is a gain: -1 * (90-100) * 10 = +100.
	res := fill(t, l, "alice", market.SideBid, 10, 90)
	if res.RealizedPnL != fixedpoint.FromInt(100) {
		t.Errorf("realized: got %s, want 100", res.RealizedPnL)
	}
	if !res.Position.IsFlat() {
		t.Errorf("size after full close: got %s", res.Position.Size)
	}
	if res.Position.EntryPrice != 0 {
		t.Errorf("entry after full close: got %s", res.Position.EntryPrice)
	}
	if res.MarginReleased != fixedpoint.FromInt(100) {
		t.Errorf("margin released: got %s", res.MarginReleased)
	}
}

func TestApplyFill_Flip(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)

	// Sell 15 against a long 10: close 10, open short 5 at the fill price.
	res := fill(t, l, "alice", market.SideAsk, 15, 120)
	if res.RealizedPnL != fixedpoint.FromInt(200) {
		t.Errorf("realized: got %s, want 200", res.RealizedPnL)
	}
	if res.ClosedQuantity != fixedpoint.FromInt(10) {
		t.Errorf("closed: got %s, want 10", res.ClosedQuantity)
	}
	if res.OpenedQuantity != fixedpoint.FromInt(5) {
		t.Errorf("opened: got %s, want 5", res.OpenedQuantity)
	}
	if res.Position.Size != fixedpoint.FromInt(-5) {
		t.Errorf("size: got %s, want -5", res.Position.Size)
	}
	if res.Position.EntryPrice != fixedpoint.FromInt(120) {
		t.Errorf("entry: got %s, want 120", res.Position.EntryPrice)
	}
}

func TestMarkToMarket(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)
	fill(t, l, "bob", market.SideAsk, 10, 100)

	long, _ := l.Get("alice", mktID, inst)
	short, _ := l.Get("bob", mktID, inst)

	mark := fixedpoint.FromInt(95)
	if got := position.MarkToMarket(long, mark); got != fixedpoint.FromInt(-50) {
		t.Errorf("long uPnL: got %s, want -50", got)
	}
	if got := position.MarkToMarket(short, mark); got != fixedpoint.FromInt(50) {
		t.Errorf("short uPnL: got %s, want 50", got)
	}
}

func TestApplyFunding(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)
	if err := l.AddMargin("alice", mktID, inst, fixedpoint.FromInt(50)); err != nil {
		t.Fatalf("add margin: %v", err)
	}

	paid, shortfall, err := l.ApplyFunding("alice", mktID, inst, fixedpoint.FromInt(20), 1)
	if err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if paid != fixedpoint.FromInt(20) || shortfall != 0 {
		t.Errorf("paid %s shortfall %s", paid, shortfall)
	}

	// Replaying the same funding index is rejected.
	if _, _, err := l.ApplyFunding("alice", mktID, inst, fixedpoint.FromInt(20), 1); !errors.Is(err, position.ErrFundingReplayed) {
		t.Errorf("got %v, want ErrFundingReplayed", err)
	}

	// A debit beyond the margin floors at zero and reports the shortfall.
	paid, shortfall, err = l.ApplyFunding("alice", mktID, inst, fixedpoint.FromInt(40), 2)
	if err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	if paid != fixedpoint.FromInt(30) || shortfall != fixedpoint.FromInt(10) {
		t.Errorf("paid %s shortfall %s, want 30/10", paid, shortfall)
	}
	p, _ := l.Get("alice", mktID, inst)
	if p.Margin != 0 {
		t.Errorf("margin: got %s, want 0", p.Margin)
	}

	// A negative payment credits the margin.
	if _, _, err := l.ApplyFunding("alice", mktID, inst, fixedpoint.FromInt(-15), 3); err != nil {
		t.Fatalf("apply funding: %v", err)
	}
	p, _ = l.Get("alice", mktID, inst)
	if p.Margin != fixedpoint.FromInt(15) {
		t.Errorf("margin after credit: got %s, want 15", p.Margin)
	}
}

func TestAllOn_SkipsFlat(t *testing.T) {
	l := position.NewLedger()
	fill(t, l, "alice", market.SideBid, 10, 100)
	fill(t, l, "bob", market.SideBid, 5, 100)
	fill(t, l, "bob", market.SideAsk, 5, 100) // bob closes out

	got := l.AllOn(mktID, inst)
	if len(got) != 1 || got[0].Trader != "alice" {
		t.Errorf("open positions: got %d", len(got))
	}
}

func TestApplyFunding_UnknownPosition(t *testing.T) {
	l := position.NewLedger()
	if _, _, err := l.ApplyFunding("ghost", mktID, inst, fixedpoint.One, 1); !errors.Is(err, position.ErrPositionNotFound) {
		t.Errorf("got %v, want ErrPositionNotFound", err)
	}
}
