package liquidation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"percolator/internal/collateral"
	"percolator/internal/fixedpoint"
	"percolator/internal/liquidation"
	"percolator/internal/market"
	"percolator/internal/oracle"
	"percolator/internal/position"
)

const testNowSec = int64(1_700_000_000)

type fixture struct {
	engine     *liquidation.Engine
	oracles    *oracle.Cache
	positions  *position.Ledger
	collateral *collateral.Tracker
	market     *market.Market
	oracleSeq  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mkt, err := market.New("BTC-PERP", "authority-1", market.RiskParams{
		InitialMarginBps:     1000,
		MaintenanceMarginBps: 500,
		BandBps:              1000,
		FundingCapBps:        100,
		MaxLeverage:          10,
		OpenInterestCap:      fixedpoint.FromInt(100_000),
	}, market.WarmupConfig{})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	registry := market.NewRegistry()
	if err := registry.Register(mkt); err != nil {
		t.Fatalf("register: %v", err)
	}

	f := &fixture{
		oracles:    oracle.NewCache(),
		positions:  position.NewLedger(),
		collateral: collateral.NewTracker(),
		market:     mkt,
	}
	f.setMark(t, 100)

	f.engine = liquidation.New(liquidation.Deps{
		Registry:   registry,
		Oracles:    f.oracles,
		Positions:  f.positions,
		Collateral: f.collateral,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return time.Unix(testNowSec, 0) },
	})
	return f
}

func (f *fixture) setMark(t *testing.T, price int64) {
	t.Helper()
	f.oracleSeq++
	f.oracles.Update("BTC-PERP", oracle.Data{
		Realized:  fixedpoint.FromInt(price),
		ValidFrom: testNowSec - 1,
		ValidTo:   testNowSec + 3600,
	}, f.oracleSeq)
}

// open simulates a committed order: deposit, reserve margin, fill, lock.
func (f *fixture) open(t *testing.T, trader string, side market.Side, qty, entry, margin, deposit int64) {
	t.Helper()
	if err := f.collateral.Deposit(trader, fixedpoint.FromInt(deposit)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.collateral.Reserve(trader, fixedpoint.FromInt(margin)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.positions.ApplyFill(trader, "BTC-PERP", 0, side, fixedpoint.FromInt(qty), fixedpoint.FromInt(entry)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.positions.AddMargin(trader, "BTC-PERP", 0, fixedpoint.FromInt(margin)); err != nil {
		t.Fatalf("margin: %v", err)
	}
	if err := f.market.ReserveOpenInterest(fixedpoint.FromInt(qty)); err != nil {
		t.Fatalf("oi: %v", err)
	}
}

func TestCheckLiquidatable(t *testing.T) {
	long := position.Position{
		Size:       fixedpoint.FromInt(10),
		EntryPrice: fixedpoint.FromInt(100),
		Margin:     fixedpoint.FromInt(100),
	}

	// At mark 99: equity 90, maintenance 49.5 -> healthy.
	if liquidation.CheckLiquidatable(long, fixedpoint.FromInt(99), 500) {
		t.Error("healthy long flagged liquidatable")
	}
	// At mark 91: equity 10, maintenance 45.5 -> breached.
	if !liquidation.CheckLiquidatable(long, fixedpoint.FromInt(91), 500) {
		t.Error("underwater long not flagged")
	}

	short := position.Position{
		Size:       fixedpoint.FromInt(-10),
		EntryPrice: fixedpoint.FromInt(100),
		Margin:     fixedpoint.FromInt(100),
	}
	// At mark 109: equity 10, maintenance 54.5 -> breached.
	if !liquidation.CheckLiquidatable(short, fixedpoint.FromInt(109), 500) {
		t.Error("underwater short not flagged")
	}

	if liquidation.CheckLiquidatable(position.Position{}, fixedpoint.FromInt(100), 500) {
		t.Error("flat position flagged liquidatable")
	}
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", market.SideBid, 10, 100, 100, 1000)

	_, err := f.engine.Liquidate("alice", "BTC-PERP", 0, "liq-bot")
	if !errors.Is(err, liquidation.ErrNotLiquidatable) {
		t.Errorf("got %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidate_ForcesFullClose(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", market.SideBid, 10, 100, 100, 1000)
	f.setMark(t, 91)

	res, err := f.engine.Liquidate("alice", "BTC-PERP", 0, "liq-bot")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if res.ClosedQuantity != fixedpoint.FromInt(10) {
		t.Errorf("closed: got %s, want 10", res.ClosedQuantity)
	}
	// (91 - 100) * 10 realized.
	if res.RealizedPnL != fixedpoint.FromInt(-90) {
		t.Errorf("realized: got %s, want -90", res.RealizedPnL)
	}
	// 1% of 10 * 91 notional.
	if res.Penalty != fixedpoint.FixedPoint(9_100_000) {
		t.Errorf("penalty: got %s, want 9.1", res.Penalty)
	}
	if res.InsuranceDraw != 0 {
		t.Errorf("insurance draw: got %s, want 0", res.InsuranceDraw)
	}

	pos, _ := f.positions.Get("alice", "BTC-PERP", 0)
	if !pos.IsFlat() {
		t.Errorf("position not closed: size %s", pos.Size)
	}
	if f.market.OpenInterest() != 0 {
		t.Errorf("open interest: got %s, want 0", f.market.OpenInterest())
	}
	// 1000 - 90 loss - 9.1 penalty.
	if got := f.collateral.Total("alice"); got != fixedpoint.FixedPoint(900_900_000) {
		t.Errorf("owner collateral: got %s, want 900.9", got)
	}
	if got := f.collateral.Available("liq-bot"); got != fixedpoint.FixedPoint(9_100_000) {
		t.Errorf("liquidator reward: got %s, want 9.1", got)
	}
}

func TestLiquidate_DeficitDrawsInsurance(t *testing.T) {
	f := newFixture(t)
	if err := f.collateral.Deposit(collateral.InsuranceFundAccount, fixedpoint.FromInt(1000)); err != nil {
		t.Fatalf("fund insurance: %v", err)
	}
	// Margin 50 on a position about to lose 200.
	f.open(t, "alice", market.SideBid, 10, 100, 50, 50)
	f.setMark(t, 80)

	res, err := f.engine.Liquidate("alice", "BTC-PERP", 0, "liq-bot")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Loss 200, collateral 50 -> 150 from insurance.
	if res.InsuranceDraw != fixedpoint.FromInt(150) {
		t.Errorf("insurance draw: got %s, want 150", res.InsuranceDraw)
	}
	if got := f.collateral.Total(collateral.InsuranceFundAccount); got != fixedpoint.FromInt(850) {
		t.Errorf("insurance fund: got %s, want 850", got)
	}
	// Owner is wiped out; no collateral left for the penalty.
	if res.Penalty != 0 {
		t.Errorf("penalty: got %s, want 0", res.Penalty)
	}
	if got := f.collateral.Total("alice"); got != 0 {
		t.Errorf("owner collateral: got %s, want 0", got)
	}
}

func TestSweepMarket_OnlyBreachedPositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, "alice", market.SideBid, 10, 100, 100, 1000) // breached at 91
	f.open(t, "bob", market.SideAsk, 10, 100, 100, 1000)   // a short profits at 91
	f.setMark(t, 91)

	results, err := f.engine.SweepMarket("BTC-PERP", 0, "liq-bot")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 || results[0].Trader != "alice" {
		t.Fatalf("sweep results: got %d, want alice only", len(results))
	}

	bob, _ := f.positions.Get("bob", "BTC-PERP", 0)
	if bob.IsFlat() {
		t.Error("healthy short was liquidated")
	}
}
