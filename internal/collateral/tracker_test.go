package collateral_test

import (
	"errors"
	"testing"

	"percolator/internal/collateral"
	"percolator/internal/fixedpoint"
)

func TestDepositWithdraw(t *testing.T) {
	tr := collateral.NewTracker()

	if err := tr.Deposit("alice", fixedpoint.FromInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := tr.Withdraw("alice", fixedpoint.FromInt(40)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := tr.Available("alice"); got != fixedpoint.FromInt(60) {
		t.Errorf("available: got %d, want %d", got, fixedpoint.FromInt(60))
	}

	err := tr.Withdraw("alice", fixedpoint.FromInt(61))
	if !errors.Is(err, collateral.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}
}

func TestReserveRelease(t *testing.T) {
	tr := collateral.NewTracker()
	tr.Deposit("alice", fixedpoint.FromInt(100))

	if err := tr.Reserve("alice", fixedpoint.FromInt(70)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := tr.Available("alice"); got != fixedpoint.FromInt(30) {
		t.Errorf("available after reserve: got %d", got)
	}
	if got := tr.Reserved("alice"); got != fixedpoint.FromInt(70) {
		t.Errorf("reserved: got %d", got)
	}

	// Reserved margin cannot be withdrawn.
	if err := tr.Withdraw("alice", fixedpoint.FromInt(50)); !errors.Is(err, collateral.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}

	if err := tr.Release("alice", fixedpoint.FromInt(70)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := tr.Available("alice"); got != fixedpoint.FromInt(100) {
		t.Errorf("available after release: got %d", got)
	}

	if err := tr.Release("alice", fixedpoint.One); !errors.Is(err, collateral.ErrInsufficientReserved) {
		t.Errorf("got %v, want ErrInsufficientReserved", err)
	}
}

func TestApplyPnL(t *testing.T) {
	tr := collateral.NewTracker()
	tr.Deposit("bob", fixedpoint.FromInt(50))

	if short := tr.ApplyPnL("bob", fixedpoint.FromInt(10)); short != 0 {
		t.Errorf("profit shortfall: got %d", short)
	}
	if got := tr.Available("bob"); got != fixedpoint.FromInt(60) {
		t.Errorf("after profit: got %d", got)
	}

	if short := tr.ApplyPnL("bob", fixedpoint.FromInt(-60)); short != 0 {
		t.Errorf("covered loss shortfall: got %d", short)
	}
	if got := tr.Available("bob"); got != 0 {
		t.Errorf("after loss: got %d", got)
	}

	// Loss beyond balance: balance floors at zero, shortfall reported.
	tr.Deposit("bob", fixedpoint.FromInt(5))
	short := tr.ApplyPnL("bob", fixedpoint.FromInt(-8))
	if short != fixedpoint.FromInt(3) {
		t.Errorf("shortfall: got %d, want %d", short, fixedpoint.FromInt(3))
	}
	if got := tr.Available("bob"); got != 0 {
		t.Errorf("balance must never go negative: got %d", got)
	}
}

func TestTransfer(t *testing.T) {
	tr := collateral.NewTracker()
	tr.Deposit("alice", fixedpoint.FromInt(20))

	if err := tr.Transfer("alice", collateral.FundingPoolAccount, fixedpoint.FromInt(5)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := tr.Available(collateral.FundingPoolAccount); got != fixedpoint.FromInt(5) {
		t.Errorf("pool account: got %d", got)
	}

	err := tr.Transfer("alice", collateral.FundingPoolAccount, fixedpoint.FromInt(100))
	if !errors.Is(err, collateral.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}
}
