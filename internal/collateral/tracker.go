package collateral

import (
	"errors"
	"fmt"
	"sync"

	"percolator/internal/fixedpoint"
)

// System account ids. Traders are identified by opaque strings supplied
// by the wallet/signing collaborator; system accounts share the same
// namespace with a "system:" prefix.
const (
	FundingPoolAccount   = "system:funding_pool"
	InsuranceFundAccount = "system:insurance_fund"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientReserved   = errors.New("insufficient reserved margin")
)

type account struct {
	available fixedpoint.FixedPoint
	reserved  fixedpoint.FixedPoint
}

// Tracker maintains per-account collateral balances in the settlement
// asset. Available backs the InsufficientMargin admission guard; Reserved
// is margin locked against open positions. All mutations are single
// critical sections so concurrent reserves against the same account
// cannot jointly overdraw it.
type Tracker struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewTracker() *Tracker {
	return &Tracker{
		accounts: make(map[string]*account),
	}
}

func (t *Tracker) get(id string) *account {
	a, ok := t.accounts[id]
	if !ok {
		a = &account{}
		t.accounts[id] = a
	}
	return a
}

// Deposit credits available collateral.
func (t *Tracker) Deposit(id string, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be > 0, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.get(id).available += amount
	return nil
}

// Withdraw debits available collateral. Reserved margin cannot be
// withdrawn.
func (t *Tracker) Withdraw(id string, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be > 0, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(id)
	if a.available < amount {
		return ErrInsufficientCollateral
	}
	a.available -= amount
	return nil
}

// Reserve moves available -> reserved (margin lock on commit).
func (t *Tracker) Reserve(id string, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be > 0, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(id)
	if a.available < amount {
		return ErrInsufficientCollateral
	}
	a.available -= amount
	a.reserved += amount
	return nil
}

// Release moves reserved -> available (margin unlock on reduce/close).
func (t *Tracker) Release(id string, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("release amount must be > 0, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(id)
	if a.reserved < amount {
		return ErrInsufficientReserved
	}
	a.reserved -= amount
	a.available += amount
	return nil
}

// ApplyPnL credits (positive) or debits (negative) available collateral
// for realized PnL and funding payments. A debit may draw the account to
// zero but never below: the shortfall is returned so the caller can route
// it to the insurance collaborator.
func (t *Tracker) ApplyPnL(id string, pnl fixedpoint.FixedPoint) (shortfall fixedpoint.FixedPoint) {
	if pnl == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.get(id)
	if pnl > 0 {
		a.available += pnl
		return 0
	}

	loss := -pnl
	if a.available >= loss {
		a.available -= loss
		return 0
	}
	shortfall = loss - a.available
	a.available = 0
	return shortfall
}

// Transfer moves available collateral between two accounts in one
// critical section (liquidation penalties, funding pool flows).
func (t *Tracker) Transfer(from, to string, amount fixedpoint.FixedPoint) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be > 0, got %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.get(from)
	if src.available < amount {
		return ErrInsufficientCollateral
	}
	src.available -= amount
	t.get(to).available += amount
	return nil
}

// Available returns free collateral.
func (t *Tracker) Available(id string) fixedpoint.FixedPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).available
}

// Reserved returns margin-locked collateral.
func (t *Tracker) Reserved(id string) fixedpoint.FixedPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).reserved
}

// Total returns available + reserved.
func (t *Tracker) Total(id string) fixedpoint.FixedPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.get(id)
	return a.available + a.reserved
}
