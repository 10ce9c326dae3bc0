package hold

import (
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/google/uuid"

	"percolator/internal/fixedpoint"
	"percolator/internal/market"
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be positive and lot-aligned")
	ErrInvalidPrice       = errors.New("limit price must be tick-aligned or zero")
	ErrInvalidTTL         = errors.New("ttl must be > 0")
	ErrMarketFrozen       = errors.New("market is frozen")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrNotOwner           = errors.New("caller does not own this hold")
	ErrAlreadyTerminal    = errors.New("hold is already terminal")
	ErrAlreadyConsumed    = errors.New("hold already consumed")
	ErrHoldExpired        = errors.New("hold expired")
	ErrCommitmentMismatch = errors.New("commitment hash mismatch")
)

// State is the lifecycle state of a hold receipt.
type State int32

const (
	StateOpen State = iota
	StateCommitted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateCommitted:
		return "Committed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Receipt is a time-limited reservation of intent to trade. It locks an
// orderbook slot until committed, cancelled, or expired, never longer
// than its TTL. The commitment hash binds the reserved parameters so the
// committing party cannot substitute different ones.
type Receipt struct {
	HoldID          uuid.UUID
	Trader          string
	MarketID        string
	InstrumentIndex int
	Side            market.Side
	Quantity        fixedpoint.FixedPoint
	LimitPrice      fixedpoint.FixedPoint // 0 means market order
	ExpiryTimestamp int64                 // epoch milliseconds
	CommitmentHash  [32]byte
	State           State
}

// ExpiredAt reports whether an Open receipt is past its TTL. Expired
// receipts are inert for every reader regardless of stored state.
func (r *Receipt) ExpiredAt(nowMs int64) bool {
	return r.State == StateOpen && nowMs >= r.ExpiryTimestamp
}

// Manager creates, looks up, expires, and cancels hold receipts.
// consume is a single compare-and-swap under the manager lock: there is
// no window in which two callers can both observe an Open hold and both
// transition it.
type Manager struct {
	mu    sync.Mutex
	holds map[uuid.UUID]*Receipt
}

func NewManager() *Manager {
	return &Manager{
		holds: make(map[uuid.UUID]*Receipt),
	}
}

// Reserve validates the request against the instrument's tick/lot sizes
// and stores an Open receipt expiring at now + ttl. The hold id may be
// supplied by the caller for idempotent retry; uuid.Nil generates one.
func (m *Manager) Reserve(
	mkt *market.Market,
	holdID uuid.UUID,
	trader string,
	instrumentIndex int,
	side market.Side,
	quantity, limitPrice fixedpoint.FixedPoint,
	ttlMs int64,
	commitmentHash [32]byte,
	nowMs int64,
) (*Receipt, error) {
	if ttlMs <= 0 {
		return nil, ErrInvalidTTL
	}
	if mkt.StatusAt(nowMs/1000) == market.StatusFrozen {
		return nil, ErrMarketFrozen
	}

	inst, err := mkt.Instrument(instrumentIndex)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 || !quantity.IsAligned(inst.LotSize) {
		return nil, ErrInvalidQuantity
	}
	if limitPrice < 0 || (limitPrice != 0 && !limitPrice.IsAligned(inst.TickSize)) {
		return nil, ErrInvalidPrice
	}

	if holdID == uuid.Nil {
		holdID = uuid.New()
	}

	receipt := &Receipt{
		HoldID:          holdID,
		Trader:          trader,
		MarketID:        mkt.ID,
		InstrumentIndex: instrumentIndex,
		Side:            side,
		Quantity:        quantity,
		LimitPrice:      limitPrice,
		ExpiryTimestamp: nowMs + ttlMs,
		CommitmentHash:  commitmentHash,
		State:           StateOpen,
	}

	m.mu.Lock()
	m.holds[holdID] = receipt
	m.mu.Unlock()

	return receipt, nil
}

// Get returns a copy of the receipt, applying lazy expiry: an Open hold
// past its TTL is transitioned to Cancelled before being returned.
func (m *Manager) Get(holdID uuid.UUID, nowMs int64) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.holds[holdID]
	if !ok {
		return Receipt{}, ErrHoldNotFound
	}
	if r.ExpiredAt(nowMs) {
		r.State = StateCancelled
	}
	return *r, nil
}

// Cancel transitions an Open hold to Cancelled. Only the reserving
// trader (or a caller the admission layer has authorized as a canceller,
// which presents the same trader identity) may cancel.
func (m *Manager) Cancel(holdID uuid.UUID, trader string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if r.Trader != trader {
		return ErrNotOwner
	}
	if r.ExpiredAt(nowMs) {
		// Expiry was the terminal outcome; record it.
		r.State = StateCancelled
		return ErrAlreadyTerminal
	}
	if r.State != StateOpen {
		return ErrAlreadyTerminal
	}
	r.State = StateCancelled
	return nil
}

// Consume transitions an Open, unexpired, hash-matching hold to
// Committed and returns a copy of the receipt. Called exactly once per
// hold by the order pipeline during commit. The check and the transition
// are one critical section.
func (m *Manager) Consume(holdID uuid.UUID, expectedCommitmentHash [32]byte, nowMs int64) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.holds[holdID]
	if !ok {
		return Receipt{}, ErrHoldNotFound
	}

	switch r.State {
	case StateCommitted:
		return Receipt{}, ErrAlreadyConsumed
	case StateCancelled:
		return Receipt{}, ErrAlreadyTerminal
	}

	if nowMs >= r.ExpiryTimestamp {
		r.State = StateCancelled
		return Receipt{}, ErrHoldExpired
	}
	if subtle.ConstantTimeCompare(r.CommitmentHash[:], expectedCommitmentHash[:]) != 1 {
		return Receipt{}, ErrCommitmentMismatch
	}

	r.State = StateCommitted
	return *r, nil
}

// SweepExpired proactively cancels all Open holds past their TTL and
// returns how many were swept. Lazy expiry already makes them inert;
// the sweep exists for bookkeeping and metrics.
func (m *Manager) SweepExpired(nowMs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for _, r := range m.holds {
		if r.ExpiredAt(nowMs) {
			r.State = StateCancelled
			swept++
		}
	}
	return swept
}

// OpenCount returns the number of holds currently in Open state
// (ignoring lazy expiry). Used by metrics.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.holds {
		if r.State == StateOpen {
			n++
		}
	}
	return n
}
