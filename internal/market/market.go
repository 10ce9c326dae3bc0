package market

import (
	"errors"
	"fmt"
	"sync"

	"percolator/internal/fixedpoint"
)

// Status represents the admission state of a market.
type Status int32

const (
	StatusActive Status = iota
	StatusWarmup
	StatusFrozen
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusWarmup:
		return "Warmup"
	case StatusFrozen:
		return "Frozen"
	case StatusSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

var (
	ErrInstrumentNotFound     = errors.New("instrument not found")
	ErrMarketActive           = errors.New("risk params immutable while market is active")
	ErrMarketSettled          = errors.New("market is settled")
	ErrOpenInterestCapExceeded = errors.New("open interest cap exceeded")
	ErrNegativeOpenInterest   = errors.New("open interest would go negative")
)

// Market is the aggregate root for one tradeable market: status, risk
// parameters, warmup restrictions, instruments, and market-wide open
// interest. All mutations go through the per-market mutex so the
// open-interest cap check-and-increment is a single critical section.
type Market struct {
	ID        string
	Authority string

	mu                   sync.Mutex
	status               Status
	risk                 RiskParams
	warmup               WarmupConfig
	instruments          []InstrumentConfig // append-only, index-addressed
	openInterest         fixedpoint.FixedPoint
	lastFundingTimestamp int64
}

// New creates a market. Status starts in Warmup if the warmup config is
// enabled, otherwise Active. Markets are never deleted.
func New(id, authority string, risk RiskParams, warmup WarmupConfig) (*Market, error) {
	if err := ValidateRiskParams(risk); err != nil {
		return nil, fmt.Errorf("invalid risk params for %s: %w", id, err)
	}

	status := StatusActive
	if warmup.Enabled {
		status = StatusWarmup
	}

	return &Market{
		ID:        id,
		Authority: authority,
		status:    status,
		risk:      risk,
		warmup:    warmup,
	}, nil
}

// StatusAt returns the market status, applying the automatic
// Warmup -> Active transition once the warmup window has elapsed.
// Lazy evaluation: no sweeper is needed for the transition to take
// effect for admission purposes.
func (m *Market) StatusAt(now int64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusWarmup && !m.warmup.ActiveAt(now) {
		m.status = StatusActive
	}
	return m.status
}

// Freeze halts admission. Authority-only at the admin boundary; the core
// only models the transition.
func (m *Market) Freeze() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusSettled {
		return ErrMarketSettled
	}
	m.status = StatusFrozen
	return nil
}

// Unfreeze resumes admission.
func (m *Market) Unfreeze() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusSettled {
		return ErrMarketSettled
	}
	if m.warmup.Enabled {
		m.status = StatusWarmup
	} else {
		m.status = StatusActive
	}
	return nil
}

// Settle permanently closes the market.
func (m *Market) Settle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusSettled
}

// Risk returns a copy of the current risk params.
func (m *Market) Risk() RiskParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.risk
}

// Warmup returns a copy of the warmup config.
func (m *Market) Warmup() WarmupConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warmup
}

// SetRiskParams replaces the risk params. Rejected while the market is
// Active: params are immutable once trading is live, changeable only in
// Warmup or Frozen status.
func (m *Market) SetRiskParams(p RiskParams) error {
	if err := ValidateRiskParams(p); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", m.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusActive {
		return ErrMarketActive
	}
	m.risk = p
	return nil
}

// AddInstrument appends an instrument and returns its index. The
// instrument list is append-only so indices remain stable.
func (m *Market) AddInstrument(ic InstrumentConfig) (int, error) {
	if err := ValidateInstrumentConfig(ic); err != nil {
		return 0, fmt.Errorf("invalid instrument for %s: %w", m.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.instruments = append(m.instruments, ic)
	return len(m.instruments) - 1, nil
}

// Instrument returns the instrument at the given index.
func (m *Market) Instrument(index int) (InstrumentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.instruments) {
		return InstrumentConfig{}, ErrInstrumentNotFound
	}
	return m.instruments[index], nil
}

// OpenInterest returns the current market-wide open interest.
func (m *Market) OpenInterest() fixedpoint.FixedPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openInterest
}

// ReserveOpenInterest atomically checks the projected open interest
// against the cap and increments on success. Two concurrent callers that
// would jointly exceed the cap cannot both succeed: the check and the
// increment share one critical section.
func (m *Market) ReserveOpenInterest(quantity fixedpoint.FixedPoint) error {
	if quantity <= 0 {
		return fmt.Errorf("open interest delta must be > 0, got %d", quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	projected := m.openInterest + quantity
	if m.risk.OpenInterestCap > 0 && projected > m.risk.OpenInterestCap {
		return ErrOpenInterestCapExceeded
	}
	m.openInterest = projected
	return nil
}

// ReleaseOpenInterest decrements open interest after a position
// reduction or liquidation. Negative open interest is an invariant
// violation, never a recoverable state.
func (m *Market) ReleaseOpenInterest(quantity fixedpoint.FixedPoint) error {
	if quantity <= 0 {
		return fmt.Errorf("open interest delta must be > 0, got %d", quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openInterest-quantity < 0 {
		return ErrNegativeOpenInterest
	}
	m.openInterest -= quantity
	return nil
}

// LastFundingTimestamp returns the time of the last applied funding tick.
func (m *Market) LastFundingTimestamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFundingTimestamp
}

// SetLastFundingTimestamp records a funding tick time.
func (m *Market) SetLastFundingTimestamp(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFundingTimestamp = ts
}
