package cap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"percolator/internal/fixedpoint"
)

// MaxTTLMs is the hard ceiling on cap lifetime: 120 seconds. A stale
// spending authorization has a bounded blast radius. Requests above the
// ceiling are clamped, not rejected.
const MaxTTLMs = 120_000

var (
	ErrInvalidAmount           = errors.New("cap amount must be > 0")
	ErrInvalidTTL              = errors.New("cap ttl must be > 0")
	ErrNonceReused             = errors.New("nonce already in use for this (user, market, mint)")
	ErrCapNotFound             = errors.New("cap not found")
	ErrCapExpired              = errors.New("cap expired")
	ErrInsufficientCapRemaining = errors.New("debit exceeds cap remaining")
)

// Token is a time-limited, amount-bounded spending authorization for one
// (user, market, mint) tuple. amountUsed never exceeds amountMax: debits
// beyond the remaining amount are rejected, not clamped.
type Token struct {
	CapID           uuid.UUID
	User            string
	MarketID        string
	Mint            string // settlement asset
	AmountMax       fixedpoint.FixedPoint
	AmountUsed      fixedpoint.FixedPoint
	ExpiryTimestamp int64 // epoch milliseconds
	Nonce           uint64
}

// Remaining returns the undebited authorization.
func (t Token) Remaining() fixedpoint.FixedPoint {
	return t.AmountMax - t.AmountUsed
}

// IsExpired reports whether the token is past its TTL.
func IsExpired(t Token, nowMs int64) bool {
	return nowMs >= t.ExpiryTimestamp
}

type nonceKey struct {
	user   string
	market string
	mint   string
	nonce  uint64
}

// Manager mints and debits cap tokens. Debit is one critical section:
// two concurrent debits against the same cap cannot both succeed if
// their sum would exceed amountMax.
type Manager struct {
	mu     sync.Mutex
	caps   map[uuid.UUID]*Token
	nonces map[nonceKey]uuid.UUID
}

func NewManager() *Manager {
	return &Manager{
		caps:   make(map[uuid.UUID]*Token),
		nonces: make(map[nonceKey]uuid.UUID),
	}
}

// MintCap creates a new token. The requested TTL is clamped to MaxTTLMs.
// The nonce must be fresh for (user, market, mint) while a cap with that
// nonce is outstanding; once the prior cap has expired or is exhausted
// the nonce may be reused.
func (m *Manager) MintCap(
	user, marketID, mint string,
	amountMax fixedpoint.FixedPoint,
	ttlMs int64,
	nonce uint64,
	nowMs int64,
) (*Token, error) {
	if amountMax <= 0 {
		return nil, ErrInvalidAmount
	}
	if ttlMs <= 0 {
		return nil, ErrInvalidTTL
	}
	if ttlMs > MaxTTLMs {
		ttlMs = MaxTTLMs
	}

	key := nonceKey{user: user, market: marketID, mint: mint, nonce: nonce}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prevID, ok := m.nonces[key]; ok {
		prev := m.caps[prevID]
		if prev != nil && !IsExpired(*prev, nowMs) && prev.Remaining() > 0 {
			return nil, fmt.Errorf("%w: nonce %d", ErrNonceReused, nonce)
		}
	}

	token := &Token{
		CapID:           uuid.New(),
		User:            user,
		MarketID:        marketID,
		Mint:            mint,
		AmountMax:       amountMax,
		AmountUsed:      0,
		ExpiryTimestamp: nowMs + ttlMs,
		Nonce:           nonce,
	}
	m.caps[token.CapID] = token
	m.nonces[key] = token.CapID

	return token, nil
}

// Debit consumes part of the authorization. Rejects expired caps and
// debits beyond the remaining amount; amountUsed is unchanged on any
// failure.
func (m *Manager) Debit(capID uuid.UUID, amount fixedpoint.FixedPoint, nowMs int64) (Token, error) {
	if amount <= 0 {
		return Token{}, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.caps[capID]
	if !ok {
		return Token{}, ErrCapNotFound
	}
	if IsExpired(*t, nowMs) {
		return Token{}, ErrCapExpired
	}
	if amount > t.Remaining() {
		return Token{}, ErrInsufficientCapRemaining
	}

	t.AmountUsed += amount
	return *t, nil
}

// Get returns a copy of the token.
func (m *Manager) Get(capID uuid.UUID) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.caps[capID]
	if !ok {
		return Token{}, ErrCapNotFound
	}
	return *t, nil
}

// SweepExpired drops expired or exhausted tokens and frees their nonces.
// Lazy expiry on Debit already makes them inert; the sweep bounds memory.
func (m *Manager) SweepExpired(nowMs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, t := range m.caps {
		if IsExpired(*t, nowMs) || t.Remaining() == 0 {
			delete(m.caps, id)
			key := nonceKey{user: t.User, market: t.MarketID, mint: t.Mint, nonce: t.Nonce}
			if m.nonces[key] == id {
				delete(m.nonces, key)
			}
			swept++
		}
	}
	return swept
}

// OutstandingCount returns the number of tracked tokens. Used by metrics.
func (m *Manager) OutstandingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.caps)
}
