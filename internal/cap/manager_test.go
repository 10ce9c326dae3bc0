package cap_test

import (
	"errors"
	"sync"
	"testing"

	"percolator/internal/cap"
	"percolator/internal/fixedpoint"
)

const nowMs = int64(1_700_000_000_000)

func mint(t *testing.T, m *cap.Manager, amount fixedpoint.FixedPoint, ttlMs int64, nonce uint64) *cap.Token {
	t.Helper()
	tok, err := m.MintCap("alice", "BTC-PERP", "USDC", amount, ttlMs, nonce, nowMs)
	if err != nil {
		t.Fatalf("mint cap: %v", err)
	}
	return tok
}

// A requested TTL above the 120s ceiling is clamped, not rejected.
func TestMintCap_ClampsTTL(t *testing.T) {
	m := cap.NewManager()
	tok := mint(t, m, fixedpoint.FromInt(1000), 200_000, 1)

	if got := tok.ExpiryTimestamp - nowMs; got != cap.MaxTTLMs {
		t.Errorf("ttl: got %d, want %d", got, cap.MaxTTLMs)
	}
}

func TestMintCap_Validation(t *testing.T) {
	m := cap.NewManager()

	if _, err := m.MintCap("alice", "BTC-PERP", "USDC", 0, 60_000, 1, nowMs); !errors.Is(err, cap.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := m.MintCap("alice", "BTC-PERP", "USDC", fixedpoint.One, 0, 1, nowMs); !errors.Is(err, cap.ErrInvalidTTL) {
		t.Errorf("zero ttl: got %v, want ErrInvalidTTL", err)
	}
}

func TestMintCap_NonceReuse(t *testing.T) {
	m := cap.NewManager()
	mint(t, m, fixedpoint.FromInt(100), 60_000, 7)

	_, err := m.MintCap("alice", "BTC-PERP", "USDC", fixedpoint.FromInt(100), 60_000, 7, nowMs)
	if !errors.Is(err, cap.ErrNonceReused) {
		t.Errorf("got %v, want ErrNonceReused", err)
	}

	// A different user may use the same nonce.
	if _, err := m.MintCap("bob", "BTC-PERP", "USDC", fixedpoint.FromInt(100), 60_000, 7, nowMs); err != nil {
		t.Errorf("different user, same nonce: %v", err)
	}
}

func TestMintCap_NonceFreeAfterExpiry(t *testing.T) {
	m := cap.NewManager()
	mint(t, m, fixedpoint.FromInt(100), 60_000, 7)

	// After the outstanding cap expires, the nonce is reusable.
	later := nowMs + 60_000
	if _, err := m.MintCap("alice", "BTC-PERP", "USDC", fixedpoint.FromInt(100), 60_000, 7, later); err != nil {
		t.Errorf("nonce after expiry: %v", err)
	}
}

func TestDebit(t *testing.T) {
	m := cap.NewManager()
	tok := mint(t, m, fixedpoint.FromInt(1000), 60_000, 1)

	got, err := m.Debit(tok.CapID, fixedpoint.FromInt(600), nowMs+100)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got.AmountUsed != fixedpoint.FromInt(600) {
		t.Errorf("used: got %d", got.AmountUsed)
	}
	if got.Remaining() != fixedpoint.FromInt(400) {
		t.Errorf("remaining: got %d", got.Remaining())
	}

	// Debit beyond remaining is rejected, not clamped.
	_, err = m.Debit(tok.CapID, fixedpoint.FromInt(401), nowMs+200)
	if !errors.Is(err, cap.ErrInsufficientCapRemaining) {
		t.Errorf("got %v, want ErrInsufficientCapRemaining", err)
	}

	// Failed debit leaves amountUsed unchanged.
	after, err := m.Get(tok.CapID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.AmountUsed != fixedpoint.FromInt(600) {
		t.Errorf("used after failed debit: got %d", after.AmountUsed)
	}

	// The exact remainder still goes through.
	if _, err := m.Debit(tok.CapID, fixedpoint.FromInt(400), nowMs+300); err != nil {
		t.Errorf("exact remainder debit: %v", err)
	}
}

func TestDebit_Expired(t *testing.T) {
	m := cap.NewManager()
	tok := mint(t, m, fixedpoint.FromInt(1000), 60_000, 1)

	_, err := m.Debit(tok.CapID, fixedpoint.One, nowMs+60_000)
	if !errors.Is(err, cap.ErrCapExpired) {
		t.Errorf("got %v, want ErrCapExpired", err)
	}
}

// Cap conservation under concurrent debits: the sum of successful debits
// never exceeds amountMax.
func TestDebit_ConcurrentConservation(t *testing.T) {
	m := cap.NewManager()
	tok := mint(t, m, fixedpoint.FromInt(100), 60_000, 1)

	const workers = 16
	debit := fixedpoint.FromInt(10) // only 10 of 16 can succeed

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(tok.CapID, debit, nowMs+100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("successful debits: got %d, want 10", succeeded)
	}
	final, _ := m.Get(tok.CapID)
	if final.AmountUsed > final.AmountMax {
		t.Errorf("amountUsed %d exceeds amountMax %d", final.AmountUsed, final.AmountMax)
	}
}

func TestSweepExpired(t *testing.T) {
	m := cap.NewManager()
	tok := mint(t, m, fixedpoint.FromInt(100), 60_000, 1)
	mint(t, m, fixedpoint.FromInt(100), 120_000, 2)

	// Exhaust the first cap; it should be swept even before expiry.
	if _, err := m.Debit(tok.CapID, fixedpoint.FromInt(100), nowMs+100); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if swept := m.SweepExpired(nowMs + 1000); swept != 1 {
		t.Errorf("swept %d, want 1 (exhausted)", swept)
	}
	if swept := m.SweepExpired(nowMs + 120_000); swept != 1 {
		t.Errorf("swept %d, want 1 (expired)", swept)
	}
	if m.OutstandingCount() != 0 {
		t.Errorf("outstanding: got %d", m.OutstandingCount())
	}
}
