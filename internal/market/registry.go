package market

import (
	"errors"
	"sync"
)

var (
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already exists")
)

// Registry tracks all markets by id. The registry lock only guards the
// map itself; per-market state is guarded by each Market's own mutex so
// unrelated markets never contend.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a market. Markets are created once and never removed.
func (r *Registry) Register(m *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.ID]; exists {
		return ErrMarketExists
	}
	r.markets[m.ID] = m
	return nil
}

// Get returns the market with the given id.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// All returns all registered markets.
func (r *Registry) All() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		result = append(result, m)
	}
	return result
}
