package oracle

import (
	"errors"
	"sync"

	"percolator/internal/fixedpoint"
)

var (
	ErrStaleOracle  = errors.New("oracle data is stale")
	ErrNoOracleData = errors.New("no oracle data for market")
)

// Data is one oracle observation. Realized is the TWAP-style reference
// price used for price-band and liquidation checks; Nowcast is the
// latest instantaneous estimate. The validity window is half-open:
// [ValidFrom, ValidTo).
type Data struct {
	Nowcast   fixedpoint.FixedPoint
	Realized  fixedpoint.FixedPoint
	ValidFrom int64
	ValidTo   int64
}

// StaleAt reports whether the observation has expired at the given time.
func (d Data) StaleAt(now int64) bool {
	return now >= d.ValidTo
}

// Cache holds the latest oracle observation per market, fed by the
// ingestion layer. Updates carry a source sequence; stale or duplicate
// sequences are ignored so redelivery is idempotent.
type Cache struct {
	mu        sync.RWMutex
	data      map[string]Data
	sequences map[string]int64
}

func NewCache() *Cache {
	return &Cache{
		data:      make(map[string]Data),
		sequences: make(map[string]int64),
	}
}

// Update stores an observation if its sequence is newer than the last
// one seen for the market. Out-of-order updates are dropped silently.
func (c *Cache) Update(marketID string, d Data, sequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence <= c.sequences[marketID] {
		return
	}
	c.data[marketID] = d
	c.sequences[marketID] = sequence
}

// Latest returns the current observation for a market, rejecting stale
// data. Callers fetch oracle data before entering any critical section.
func (c *Cache) Latest(marketID string, now int64) (Data, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.data[marketID]
	if !ok {
		return Data{}, ErrNoOracleData
	}
	if d.StaleAt(now) {
		return Data{}, ErrStaleOracle
	}
	return d, nil
}
