package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeHoldReserved
	TypeHoldCancelled
	TypeHoldExpired
	TypeCapMinted
	TypeOrderCommitted
	TypeOrderRejected
	TypeFundingApplied
	TypeLiquidationExecuted
	TypeMarketStatusChanged
	TypeRiskParamUpdate
)

// Envelope wraps every event in the outbound log
type Envelope struct {
	// Global monotonic sequence assigned at publish time
	Sequence int64

	// Stable idempotency key (holdId, capId, fill id, funding epoch key)
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Market context (empty for global events)
	MarketID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// MarketID returns the market context ("" for global events)
	MarketID() string
}

func (t Type) String() string {
	switch t {
	case TypeHoldReserved:
		return "HoldReserved"
	case TypeHoldCancelled:
		return "HoldCancelled"
	case TypeHoldExpired:
		return "HoldExpired"
	case TypeCapMinted:
		return "CapMinted"
	case TypeOrderCommitted:
		return "OrderCommitted"
	case TypeOrderRejected:
		return "OrderRejected"
	case TypeFundingApplied:
		return "FundingApplied"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	case TypeMarketStatusChanged:
		return "MarketStatusChanged"
	case TypeRiskParamUpdate:
		return "RiskParamUpdate"
	default:
		return "Unknown"
	}
}
