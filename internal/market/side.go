package market

// Side represents order direction: Bid opens/extends longs, Ask
// opens/extends shorts.
type Side int32

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "Bid"
	case SideAsk:
		return "Ask"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for Bid (long) and -1 for Ask (short).
func (s Side) Sign() int64 {
	if s == SideAsk {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}
