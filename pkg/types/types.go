// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: venues, symbols,
// instrument descriptors, market-data snapshots, order and position state,
// and arbitrage opportunities. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

// ————————————————————————————————————————————————————————————————————————
// Venues
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the connected exchanges.
type Venue string

const (
	VenueBackpack Venue = "backpack"
	VenueGRVT     Venue = "grvt"
	VenueLighter  Venue = "lighter"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"  // rests until filled or cancelled
	OrderTypeMarket OrderType = "MARKET" // executes immediately against the book
	OrderTypeIOC    OrderType = "IOC"    // immediate-or-cancel limit
	OrderTypeFOK    OrderType = "FOK"    // fill-or-kill limit
)

// OrderStatus is the normalized order lifecycle state. Venue-native status
// strings are mapped into this set at the adapter boundary.
type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"          // submitted, not yet acknowledged on book
	StatusOpen     OrderStatus = "OPEN"             // resting, no fills yet
	StatusPartial  OrderStatus = "PARTIALLY_FILLED" // resting with partial fills
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN" // venue status we could not map
)

// Terminal reports whether the status ends the order lifecycle. Terminal
// statuses are sticky: no further transitions are accepted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle lattice. Terminal states share the
// top rank; UNKNOWN maps to the bottom so a later concrete status can always
// overwrite it.
func (s OrderStatus) rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusPartial:
		return 2
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return 3
	default: // PENDING, UNKNOWN
		return 0
	}
}

// CanTransition reports whether moving from s to next respects the lifecycle
// lattice: never out of a terminal state, never backwards.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// MarginMode is the venue margin model for a position.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// TimeInForce values map to venue-specific enums at the adapter boundary.
type TimeInForce string

const (
	TIFGoodTillTime      TimeInForce = "GOOD_TILL_TIME"
	TIFAllOrNone         TimeInForce = "ALL_OR_NONE"
	TIFImmediateOrCancel TimeInForce = "IMMEDIATE_OR_CANCEL"
	TIFFillOrKill        TimeInForce = "FILL_OR_KILL"
)

// FillEpsilon is the tolerance used when checking quantity conservation
// (filled + remaining = amount) and when deciding whether a leg counts as
// filled at all.
const FillEpsilon = 1e-8
