package types

import (
	"fmt"
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the venue-independent order submission produced by the
// executor. Adapters translate it to the venue wire format, signing where
// the venue requires it.
type OrderRequest struct {
	Symbol      Symbol
	Side        Side
	Type        OrderType
	Amount      float64
	Price       float64 // ignored for market orders
	TimeInForce TimeInForce
	ReduceOnly  bool
	PostOnly    bool
	ClientID    string // client-generated; fresh per submission and per repair attempt
}

// OrderState is the normalized view of one order's lifecycle. Created on
// submission acknowledgment; updated from REST queries and WebSocket pushes;
// terminal transitions are sticky.
type OrderState struct {
	OrderID  string
	ClientID string
	Symbol   Symbol
	Side     Side
	Type     OrderType

	Amount    float64
	Price     float64 // 0 for market orders
	Filled    float64
	Remaining float64
	Average   float64 // average fill price, 0 until first fill

	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces quantity conservation: filled + remaining must equal
// amount within FillEpsilon, and FILLED implies nothing remains.
func (o *OrderState) Validate() error {
	if math.Abs(o.Filled+o.Remaining-o.Amount) > FillEpsilon {
		return fmt.Errorf("order %s: filled %v + remaining %v != amount %v",
			o.OrderID, o.Filled, o.Remaining, o.Amount)
	}
	if o.Status == StatusFilled && o.Remaining > FillEpsilon {
		return fmt.Errorf("order %s: FILLED with remaining %v", o.OrderID, o.Remaining)
	}
	return nil
}

// ApplyStatus transitions to next if the lifecycle lattice allows it and
// reports whether the transition happened. Out-of-order pushes (a late OPEN
// after FILLED) are dropped by returning false.
func (o *OrderState) ApplyStatus(next OrderStatus) bool {
	if !o.Status.CanTransition(next) {
		return false
	}
	o.Status = next
	return true
}

// FilledMeaningfully reports whether the order has any fill beyond the
// conservation tolerance. The executor's single-leg matrix keys off this.
func (o *OrderState) FilledMeaningfully() bool {
	return o.Filled > FillEpsilon
}

// Fill is one execution against one of our orders.
type Fill struct {
	OrderID string
	Symbol  Symbol
	Side    Side
	Price   float64
	Size    float64
	Fee     float64
	Time    time.Time
}
