package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// Balance is one currency row of an account. On unified-account venues
// where free/used are always zero, Total is the authoritative figure.
type Balance struct {
	Currency string
	Free     float64
	Used     float64
	Total    float64
	USDValue float64 // 0 when the venue does not report it
}

// Position is an open perpetual position. Zero-size rows are suppressed at
// the adapter boundary; Side is derived from the sign of the venue's net
// quantity and Size is its absolute value.
type Position struct {
	Symbol           Symbol
	Side             PositionSide
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	Leverage         float64
	MarginMode       MarginMode
	LiquidationPrice float64
	UpdatedAt        time.Time
}
