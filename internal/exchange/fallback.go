// fallback.go implements the facade behaviors that paper over thin venue
// APIs: bulk-cancel endpoints that return only a count, order lookups that
// 404 after the order ages out of the live table, and position rows with
// zero net quantity.
package exchange

import (
	"context"
	"time"

	"perp-arb/pkg/types"
)

// CancelAllWithFallback lists open orders and cancels them one by one,
// accumulating results. Used when the venue's native cancel-all returns only
// a count: downstream consumers count cancellations, so the list is part of
// the contract. Individual cancel failures are skipped, not fatal, so one
// stuck order cannot block draining the rest.
func CancelAllWithFallback(
	ctx context.Context,
	symbol types.Symbol,
	listOpen func(context.Context, types.Symbol) ([]types.OrderState, error),
	cancel func(context.Context, string, types.Symbol) (*types.OrderState, error),
) ([]types.OrderState, error) {
	open, err := listOpen(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]types.OrderState, 0, len(open))
	for i := range open {
		st, err := cancel(ctx, open[i].OrderID, open[i].Symbol)
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// ResolveOrder queries an order and, on NOT_FOUND, falls back to the order
// history, matching by order id or client id. Venues age terminal orders out
// of their live table quickly; the history keeps them longer.
func ResolveOrder(
	ctx context.Context,
	orderID string,
	symbol types.Symbol,
	get func(context.Context, string, types.Symbol) (*types.OrderState, error),
	history func(context.Context, types.Symbol, time.Time, int) ([]types.OrderState, error),
) (*types.OrderState, error) {
	st, err := get(ctx, orderID, symbol)
	if err == nil {
		return st, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	past, herr := history(ctx, symbol, time.Time{}, 0)
	if herr != nil {
		return nil, err // surface the original NOT_FOUND
	}
	for i := range past {
		if past[i].OrderID == orderID || (past[i].ClientID != "" && past[i].ClientID == orderID) {
			return &past[i], nil
		}
	}
	return nil, err
}

// FilterPositions drops zero-size rows and normalizes side/size from the
// venue's signed net quantity.
func FilterPositions(raw []types.Position) []types.Position {
	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		if p.Size <= types.FillEpsilon && p.Size >= -types.FillEpsilon {
			continue
		}
		if p.Size < 0 {
			p.Side = types.SHORT
			p.Size = -p.Size
		}
		out = append(out, p)
	}
	return out
}
