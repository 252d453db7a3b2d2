package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
)

// Policy retries an operation with exponential backoff. The unbounded
// variant never gives up; the monitor uses it for venue reconnects when
// unbounded_reconnect is set, so a feed outage of any length is survived.
type Policy struct {
	min, max time.Duration
	logger   *slog.Logger

	sleep func(context.Context, time.Duration)
}

// NewUnboundedPolicy builds the forever-retrying policy, capped at 60s
// between attempts.
func NewUnboundedPolicy(logger *slog.Logger) *Policy {
	return NewPolicy(time.Second, 60*time.Second, logger)
}

// NewPolicy builds a policy with explicit bounds on the delay.
func NewPolicy(min, max time.Duration, logger *slog.Logger) *Policy {
	return &Policy{min: min, max: max, logger: logger, sleep: sleepCtx}
}

// Run invokes op until it succeeds or ctx is cancelled. Each failure doubles
// the wait up to the cap.
func (p *Policy) Run(ctx context.Context, name string, op func(context.Context) error) error {
	b := &backoff.Backoff{Min: p.min, Max: p.max, Factor: 2}
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.Duration()
		p.logger.Warn("operation failed, retrying", "op", name, "error", err, "backoff", wait)
		p.sleep(ctx, wait)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
