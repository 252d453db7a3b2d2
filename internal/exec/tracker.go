// Package exec implements the two-legged executor: order fill tracking over
// the venue push streams, the submission paths, and the single-leg repair
// protocol.
package exec

import (
	"context"
	"sync"
	"time"

	"perp-arb/pkg/types"
)

type trackKey struct {
	venue types.Venue
	id    string
}

// Tracker resolves per-order futures from the venue order streams. An order
// is registered under both its venue id and its client id, since some venues
// echo only one of the two on the first push.
type Tracker struct {
	mu       sync.Mutex
	waiters  map[trackKey]chan types.OrderState
	lastSeen map[trackKey]types.OrderState
}

// NewTracker builds an empty tracker. Wire HandlePush into every adapter's
// SubscribeUserData before executing.
func NewTracker() *Tracker {
	return &Tracker{
		waiters:  make(map[trackKey]chan types.OrderState),
		lastSeen: make(map[trackKey]types.OrderState),
	}
}

// Register creates a future for one pending order. The returned channel
// receives exactly one terminal state. Release must be called when the
// caller stops waiting.
func (t *Tracker) Register(venue types.Venue, orderID, clientID string) <-chan types.OrderState {
	future := make(chan types.OrderState, 1)
	t.mu.Lock()
	defer t.mu.Unlock()

	// A terminal push may have raced the submission response.
	for _, id := range []string{orderID, clientID} {
		if id == "" {
			continue
		}
		if st, ok := t.lastSeen[trackKey{venue: venue, id: id}]; ok && st.Status.Terminal() {
			future <- st
			return future
		}
	}
	for _, id := range []string{orderID, clientID} {
		if id != "" {
			t.waiters[trackKey{venue: venue, id: id}] = future
		}
	}
	return future
}

// Release drops the registration for one order.
func (t *Tracker) Release(venue types.Venue, orderID, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range []string{orderID, clientID} {
		if id != "" {
			key := trackKey{venue: venue, id: id}
			delete(t.waiters, key)
			delete(t.lastSeen, key)
		}
	}
}

// HandlePush routes one order-stream update. Terminal states resolve the
// matching future; non-terminal states are remembered so a late Register
// still sees them.
func (t *Tracker) HandlePush(venue types.Venue, st types.OrderState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var future chan types.OrderState
	for _, id := range []string{st.OrderID, st.ClientID} {
		if id == "" {
			continue
		}
		key := trackKey{venue: venue, id: id}
		t.lastSeen[key] = st
		if f, ok := t.waiters[key]; ok {
			future = f
		}
	}
	if future == nil || !st.Status.Terminal() {
		return
	}
	select {
	case future <- st:
	default:
	}
	for _, id := range []string{st.OrderID, st.ClientID} {
		if id != "" {
			delete(t.waiters, trackKey{venue: venue, id: id})
		}
	}
}

// Await blocks on a future up to timeout. ok is false when the timeout or
// ctx expired first.
func (t *Tracker) Await(ctx context.Context, future <-chan types.OrderState, timeout time.Duration) (types.OrderState, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-future:
		return st, true
	case <-timer.C:
		return types.OrderState{}, false
	case <-ctx.Done():
		return types.OrderState{}, false
	}
}
