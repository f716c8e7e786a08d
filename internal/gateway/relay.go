// ABOUTME: Rendezvous between a dispatched capability check and the delegate's reported results
// ABOUTME: Dispatch broadcasts a check request, then blocks until the delegate posts results or times out

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/capability"
)

// CheckRelay implements capability check dispatch over the broadcast channel.
// The delegate hears the check request on its account channel, runs the batch
// and posts the verdicts back through the capabilities/results endpoint.
type CheckRelay struct {
	broadcaster broadcast.Broadcaster
	timeout     time.Duration

	mu      sync.Mutex
	pending map[string]chan map[string]bool
}

// NewCheckRelay wires a relay with the given per-dispatch timeout.
func NewCheckRelay(b broadcast.Broadcaster, timeout time.Duration) *CheckRelay {
	return &CheckRelay{
		broadcaster: b,
		timeout:     timeout,
		pending:     make(map[string]chan map[string]bool),
	}
}

// Dispatch asks the delegate to run the batch and waits for its report. One
// dispatch per delegate may be in flight at a time; a second one fails fast.
func (r *CheckRelay) Dispatch(ctx context.Context, req capability.CheckRequest) (map[string]bool, error) {
	ch := make(chan map[string]bool, 1)

	r.mu.Lock()
	if _, busy := r.pending[req.DelegateID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("capability check already in flight for delegate %s", req.DelegateID)
	}
	r.pending[req.DelegateID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.DelegateID)
		r.mu.Unlock()
	}()

	if err := r.broadcaster.Publish(ctx, broadcast.DelegateChannel(req.AccountID),
		broadcast.CapabilityCheckMessage(req.DelegateID)); err != nil {
		return nil, fmt.Errorf("broadcasting capability check: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case results := <-ch:
		return results, nil
	case <-timer.C:
		return nil, fmt.Errorf("capability check for delegate %s timed out", req.DelegateID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeliverResults hands the delegate's reported verdicts to the waiting
// dispatch. Reports with no dispatch in flight are dropped; the next check
// will ask again.
func (r *CheckRelay) DeliverResults(delegateID string, results map[string]bool) bool {
	r.mu.Lock()
	ch, ok := r.pending[delegateID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- results:
		return true
	default:
		return false
	}
}
