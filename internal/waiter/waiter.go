// ABOUTME: Waiter notification port. Completes the wait handle a task producer parks on.

package waiter

import (
	"context"
	"sync"
)

// Payload is delivered to whoever is waiting on a task's wait id.
type Payload struct {
	TaskID       string
	DelegateID   string
	Succeeded    bool
	Response     []byte
	ErrorMessage string
}

// Notifier completes wait handles. Completing an unknown or already-completed
// wait id is a no-op; the producer may have timed out and gone away.
type Notifier interface {
	Complete(ctx context.Context, waitID string, p Payload) error
}

// MemoryNotifier records completions in memory. It backs single-instance
// deployments and tests.
type MemoryNotifier struct {
	mu        sync.Mutex
	completed map[string]Payload
}

// NewMemoryNotifier returns an empty notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{completed: make(map[string]Payload)}
}

// Complete records the payload for the wait id. First completion wins.
func (n *MemoryNotifier) Complete(_ context.Context, waitID string, p Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, done := n.completed[waitID]; !done {
		n.completed[waitID] = p
	}
	return nil
}

// Completed returns the recorded payload for the wait id, if any.
func (n *MemoryNotifier) Completed(waitID string) (Payload, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.completed[waitID]
	return p, ok
}
