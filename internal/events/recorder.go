// ABOUTME: Test recorder capturing published events for assertions.

package events

import (
	"context"
	"sync"
)

// Recorder subscribes to every event type of a Publisher and records what it
// sees. Intended for tests.
type Recorder struct {
	mu            sync.Mutex
	Reconnected   []DelegateReconnected
	ProfileChange []ProfileChanged
	TaskStatus    []TaskStatusChanged
}

// NewRecorder attaches a new recorder to the publisher.
func NewRecorder(p *Publisher) *Recorder {
	r := &Recorder{}
	p.OnDelegateReconnected(func(_ context.Context, e DelegateReconnected) {
		r.mu.Lock()
		r.Reconnected = append(r.Reconnected, e)
		r.mu.Unlock()
	})
	p.OnProfileChanged(func(_ context.Context, e ProfileChanged) {
		r.mu.Lock()
		r.ProfileChange = append(r.ProfileChange, e)
		r.mu.Unlock()
	})
	p.OnTaskStatusChanged(func(_ context.Context, e TaskStatusChanged) {
		r.mu.Lock()
		r.TaskStatus = append(r.TaskStatus, e)
		r.mu.Unlock()
	})
	return r
}

// LastTaskStatus returns the most recent task status event, if any.
func (r *Recorder) LastTaskStatus() (TaskStatusChanged, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.TaskStatus) == 0 {
		return TaskStatusChanged{}, false
	}
	return r.TaskStatus[len(r.TaskStatus)-1], true
}
