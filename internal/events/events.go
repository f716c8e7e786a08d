// ABOUTME: Typed in-process event publisher for delegate and task state changes.
// ABOUTME: Handlers run synchronously in registration order; there is no cross-process fan-out here.

package events

import "context"

// DelegateReconnected fires when a heartbeat arrives for a delegate whose
// previous connection was marked disconnected.
type DelegateReconnected struct {
	AccountID  string
	DelegateID string
}

// ProfileChanged fires when a delegate's resolved profile assignment changes.
type ProfileChanged struct {
	AccountID  string
	DelegateID string
	ProfileID  string
}

// TaskStatusChanged fires on every terminal or retry decision for a task.
type TaskStatusChanged struct {
	AccountID  string
	TaskID     string
	DelegateID string
	Status     string
	Succeeded  bool
	Message    string
}

// Publisher fans typed events out to registered handlers. Registration is not
// safe for concurrent use; register everything during startup, publish freely
// afterwards.
type Publisher struct {
	reconnected   []func(context.Context, DelegateReconnected)
	profileChange []func(context.Context, ProfileChanged)
	taskStatus    []func(context.Context, TaskStatusChanged)
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// OnDelegateReconnected registers a handler for reconnect events.
func (p *Publisher) OnDelegateReconnected(fn func(context.Context, DelegateReconnected)) {
	p.reconnected = append(p.reconnected, fn)
}

// OnProfileChanged registers a handler for profile assignment changes.
func (p *Publisher) OnProfileChanged(fn func(context.Context, ProfileChanged)) {
	p.profileChange = append(p.profileChange, fn)
}

// OnTaskStatusChanged registers a handler for task status changes.
func (p *Publisher) OnTaskStatusChanged(fn func(context.Context, TaskStatusChanged)) {
	p.taskStatus = append(p.taskStatus, fn)
}

// PublishDelegateReconnected invokes reconnect handlers in registration order.
func (p *Publisher) PublishDelegateReconnected(ctx context.Context, e DelegateReconnected) {
	for _, fn := range p.reconnected {
		fn(ctx, e)
	}
}

// PublishProfileChanged invokes profile-change handlers in registration order.
func (p *Publisher) PublishProfileChanged(ctx context.Context, e ProfileChanged) {
	for _, fn := range p.profileChange {
		fn(ctx, e)
	}
}

// PublishTaskStatusChanged invokes task-status handlers in registration order.
func (p *Publisher) PublishTaskStatusChanged(ctx context.Context, e TaskStatusChanged) {
	for _, fn := range p.taskStatus {
		fn(ctx, e)
	}
}
