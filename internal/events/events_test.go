// ABOUTME: Tests for the typed event publisher
// ABOUTME: Verifies handler ordering and recorder capture

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublisher_HandlersRunInRegistrationOrder(t *testing.T) {
	p := NewPublisher()

	var order []int
	p.OnTaskStatusChanged(func(context.Context, TaskStatusChanged) { order = append(order, 1) })
	p.OnTaskStatusChanged(func(context.Context, TaskStatusChanged) { order = append(order, 2) })
	p.OnTaskStatusChanged(func(context.Context, TaskStatusChanged) { order = append(order, 3) })

	p.PublishTaskStatusChanged(context.Background(), TaskStatusChanged{TaskID: "task-1"})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublisher_NoHandlersIsNoop(t *testing.T) {
	p := NewPublisher()

	// Must not panic.
	p.PublishDelegateReconnected(context.Background(), DelegateReconnected{})
	p.PublishProfileChanged(context.Background(), ProfileChanged{})
	p.PublishTaskStatusChanged(context.Background(), TaskStatusChanged{})
}

func TestRecorder_CapturesAllEventTypes(t *testing.T) {
	p := NewPublisher()
	rec := NewRecorder(p)

	ctx := context.Background()
	p.PublishDelegateReconnected(ctx, DelegateReconnected{AccountID: "acct-1", DelegateID: "del-1"})
	p.PublishProfileChanged(ctx, ProfileChanged{AccountID: "acct-1", DelegateID: "del-1", ProfileID: "prof-1"})
	p.PublishTaskStatusChanged(ctx, TaskStatusChanged{TaskID: "task-1", Status: "ERROR"})
	p.PublishTaskStatusChanged(ctx, TaskStatusChanged{TaskID: "task-2", Status: "ABORTED"})

	assert.Len(t, rec.Reconnected, 1)
	assert.Len(t, rec.ProfileChange, 1)
	assert.Len(t, rec.TaskStatus, 2)

	last, ok := rec.LastTaskStatus()
	assert.True(t, ok)
	assert.Equal(t, "task-2", last.TaskID)
}
