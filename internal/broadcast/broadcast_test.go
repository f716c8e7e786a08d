// ABOUTME: Tests for broadcast message framing and the in-memory transport

package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageFraming(t *testing.T) {
	assert.Equal(t, "delegate/acct-1", DelegateChannel("acct-1"))
	assert.Equal(t, "[SELF_DESTRUCT]del-1", SelfDestructMessage("del-1"))
	assert.Equal(t, "[SELF_DESTRUCT]del-1-conn-9", SelfDestructConnectionMessage("del-1", "conn-9"))
	assert.Equal(t, "[TASK_AVAILABLE]task-1", TaskAvailableMessage("task-1"))
}

func TestMemoryBroadcaster_RecordsMessages(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx := context.Background()

	assert.NoError(t, b.Publish(ctx, DelegateChannel("acct-1"), SelfDestructMessage("del-1")))
	assert.NoError(t, b.Publish(ctx, DelegateChannel("acct-1"), TaskAvailableMessage("task-1")))
	assert.NoError(t, b.Publish(ctx, DelegateChannel("acct-2"), TaskAvailableMessage("task-2")))

	assert.Equal(t, []string{
		"[SELF_DESTRUCT]del-1",
		"[TASK_AVAILABLE]task-1",
	}, b.MessagesOn(DelegateChannel("acct-1")))
	assert.Len(t, b.MessagesOn(DelegateChannel("acct-2")), 1)
	assert.Empty(t, b.MessagesOn(DelegateChannel("acct-3")))
}

func TestMemoryBroadcaster_DeliversToSubscribers(t *testing.T) {
	b := NewMemoryBroadcaster()
	ch := b.Subscribe(DelegateChannel("acct-1"))

	assert.NoError(t, b.Publish(context.Background(), DelegateChannel("acct-1"), "hello"))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", msg)
	default:
		t.Fatal("expected message delivered to subscriber")
	}
}
