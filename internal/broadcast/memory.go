// ABOUTME: In-memory Broadcaster for single-instance deployments and tests.

package broadcast

import (
	"context"
	"sync"
)

// MemoryBroadcaster records published messages and fans them out to
// in-process subscribers. It is the default transport when Redis is disabled.
type MemoryBroadcaster struct {
	mu       sync.Mutex
	messages map[string][]string
	subs     map[string][]chan string
}

// NewMemoryBroadcaster returns an empty in-memory broadcaster.
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{
		messages: make(map[string][]string),
		subs:     make(map[string][]chan string),
	}
}

// Publish records the message and delivers it to subscribers without
// blocking; a subscriber that is not draining its channel misses messages.
func (b *MemoryBroadcaster) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], message)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving future messages on channel.
func (b *MemoryBroadcaster) Subscribe(channel string) <-chan string {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch
}

// MessagesOn returns every message published on the channel so far.
func (b *MemoryBroadcaster) MessagesOn(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages[channel]))
	copy(out, b.messages[channel])
	return out
}
