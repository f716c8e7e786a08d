// ABOUTME: Tests for the capability check rendezvous between dispatch and delegate report
// ABOUTME: Covers the broadcast hint, result delivery, timeout and single-flight guard

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/capability"
)

func TestCheckRelay_RoundTrip(t *testing.T) {
	bus := broadcast.NewMemoryBroadcaster()
	relay := NewCheckRelay(bus, 5*time.Second)

	go func() {
		// The delegate hears the broadcast and reports back.
		for i := 0; i < 100; i++ {
			if relay.DeliverResults("del-1", map[string]bool{"cap-1": true, "cap-2": false}) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	results, err := relay.Dispatch(context.Background(), capability.CheckRequest{
		AccountID:  "acct-1",
		DelegateID: "del-1",
	})
	require.NoError(t, err)
	assert.True(t, results["cap-1"])
	assert.False(t, results["cap-2"])

	msgs := bus.MessagesOn(broadcast.DelegateChannel("acct-1"))
	require.Len(t, msgs, 1)
	assert.Equal(t, broadcast.CapabilityCheckMessage("del-1"), msgs[0])
}

func TestCheckRelay_Timeout(t *testing.T) {
	relay := NewCheckRelay(broadcast.NewMemoryBroadcaster(), 50*time.Millisecond)

	_, err := relay.Dispatch(context.Background(), capability.CheckRequest{
		AccountID:  "acct-1",
		DelegateID: "del-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCheckRelay_ResultsWithoutDispatchDropped(t *testing.T) {
	relay := NewCheckRelay(broadcast.NewMemoryBroadcaster(), time.Second)

	assert.False(t, relay.DeliverResults("del-1", map[string]bool{"cap-1": true}))
}

func TestCheckRelay_SingleFlightPerDelegate(t *testing.T) {
	relay := NewCheckRelay(broadcast.NewMemoryBroadcaster(), time.Second)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = relay.Dispatch(context.Background(), capability.CheckRequest{
			AccountID:  "acct-1",
			DelegateID: "del-1",
		})
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := relay.Dispatch(context.Background(), capability.CheckRequest{
		AccountID:  "acct-1",
		DelegateID: "del-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	relay.DeliverResults("del-1", map[string]bool{})
	<-done
}
