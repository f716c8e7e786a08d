// ABOUTME: Broadcast channel naming and message framing for delegate notifications.
// ABOUTME: Messages are prefix-framed strings published on per-account channels, best-effort.

package broadcast

import "context"

// Message prefixes. Receivers dispatch on the prefix.
const (
	// SelfDestructPrefix tells a delegate (or one of its connections) to shut
	// down and unregister.
	SelfDestructPrefix = "[SELF_DESTRUCT]"

	// TaskAvailablePrefix hints polling delegates that new work exists.
	TaskAvailablePrefix = "[TASK_AVAILABLE]"

	// CapabilityCheckPrefix asks a delegate to run a capability check batch
	// and report the results back.
	CapabilityCheckPrefix = "[CAPABILITY_CHECK]"
)

// DelegateChannel returns the per-account channel delegates listen on.
func DelegateChannel(accountID string) string {
	return "delegate/" + accountID
}

// SelfDestructMessage targets every connection of the delegate.
func SelfDestructMessage(delegateID string) string {
	return SelfDestructPrefix + delegateID
}

// SelfDestructConnectionMessage targets a single losing connection, leaving
// other connections of the same delegate alone.
func SelfDestructConnectionMessage(delegateID, connectionID string) string {
	return SelfDestructPrefix + delegateID + "-" + connectionID
}

// TaskAvailableMessage hints that the given task can be polled for.
func TaskAvailableMessage(taskID string) string {
	return TaskAvailablePrefix + taskID
}

// CapabilityCheckMessage asks the delegate to validate its capabilities and
// report back.
func CapabilityCheckMessage(delegateID string) string {
	return CapabilityCheckPrefix + delegateID
}

// Broadcaster publishes notification messages. Delivery is best-effort: the
// core never depends on a broadcast arriving, polling remains correct without
// it.
type Broadcaster interface {
	Publish(ctx context.Context, channel, message string) error
}
