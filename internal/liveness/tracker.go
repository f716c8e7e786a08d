// ABOUTME: Connection tracking and heartbeat conflict resolution.
// ABOUTME: The newer time-ordered connection id always wins a heartbeat race; the loser is told to self-destruct.

package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/store"
	"github.com/quayside/delegate-broker/internal/timeuuid"
)

// DuplicateDelegateError indicates the same logical delegate is running in
// two places at once, which conflict resolution must not silently resolve.
type DuplicateDelegateError struct {
	DelegateID string
	Locations  [2]string
}

func (e *DuplicateDelegateError) Error() string {
	return fmt.Sprintf("delegate %s appears to run in two locations: %q and %q",
		e.DelegateID, e.Locations[0], e.Locations[1])
}

// Heartbeat is one liveness report from a delegate connection.
type Heartbeat struct {
	ConnectionID string
	Version      string
	Location     string
	At           time.Time
}

// Tracker maintains connection rows and resolves concurrent heartbeats.
type Tracker struct {
	store       store.Store
	broadcaster broadcast.Broadcaster
	events      *events.Publisher
	logger      *slog.Logger

	// trackCapabilities selects the upsert-current-connection path, which
	// keeps one row per delegate and detects reconnects, instead of the
	// find-and-delete sweep.
	trackCapabilities bool
}

// NewTracker wires a connection tracker.
func NewTracker(st store.Store, b broadcast.Broadcaster, pub *events.Publisher, trackCapabilities bool) *Tracker {
	return &Tracker{
		store:             st,
		broadcaster:       b,
		events:            pub,
		logger:            slog.Default().With("component", "liveness"),
		trackCapabilities: trackCapabilities,
	}
}

// RegisterHeartbeat records the heartbeat and resolves any connection
// conflict. A lost race is not an error unless the two sides report different
// locations, which means a duplicated delegate.
func (t *Tracker) RegisterHeartbeat(ctx context.Context, accountID, delegateID string, hb Heartbeat) error {
	current := &store.DelegateConnection{
		ID:            hb.ConnectionID,
		AccountID:     accountID,
		DelegateID:    delegateID,
		Version:       hb.Version,
		Location:      hb.Location,
		LastHeartbeat: hb.At,
	}

	var previous *store.DelegateConnection
	var err error
	if t.trackCapabilities {
		previous, err = t.store.UpsertCurrentConnection(ctx, current)
		if err != nil {
			return err
		}
		if previous != nil && previous.Disconnected && !timeuuid.Newer(previous.ID, current.ID) {
			t.events.PublishDelegateReconnected(ctx, events.DelegateReconnected{
				AccountID:  accountID,
				DelegateID: delegateID,
			})
			t.logger.Info("delegate reconnected",
				"account_id", accountID, "delegate_id", delegateID)
		}
	} else {
		previous, err = t.store.FindAndDeletePreviousConnections(ctx, accountID, delegateID, hb.ConnectionID, hb.Version)
		if err != nil {
			return err
		}
		if err := t.store.SaveConnection(ctx, current); err != nil {
			return err
		}
	}

	if previous != nil && timeuuid.Newer(previous.ID, current.ID) {
		if err := t.resolveConflict(ctx, current, previous); err != nil {
			return err
		}
		return nil
	}

	return t.store.TouchDelegateHeartbeat(ctx, accountID, delegateID, hb.At)
}

// resolveConflict handles the losing side of a heartbeat race: the newer
// connection is restored and the losing one told to shut down.
func (t *Tracker) resolveConflict(ctx context.Context, losing, newer *store.DelegateConnection) error {
	if losing.Location != "" && newer.Location != "" && losing.Location != newer.Location {
		return &DuplicateDelegateError{
			DelegateID: losing.DelegateID,
			Locations:  [2]string{newer.Location, losing.Location},
		}
	}

	if err := t.store.ReplaceWithNewerConnection(ctx, losing.ID, newer); err != nil {
		return err
	}

	msg := broadcast.SelfDestructConnectionMessage(losing.DelegateID, losing.ID)
	if err := t.broadcaster.Publish(ctx, broadcast.DelegateChannel(losing.AccountID), msg); err != nil {
		t.logger.Warn("self-destruct broadcast failed",
			"delegate_id", losing.DelegateID, "connection_id", losing.ID, "error", err)
	}

	t.logger.Info("heartbeat race resolved",
		"account_id", losing.AccountID, "delegate_id", losing.DelegateID,
		"losing_connection", losing.ID, "winning_connection", newer.ID)
	return nil
}

// CheckDelegateConnected reports whether the delegate has at least one
// non-disconnected connection.
func (t *Tracker) CheckDelegateConnected(ctx context.Context, accountID, delegateID string) (bool, error) {
	return t.store.HasLiveConnection(ctx, accountID, delegateID)
}

// DelegateDisconnected explicitly marks every connection of the delegate as
// disconnected. Idle-sweeping is an external collaborator's job.
func (t *Tracker) DelegateDisconnected(ctx context.Context, accountID, delegateID string) error {
	if err := t.store.MarkDisconnected(ctx, accountID, delegateID); err != nil {
		return err
	}
	t.logger.Info("delegate disconnected", "account_id", accountID, "delegate_id", delegateID)
	return nil
}
