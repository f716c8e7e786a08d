// ABOUTME: Task admission and the QUEUED side of the task state machine.
// ABOUTME: Each rank has an independent reject-at-limit threshold; exceeding it is a hard rate-limit error.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/selection"
	"github.com/quayside/delegate-broker/internal/store"
	"github.com/quayside/delegate-broker/internal/waiter"
)

// RateLimitError rejects a task whose rank is at its admission threshold.
type RateLimitError struct {
	Rank  string
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rank %s is at its limit of %d active tasks", e.Rank, e.Limit)
}

// Limits holds the per-rank admission thresholds.
type Limits struct {
	Critical  int
	Important int
	Optional  int
}

func (l Limits) forRank(rank string) int {
	switch rank {
	case store.RankImportant:
		return l.Important
	case store.RankOptional:
		return l.Optional
	default:
		return l.Critical
	}
}

// Queue admits tasks and drives the transitions that do not involve a
// delegate: expiry and abort.
type Queue struct {
	store           store.Store
	engine          *selection.Engine
	notifier        waiter.Notifier
	events          *events.Publisher
	broadcaster     broadcast.Broadcaster
	limits          Limits
	capabilityAware selection.StrategyResolver
	logger          *slog.Logger
	now             func() time.Time
}

// New wires a task queue.
func New(st store.Store, engine *selection.Engine, notifier waiter.Notifier, pub *events.Publisher, b broadcast.Broadcaster, limits Limits, resolver selection.StrategyResolver) *Queue {
	if resolver == nil {
		resolver = func(string) bool { return false }
	}
	return &Queue{
		store:           st,
		engine:          engine,
		notifier:        notifier,
		events:          pub,
		broadcaster:     b,
		limits:          limits,
		capabilityAware: resolver,
		logger:          slog.Default().With("component", "queue"),
		now:             time.Now,
	}
}

// QueueTask admits the task, precomputes the eligible shortlist when the
// capability-aware strategy applies, persists it QUEUED and hints polling
// delegates that work exists.
func (q *Queue) QueueTask(ctx context.Context, task *store.DelegateTask) error {
	limit := q.limits.forRank(task.Rank)
	active, err := q.store.CountActiveTasks(ctx, task.AccountID, task.Rank)
	if err != nil {
		return err
	}
	if active >= limit {
		return &RateLimitError{Rank: task.Rank, Limit: limit}
	}

	now := q.now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = store.TaskStatusQueued
	task.DelegateID = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	if q.capabilityAware(task.AccountID) && len(task.CapabilityIDs) > 0 {
		eligible, err := q.engine.ConnectedWhitelistedDelegates(ctx, task)
		if err != nil {
			return err
		}
		task.Eligible = eligible
	}

	if err := q.store.SaveTask(ctx, task); err != nil {
		return err
	}

	// Best-effort hint; pollers do not depend on it.
	if err := q.broadcaster.Publish(ctx, broadcast.DelegateChannel(task.AccountID),
		broadcast.TaskAvailableMessage(task.ID)); err != nil {
		q.logger.Debug("task-available hint not delivered", "task_id", task.ID, "error", err)
	}

	q.logger.Info("task queued",
		"account_id", task.AccountID, "task_id", task.ID,
		"rank", task.Rank, "eligible", len(task.Eligible))
	return nil
}

// ExpireTask moves a task that found no delegate in time to ERROR and
// notifies the waiter with an assignment diagnostic.
func (q *Queue) ExpireTask(ctx context.Context, accountID, taskID string) error {
	snap, err := q.store.UpdateTaskStatusIf(ctx, accountID, taskID,
		[]string{store.TaskStatusQueued, store.TaskStatusStarted}, store.TaskStatusError)
	if err != nil {
		return err
	}

	msg := expiryDiagnostic(snap)
	if snap.WaitID != "" {
		if err := q.notifier.Complete(ctx, snap.WaitID, waiter.Payload{
			TaskID:       taskID,
			DelegateID:   snap.DelegateID,
			ErrorMessage: msg,
		}); err != nil {
			q.logger.Warn("waiter notification failed", "task_id", taskID, "error", err)
		}
	}

	q.events.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		AccountID:  accountID,
		TaskID:     taskID,
		DelegateID: snap.DelegateID,
		Status:     store.TaskStatusError,
		Message:    msg,
	})

	q.logger.Info("task expired", "account_id", accountID, "task_id", taskID)
	return nil
}

// AbortTask moves the task to ABORTED and returns the pre-abort snapshot so
// the caller can decide on further action.
func (q *Queue) AbortTask(ctx context.Context, accountID, taskID string) (*store.DelegateTask, error) {
	snap, err := q.store.UpdateTaskStatusIf(ctx, accountID, taskID,
		[]string{store.TaskStatusQueued, store.TaskStatusStarted}, store.TaskStatusAborted)
	if err != nil {
		return nil, err
	}

	q.events.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		AccountID:  accountID,
		TaskID:     taskID,
		DelegateID: snap.DelegateID,
		Status:     store.TaskStatusAborted,
	})

	q.logger.Info("task aborted",
		"account_id", accountID, "task_id", taskID, "was", snap.Status)
	return snap, nil
}

// expiryDiagnostic explains why the task never completed: which delegate held
// it, who was tried, who was still validating.
func expiryDiagnostic(t *store.DelegateTask) string {
	var b strings.Builder
	b.WriteString("task expired before completion")
	if t.DelegateID != "" {
		fmt.Fprintf(&b, "; assigned to %s", t.DelegateID)
	}
	if len(t.AlreadyTried) > 0 {
		fmt.Fprintf(&b, "; tried delegates: %s", strings.Join(t.AlreadyTried, ", "))
	}
	if len(t.Validating) > 0 {
		fmt.Fprintf(&b, "; still validating: %s", strings.Join(t.Validating, ", "))
	}
	return b.String()
}
