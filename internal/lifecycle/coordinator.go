// ABOUTME: Task lifecycle coordination: acquisition gates, validation reporting, response processing.
// ABOUTME: A failed acquisition precondition is "no task", never an error; the CAS in the store decides races.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/queue"
	"github.com/quayside/delegate-broker/internal/selection"
	"github.com/quayside/delegate-broker/internal/store"
	"github.com/quayside/delegate-broker/internal/waiter"
)

// Response codes a delegate reports back with.
const (
	ResponseOK                   = "OK"
	ResponseFailed               = "FAILED"
	ResponseRetryOnOtherDelegate = "RETRY_ON_OTHER_DELEGATE"
)

// Scheduling errors let the caller distinguish "install an agent" guidance
// from "your agents are down" guidance.
var (
	ErrNoDelegatesInstalled = errors.New("no delegates installed for account")
	ErrNoDelegatesAvailable = errors.New("delegates installed but none currently available")
)

// TaskPackage is the opaque unit handed to an acquiring delegate.
type TaskPackage struct {
	TaskID     string
	DelegateID string
	AccountID  string
	TaskType   string
	Payload    []byte
	Timeout    time.Duration

	// ValidationRequired tells the delegate to validate its capability
	// verdicts and report back before the task is assigned to it.
	ValidationRequired bool
	CapabilityIDs      []string
}

// Response is what a delegate reports after executing (or failing) a task.
type Response struct {
	Code         string
	Data         []byte
	ErrorMessage string
}

// RetryObserver decides whether a retry-on-other-delegate response should
// requeue the task or finalize it.
type RetryObserver interface {
	RetryPossible(ctx context.Context, task *store.DelegateTask, failedDelegateID string) (bool, error)
}

// Verdicts is the capability view the coordinator consults at the acquire
// gates.
type Verdicts interface {
	IsWhitelisted(ctx context.Context, delegateID string, capabilityIDs []string) (bool, error)
	ShouldValidate(ctx context.Context, delegateID string, capabilityIDs []string) (bool, error)
}

// Coordinator drives the task state machine from the delegate's side.
type Coordinator struct {
	store    store.Store
	engine   *selection.Engine
	verdicts Verdicts
	queue    *queue.Queue
	notifier waiter.Notifier
	events   *events.Publisher
	retry    RetryObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator wires a lifecycle coordinator.
func NewCoordinator(st store.Store, engine *selection.Engine, verdicts Verdicts, q *queue.Queue, notifier waiter.Notifier, pub *events.Publisher, retry RetryObserver) *Coordinator {
	return &Coordinator{
		store:    st,
		engine:   engine,
		verdicts: verdicts,
		queue:    q,
		notifier: notifier,
		events:   pub,
		retry:    retry,
		logger:   slog.Default().With("component", "lifecycle"),
		now:      time.Now,
	}
}

// AcquireDelegateTask attempts to hand the task to the polling delegate. The
// gate order for tasks with capabilities is fixed: a whitelisted delegate
// skips validation; a delegate that should validate gets a validation package
// without an assignment; anything else holds a fresh denial and is refused.
// Every refusal is "no task" (nil package), never an error.
func (c *Coordinator) AcquireDelegateTask(ctx context.Context, accountID, delegateID, taskID string) (*TaskPackage, error) {
	d, err := c.store.GetDelegate(ctx, accountID, delegateID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Status != store.DelegateStatusEnabled {
		c.logger.Debug("acquire refused, delegate not enabled",
			"delegate_id", delegateID, "status", d.Status)
		return nil, nil
	}

	task, err := c.store.GetTask(ctx, accountID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Re-poll by the current owner returns the same package.
	if task.Status == store.TaskStatusStarted && task.DelegateID == delegateID {
		return c.packageFor(task, delegateID, false), nil
	}
	if task.Status != store.TaskStatusQueued || task.DelegateID != "" {
		return nil, nil
	}

	batch := selection.NewLogBatch(accountID, taskID)
	defer c.engine.FlushLogs(ctx, batch)

	ok, err := c.engine.CanAssign(ctx, batch, d, task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if len(task.CapabilityIDs) > 0 {
		whitelisted, err := c.verdicts.IsWhitelisted(ctx, delegateID, task.CapabilityIDs)
		if err != nil {
			return nil, err
		}
		if !whitelisted {
			validate, err := c.verdicts.ShouldValidate(ctx, delegateID, task.CapabilityIDs)
			if err != nil {
				return nil, err
			}
			if !validate {
				// Fresh denial on record: blacklisted.
				batch.Add(delegateID, selection.ConclusionRejected, "capability verdict denied")
				return nil, nil
			}
			if err := c.store.AddValidatingDelegate(ctx, accountID, taskID, delegateID, c.now().UTC()); err != nil {
				return nil, err
			}
			return c.packageFor(task, delegateID, true), nil
		}
	}

	return c.assign(ctx, task, delegateID)
}

// assign runs the atomic QUEUED -> STARTED transition.
func (c *Coordinator) assign(ctx context.Context, task *store.DelegateTask, delegateID string) (*TaskPackage, error) {
	won, err := c.store.AcquireTask(ctx, task.AccountID, task.ID, delegateID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	c.logger.Info("task acquired",
		"account_id", task.AccountID, "task_id", task.ID, "delegate_id", delegateID)
	return c.packageFor(task, delegateID, false), nil
}

func (c *Coordinator) packageFor(task *store.DelegateTask, delegateID string, validation bool) *TaskPackage {
	return &TaskPackage{
		TaskID:             task.ID,
		DelegateID:         delegateID,
		AccountID:          task.AccountID,
		TaskType:           task.TaskType,
		Payload:            task.Payload,
		Timeout:            task.Timeout,
		ValidationRequired: validation,
		CapabilityIDs:      task.CapabilityIDs,
	}
}

// ReportConnectionResults handles a validating delegate reporting back. A
// successful validation competes for the assignment with the same atomicity
// as a direct acquire; a failed one records completion and steps aside.
func (c *Coordinator) ReportConnectionResults(ctx context.Context, accountID, delegateID, taskID string, validated bool) (*TaskPackage, error) {
	task, err := c.store.GetTask(ctx, accountID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.AddValidationCompleteDelegate(ctx, accountID, taskID, delegateID); err != nil {
		return nil, err
	}

	if !validated {
		c.logger.Info("validation failed",
			"account_id", accountID, "task_id", taskID, "delegate_id", delegateID)
		return nil, nil
	}

	if task.Status != store.TaskStatusQueued || task.DelegateID != "" {
		return nil, nil
	}
	return c.assign(ctx, task, delegateID)
}

// ProcessDelegateResponse handles the terminal report from the assigned
// delegate. The status-change observer fires on every outcome, independent of
// the retry decision.
func (c *Coordinator) ProcessDelegateResponse(ctx context.Context, accountID, delegateID, taskID string, resp Response) error {
	task, err := c.store.GetTask(ctx, accountID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch resp.Code {
	case ResponseOK:
		if err := c.store.DeleteTask(ctx, accountID, taskID); err != nil {
			return err
		}
		c.completeWaiter(ctx, task, waiter.Payload{
			TaskID:     taskID,
			DelegateID: delegateID,
			Succeeded:  true,
			Response:   resp.Data,
		})
		c.events.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
			AccountID:  accountID,
			TaskID:     taskID,
			DelegateID: delegateID,
			Succeeded:  true,
		})
		c.logger.Info("task completed",
			"account_id", accountID, "task_id", taskID, "delegate_id", delegateID)
		return nil

	case ResponseRetryOnOtherDelegate:
		possible, err := c.retry.RetryPossible(ctx, task, delegateID)
		if err != nil {
			return err
		}
		if possible {
			requeued, err := c.store.RequeueTask(ctx, accountID, taskID, delegateID)
			if err != nil {
				return err
			}
			c.events.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
				AccountID:  accountID,
				TaskID:     taskID,
				DelegateID: delegateID,
				Status:     store.TaskStatusQueued,
				Message:    resp.ErrorMessage,
			})
			c.logger.Info("task requeued for another delegate",
				"account_id", accountID, "task_id", taskID,
				"failed_delegate", delegateID, "requeued", requeued)
			return nil
		}
		return c.finalizeFailed(ctx, task, delegateID, resp.ErrorMessage)

	default:
		return c.finalizeFailed(ctx, task, delegateID, resp.ErrorMessage)
	}
}

// finalizeFailed marks the task ERROR, signals the waiter with the failure
// and fires the status observer.
func (c *Coordinator) finalizeFailed(ctx context.Context, task *store.DelegateTask, delegateID, message string) error {
	if message == "" {
		message = fmt.Sprintf("task failed on delegate %s", delegateID)
	}

	_, err := c.store.UpdateTaskStatusIf(ctx, task.AccountID, task.ID,
		[]string{store.TaskStatusQueued, store.TaskStatusStarted}, store.TaskStatusError)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	c.completeWaiter(ctx, task, waiter.Payload{
		TaskID:       task.ID,
		DelegateID:   delegateID,
		ErrorMessage: message,
	})
	c.events.PublishTaskStatusChanged(ctx, events.TaskStatusChanged{
		AccountID:  task.AccountID,
		TaskID:     task.ID,
		DelegateID: delegateID,
		Status:     store.TaskStatusError,
		Message:    message,
	})
	c.logger.Info("task failed",
		"account_id", task.AccountID, "task_id", task.ID,
		"delegate_id", delegateID, "message", message)
	return nil
}

func (c *Coordinator) completeWaiter(ctx context.Context, task *store.DelegateTask, p waiter.Payload) {
	if task.WaitID == "" {
		return
	}
	if err := c.notifier.Complete(ctx, task.WaitID, p); err != nil {
		c.logger.Warn("waiter notification failed", "task_id", task.ID, "error", err)
	}
}

// FailIfAllDelegatesFailed finalizes the task iff no connected, whitelisted
// candidate other than the reporting delegate remains. Otherwise the task is
// left untouched for another delegate to pick up.
func (c *Coordinator) FailIfAllDelegatesFailed(ctx context.Context, accountID, delegateID, taskID string) error {
	task, err := c.store.GetTask(ctx, accountID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != store.TaskStatusQueued && task.Status != store.TaskStatusStarted {
		return nil
	}

	candidates, err := c.engine.ConnectedWhitelistedDelegates(ctx, task)
	if err != nil {
		return err
	}
	remaining := candidates[:0]
	for _, id := range candidates {
		if id != delegateID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) > 0 {
		return nil
	}

	return c.finalizeFailed(ctx, task, delegateID, failureDiagnostic(task))
}

// ScheduleSyncTask enqueues the task after distinguishing "no delegates
// installed" from "none currently available".
func (c *Coordinator) ScheduleSyncTask(ctx context.Context, task *store.DelegateTask) error {
	delegates, err := c.store.ListDelegates(ctx, task.AccountID)
	if err != nil {
		return err
	}
	if len(delegates) == 0 {
		return ErrNoDelegatesInstalled
	}

	available := false
	for _, d := range delegates {
		if d.Status != store.DelegateStatusEnabled {
			continue
		}
		live, err := c.store.HasLiveConnection(ctx, task.AccountID, d.ID)
		if err != nil {
			return err
		}
		if live {
			available = true
			break
		}
	}
	if !available {
		return ErrNoDelegatesAvailable
	}

	return c.queue.QueueTask(ctx, task)
}

// failureDiagnostic lists who was tried and who never finished validating.
func failureDiagnostic(t *store.DelegateTask) string {
	var b strings.Builder
	b.WriteString("no eligible delegates remain")
	if len(t.AlreadyTried) > 0 {
		fmt.Fprintf(&b, "; tried: %s", strings.Join(t.AlreadyTried, ", "))
	}
	var pending []string
	for _, id := range t.Validating {
		done := false
		for _, c := range t.ValidationComplete {
			if c == id {
				done = true
				break
			}
		}
		if !done {
			pending = append(pending, id)
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(&b, "; still validating: %s", strings.Join(pending, ", "))
	}
	return b.String()
}

// EligibleRetryObserver is the default retry decision: a retry is possible
// while some connected, whitelisted delegate other than the failing one has
// not been tried yet.
type EligibleRetryObserver struct {
	Engine *selection.Engine
}

// RetryPossible implements RetryObserver.
func (o *EligibleRetryObserver) RetryPossible(ctx context.Context, task *store.DelegateTask, failedDelegateID string) (bool, error) {
	candidates, err := o.Engine.ConnectedWhitelistedDelegates(ctx, task)
	if err != nil {
		return false, err
	}
	for _, id := range candidates {
		if id != failedDelegateID && !task.HasTried(id) {
			return true, nil
		}
	}
	return false, nil
}
