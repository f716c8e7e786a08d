// ABOUTME: Tests for task acquisition gates, validation reporting, response processing and retry
// ABOUTME: Exercises the properties the task router guarantees: one owner, stable re-poll, gate order

package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/queue"
	"github.com/quayside/delegate-broker/internal/selection"
	"github.com/quayside/delegate-broker/internal/store"
	"github.com/quayside/delegate-broker/internal/waiter"
)

// stubVerdicts serves both the selection engine and the coordinator gates.
type stubVerdicts struct {
	whitelisted map[string]bool
	validate    map[string]bool
}

func (v *stubVerdicts) IsWhitelisted(_ context.Context, delegateID string, capabilityIDs []string) (bool, error) {
	if len(capabilityIDs) == 0 {
		return true, nil
	}
	return v.whitelisted[delegateID], nil
}

func (v *stubVerdicts) ShouldValidate(_ context.Context, delegateID string, _ []string) (bool, error) {
	return v.validate[delegateID], nil
}

func (v *stubVerdicts) RegeneratePermissions(context.Context, string, string) error {
	return nil
}

type stubRetry struct {
	possible bool
	asked    int
}

func (r *stubRetry) RetryPossible(context.Context, *store.DelegateTask, string) (bool, error) {
	r.asked++
	return r.possible, nil
}

type fixture struct {
	coord    *Coordinator
	queue    *queue.Queue
	store    *store.SQLiteStore
	verdicts *stubVerdicts
	retry    *stubRetry
	notifier *waiter.MemoryNotifier
	events   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verdicts := &stubVerdicts{
		whitelisted: make(map[string]bool),
		validate:    make(map[string]bool),
	}
	retry := &stubRetry{}
	notifier := waiter.NewMemoryNotifier()
	pub := events.NewPublisher()
	rec := events.NewRecorder(pub)
	bus := broadcast.NewMemoryBroadcaster()

	engine := selection.NewEngine(st, verdicts, func(string) bool { return true })
	q := queue.New(st, engine, notifier, pub, bus, queue.Limits{Critical: 100, Important: 100, Optional: 100}, nil)

	return &fixture{
		coord:    NewCoordinator(st, engine, verdicts, q, notifier, pub, retry),
		queue:    q,
		store:    st,
		verdicts: verdicts,
		retry:    retry,
		notifier: notifier,
		events:   rec,
	}
}

func (f *fixture) seedDelegate(t *testing.T, id string, mutate func(*store.Delegate)) {
	t.Helper()
	now := time.Now().UTC()
	d := &store.Delegate{
		ID: id, AccountID: "acct-1", Status: store.DelegateStatusEnabled,
		HostName: "host-" + id, GroupName: "group-1", DelegateType: "KUBERNETES",
		CreatedAt: now, UpdatedAt: now,
	}
	if mutate != nil {
		mutate(d)
	}
	require.NoError(t, f.store.SaveDelegate(context.Background(), d))
	require.NoError(t, f.store.SaveConnection(context.Background(), &store.DelegateConnection{
		ID: "conn-" + id, AccountID: "acct-1", DelegateID: id,
		Version: "1.0.0", LastHeartbeat: now,
	}))
}

func (f *fixture) seedTask(t *testing.T, id string, mutate func(*store.DelegateTask)) {
	t.Helper()
	now := time.Now().UTC()
	tk := &store.DelegateTask{
		ID: id, AccountID: "acct-1", Status: store.TaskStatusQueued,
		Rank: store.RankCritical, TaskType: "SHELL_SCRIPT",
		Payload: []byte(`{"script":"echo hi"}`), Timeout: 10 * time.Minute,
		WaitID: "wait-" + id, CreatedAt: now, UpdatedAt: now,
	}
	if mutate != nil {
		mutate(tk)
	}
	require.NoError(t, f.store.SaveTask(context.Background(), tk))
}

func TestAcquireDelegateTask_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "task-1", pkg.TaskID)
	assert.Equal(t, "del-1", pkg.DelegateID)
	assert.False(t, pkg.ValidationRequired)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusStarted, got.Status)
	assert.Equal(t, "del-1", got.DelegateID)
}

func TestAcquireDelegateTask_SecondDelegateGetsNoTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedDelegate(t, "del-2", nil)
	f.seedTask(t, "task-1", nil)

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, pkg)

	pkg, err = f.coord.AcquireDelegateTask(ctx, "acct-1", "del-2", "task-1")
	require.NoError(t, err)
	assert.Nil(t, pkg, "a claimed task is no task for anyone else")
}

func TestAcquireDelegateTask_RepollByOwnerReturnsSamePackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)

	first, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.TaskID, again.TaskID)
	assert.Equal(t, first.Payload, again.Payload)
}

func TestAcquireDelegateTask_NonEnabledDelegateRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTask(t, "task-1", nil)

	for _, status := range []string{
		store.DelegateStatusDisabled,
		store.DelegateStatusWaitingForApproval,
		store.DelegateStatusDeleted,
	} {
		id := "del-" + status
		f.seedDelegate(t, id, func(d *store.Delegate) { d.Status = status })

		pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", id, "task-1")
		require.NoError(t, err)
		assert.Nil(t, pkg, "status %s must never acquire", status)
	}
}

func TestAcquireDelegateTask_UnknownDelegateOrTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-ghost", "task-1")
	require.NoError(t, err)
	assert.Nil(t, pkg)

	pkg, err = f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-ghost")
	require.NoError(t, err)
	assert.Nil(t, pkg)

	// Wrong account sees neither the delegate nor the task.
	pkg, err = f.coord.AcquireDelegateTask(ctx, "acct-2", "del-1", "task-1")
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestAcquireDelegateTask_SelectorMismatchRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.Selectors = []string{"windows"}
	})

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	assert.Nil(t, pkg)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
}

func TestAcquireDelegateTask_WhitelistedSkipsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.CapabilityIDs = []string{"cap-1"}
	})
	f.verdicts.whitelisted["del-1"] = true

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.False(t, pkg.ValidationRequired)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusStarted, got.Status)
}

func TestAcquireDelegateTask_ValidationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.CapabilityIDs = []string{"cap-1"}
	})
	f.verdicts.validate["del-1"] = true

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.True(t, pkg.ValidationRequired)
	assert.Equal(t, []string{"cap-1"}, pkg.CapabilityIDs)

	// The task stays unassigned while validation runs.
	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
	assert.Empty(t, got.DelegateID)
	assert.Equal(t, []string{"del-1"}, got.Validating)
}

func TestAcquireDelegateTask_BlacklistedRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.CapabilityIDs = []string{"cap-1"}
	})
	// Not whitelisted and a fresh denial means no validation either.

	pkg, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)
	assert.Nil(t, pkg)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
}

func TestReportConnectionResults_SuccessAssigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.CapabilityIDs = []string{"cap-1"}
	})

	pkg, err := f.coord.ReportConnectionResults(ctx, "acct-1", "del-1", "task-1", true)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.False(t, pkg.ValidationRequired)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusStarted, got.Status)
	assert.Equal(t, "del-1", got.DelegateID)
}

func TestReportConnectionResults_FailureStepsAside(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)

	pkg, err := f.coord.ReportConnectionResults(ctx, "acct-1", "del-1", "task-1", false)
	require.NoError(t, err)
	assert.Nil(t, pkg)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
	assert.Equal(t, []string{"del-1"}, got.ValidationComplete)
}

func TestReportConnectionResults_AlreadyClaimedIsNoTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedDelegate(t, "del-2", nil)
	f.seedTask(t, "task-1", nil)

	won, err := f.store.AcquireTask(ctx, "acct-1", "task-1", "del-2")
	require.NoError(t, err)
	require.True(t, won)

	pkg, err := f.coord.ReportConnectionResults(ctx, "acct-1", "del-1", "task-1", true)
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestProcessDelegateResponse_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)
	_, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, f.coord.ProcessDelegateResponse(ctx, "acct-1", "del-1", "task-1", Response{
		Code: ResponseOK,
		Data: []byte(`{"output":"hi"}`),
	}))

	// Successful tasks are removed entirely.
	_, err = f.store.GetTask(ctx, "acct-1", "task-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, ok := f.notifier.Completed("wait-task-1")
	require.True(t, ok)
	assert.True(t, p.Succeeded)
	assert.Equal(t, []byte(`{"output":"hi"}`), p.Response)

	last, ok := f.events.LastTaskStatus()
	require.True(t, ok)
	assert.True(t, last.Succeeded)
}

func TestProcessDelegateResponse_RetryPossibleRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)
	_, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)

	f.retry.possible = true
	require.NoError(t, f.coord.ProcessDelegateResponse(ctx, "acct-1", "del-1", "task-1", Response{
		Code:         ResponseRetryOnOtherDelegate,
		ErrorMessage: "cannot reach artifact store",
	}))
	assert.Equal(t, 1, f.retry.asked)

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
	assert.Empty(t, got.DelegateID)
	assert.Equal(t, []string{"del-1"}, got.AlreadyTried)

	// The waiter is not signaled while a retry is pending.
	_, ok := f.notifier.Completed("wait-task-1")
	assert.False(t, ok)

	// The status observer fired regardless.
	last, ok := f.events.LastTaskStatus()
	require.True(t, ok)
	assert.Equal(t, store.TaskStatusQueued, last.Status)
}

func TestProcessDelegateResponse_RetryImpossibleFinalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)
	_, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)

	f.retry.possible = false
	require.NoError(t, f.coord.ProcessDelegateResponse(ctx, "acct-1", "del-1", "task-1", Response{
		Code:         ResponseRetryOnOtherDelegate,
		ErrorMessage: "cannot reach artifact store",
	}))

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, got.Status)

	p, ok := f.notifier.Completed("wait-task-1")
	require.True(t, ok)
	assert.False(t, p.Succeeded)
	assert.Equal(t, "cannot reach artifact store", p.ErrorMessage)
}

func TestProcessDelegateResponse_PlainFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedTask(t, "task-1", nil)
	_, err := f.coord.AcquireDelegateTask(ctx, "acct-1", "del-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, f.coord.ProcessDelegateResponse(ctx, "acct-1", "del-1", "task-1", Response{
		Code:         ResponseFailed,
		ErrorMessage: "script exited 1",
	}))

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, got.Status)
	assert.Zero(t, f.retry.asked, "plain failures never consult the retry observer")
}

func TestFailIfAllDelegatesFailed_FinalizesWhenNoneRemain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.verdicts.whitelisted["del-1"] = true
	f.seedTask(t, "task-1", func(tk *store.DelegateTask) {
		tk.AlreadyTried = []string{"del-0"}
		tk.Validating = []string{"del-9"}
	})

	// del-1 is the reporter and the only candidate: the set minus the
	// reporter is empty.
	require.NoError(t, f.coord.FailIfAllDelegatesFailed(ctx, "acct-1", "del-1", "task-1"))

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, got.Status)

	p, ok := f.notifier.Completed("wait-task-1")
	require.True(t, ok)
	assert.Contains(t, p.ErrorMessage, "del-0")
	assert.Contains(t, p.ErrorMessage, "del-9")
}

func TestFailIfAllDelegatesFailed_LeavesTaskWhenOthersRemain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedDelegate(t, "del-2", nil)
	f.verdicts.whitelisted["del-1"] = true
	f.verdicts.whitelisted["del-2"] = true
	f.seedTask(t, "task-1", nil)

	require.NoError(t, f.coord.FailIfAllDelegatesFailed(ctx, "acct-1", "del-1", "task-1"))

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status, "the task must be untouched")

	_, ok := f.notifier.Completed("wait-task-1")
	assert.False(t, ok)
}

func TestScheduleSyncTask_DistinguishesInstalledFromAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk := &store.DelegateTask{
		ID: "task-1", AccountID: "acct-1", Rank: store.RankCritical,
		TaskType: "SHELL_SCRIPT", Timeout: time.Minute,
	}

	// Nothing installed at all.
	err := f.coord.ScheduleSyncTask(ctx, tk)
	assert.ErrorIs(t, err, ErrNoDelegatesInstalled)

	// Installed but disconnected.
	f.seedDelegate(t, "del-1", nil)
	require.NoError(t, f.store.MarkDisconnected(ctx, "acct-1", "del-1"))
	err = f.coord.ScheduleSyncTask(ctx, tk)
	assert.ErrorIs(t, err, ErrNoDelegatesAvailable)

	// Available again: the task is admitted.
	f.seedDelegate(t, "del-2", nil)
	require.NoError(t, f.coord.ScheduleSyncTask(ctx, tk))

	got, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
}

func TestEligibleRetryObserver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDelegate(t, "del-1", nil)
	f.seedDelegate(t, "del-2", nil)
	f.verdicts.whitelisted["del-1"] = true
	f.verdicts.whitelisted["del-2"] = true
	f.seedTask(t, "task-1", nil)

	obs := &EligibleRetryObserver{Engine: selection.NewEngine(f.store, f.verdicts, func(string) bool { return true })}

	tk, err := f.store.GetTask(ctx, "acct-1", "task-1")
	require.NoError(t, err)

	// del-2 remains untried.
	possible, err := obs.RetryPossible(ctx, tk, "del-1")
	require.NoError(t, err)
	assert.True(t, possible)

	// Once del-2 was tried too, no retry target remains.
	tk.AlreadyTried = []string{"del-2"}
	possible, err = obs.RetryPossible(ctx, tk, "del-1")
	require.NoError(t, err)
	assert.False(t, possible)
}
