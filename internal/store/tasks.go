// ABOUTME: Task persistence methods of SQLiteStore.
// ABOUTME: All state transitions are conditional updates keyed on status+assignee, never last-write-wins.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, account_id, status, rank, task_type, payload, timeout_ms, wait_id, async,
	delegate_id, already_tried_json, validating_json, validation_complete_json,
	validation_started_at, eligible_json, selectors_json, scope_json, capability_ids_json,
	created_at, updated_at`

// SaveTask inserts or replaces the task row by id.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *DelegateTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegate_tasks (
			id, account_id, status, rank, task_type, payload, timeout_ms, wait_id, async,
			delegate_id, already_tried_json, validating_json, validation_complete_json,
			validation_started_at, eligible_json, selectors_json, scope_json, capability_ids_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			delegate_id = excluded.delegate_id,
			already_tried_json = excluded.already_tried_json,
			validating_json = excluded.validating_json,
			validation_complete_json = excluded.validation_complete_json,
			validation_started_at = excluded.validation_started_at,
			eligible_json = excluded.eligible_json,
			updated_at = excluded.updated_at`,
		t.ID, t.AccountID, t.Status, t.Rank, t.TaskType, t.Payload,
		t.Timeout.Milliseconds(), t.WaitID, t.Async, t.DelegateID,
		marshalStrings(t.AlreadyTried), marshalStrings(t.Validating),
		marshalStrings(t.ValidationComplete), nullableTimePtr(t.ValidationStarted),
		marshalStrings(t.Eligible), marshalStrings(t.Selectors), marshalScope(t.Scope),
		marshalStrings(t.CapabilityIDs), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

// GetTask returns the task scoped to the account, or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, accountID, taskID string) (*DelegateTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM delegate_tasks WHERE account_id = ? AND id = ?`,
		accountID, taskID)
	return scanTask(row)
}

// DeleteTask removes the task row. Deleting an absent task is not an error.
func (s *SQLiteStore) DeleteTask(ctx context.Context, accountID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM delegate_tasks WHERE account_id = ? AND id = ?`, accountID, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}

// ListQueuedTasks returns the account's QUEUED, unassigned tasks oldest
// first. This backs the task-events poll hint, so it deliberately excludes
// anything already claimed.
func (s *SQLiteStore) ListQueuedTasks(ctx context.Context, accountID string) ([]*DelegateTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM delegate_tasks
		 WHERE account_id = ? AND status = ? AND delegate_id = ''
		 ORDER BY created_at ASC`,
		accountID, TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("listing queued tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*DelegateTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountActiveTasks counts QUEUED and STARTED tasks of the rank for admission
// control.
func (s *SQLiteStore) CountActiveTasks(ctx context.Context, accountID, rank string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delegate_tasks
		 WHERE account_id = ? AND rank = ? AND status IN (?, ?)`,
		accountID, rank, TaskStatusQueued, TaskStatusStarted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active tasks: %w", err)
	}
	return n, nil
}

// AcquireTask is the compare-and-swap at the heart of task routing: the
// QUEUED -> STARTED transition succeeds for exactly one of any number of
// racing delegates.
func (s *SQLiteStore) AcquireTask(ctx context.Context, accountID, taskID, delegateID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegate_tasks
		 SET status = ?, delegate_id = ?, validating_json = '[]',
		     validation_complete_json = '[]', validation_started_at = NULL, updated_at = ?
		 WHERE account_id = ? AND id = ? AND status = ? AND delegate_id = ''`,
		TaskStatusStarted, delegateID, time.Now().UTC(),
		accountID, taskID, TaskStatusQueued)
	if err != nil {
		return false, fmt.Errorf("acquiring task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequeueTask returns a STARTED task to QUEUED after a retryable failure,
// clearing the assignee and validation bookkeeping and recording the failed
// delegate as already tried.
func (s *SQLiteStore) RequeueTask(ctx context.Context, accountID, taskID, failedDelegateID string) (bool, error) {
	task, err := s.GetTask(ctx, accountID, taskID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tried := task.AlreadyTried
	if !task.HasTried(failedDelegateID) {
		tried = append(tried, failedDelegateID)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE delegate_tasks
		 SET status = ?, delegate_id = '', already_tried_json = ?,
		     validating_json = '[]', validation_complete_json = '[]',
		     validation_started_at = NULL, updated_at = ?
		 WHERE account_id = ? AND id = ? AND status = ? AND delegate_id = ?`,
		TaskStatusQueued, marshalStrings(tried), time.Now().UTC(),
		accountID, taskID, TaskStatusStarted, failedDelegateID)
	if err != nil {
		return false, fmt.Errorf("requeueing task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTaskStatusIf transitions the task when its current status is one of
// expected, returning the pre-update snapshot.
func (s *SQLiteStore) UpdateTaskStatusIf(ctx context.Context, accountID, taskID string, expected []string, next string) (*DelegateTask, error) {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := s.GetTask(ctx, accountID, taskID)
		if err != nil {
			return nil, err
		}

		matched := false
		for _, st := range expected {
			if task.Status == st {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrNotFound
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE delegate_tasks SET status = ?, updated_at = ?
			 WHERE account_id = ? AND id = ? AND status = ?`,
			next, time.Now().UTC(), accountID, taskID, task.Status)
		if err != nil {
			return nil, fmt.Errorf("updating task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return task, nil
		}
		// Lost the conditional update; re-read and retry.
	}
	return nil, ErrNotFound
}

// AddValidatingDelegate records that the delegate started validating the
// task. It only applies while the task is QUEUED and unassigned, so a
// concurrent acquisition invalidates the write harmlessly.
func (s *SQLiteStore) AddValidatingDelegate(ctx context.Context, accountID, taskID, delegateID string, at time.Time) error {
	task, err := s.GetTask(ctx, accountID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskStatusQueued || task.DelegateID != "" {
		return nil
	}

	validating := task.Validating
	seen := false
	for _, id := range validating {
		if id == delegateID {
			seen = true
			break
		}
	}
	if !seen {
		validating = append(validating, delegateID)
	}

	started := task.ValidationStarted
	if started == nil {
		started = &at
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE delegate_tasks
		 SET validating_json = ?, validation_started_at = ?, updated_at = ?
		 WHERE account_id = ? AND id = ? AND status = ? AND delegate_id = ''`,
		marshalStrings(validating), started, time.Now().UTC(),
		accountID, taskID, TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("adding validating delegate: %w", err)
	}
	return nil
}

// AddValidationCompleteDelegate records that the delegate finished
// validating. Same precondition as AddValidatingDelegate.
func (s *SQLiteStore) AddValidationCompleteDelegate(ctx context.Context, accountID, taskID, delegateID string) error {
	task, err := s.GetTask(ctx, accountID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskStatusQueued || task.DelegateID != "" {
		return nil
	}

	complete := task.ValidationComplete
	for _, id := range complete {
		if id == delegateID {
			return nil
		}
	}
	complete = append(complete, delegateID)

	_, err = s.db.ExecContext(ctx,
		`UPDATE delegate_tasks SET validation_complete_json = ?, updated_at = ?
		 WHERE account_id = ? AND id = ? AND status = ? AND delegate_id = ''`,
		marshalStrings(complete), time.Now().UTC(), accountID, taskID, TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("adding validation-complete delegate: %w", err)
	}
	return nil
}

// ClearValidation drops validation bookkeeping once an assignment decision
// has been made.
func (s *SQLiteStore) ClearValidation(ctx context.Context, accountID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delegate_tasks
		 SET validating_json = '[]', validation_complete_json = '[]',
		     validation_started_at = NULL, updated_at = ?
		 WHERE account_id = ? AND id = ?`,
		time.Now().UTC(), accountID, taskID)
	if err != nil {
		return fmt.Errorf("clearing validation: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (*DelegateTask, error) {
	var t DelegateTask
	var timeoutMS int64
	var tried, validating, complete, eligible, selectors, scope, capIDs string
	var validationStarted sql.NullTime
	err := row.Scan(&t.ID, &t.AccountID, &t.Status, &t.Rank, &t.TaskType, &t.Payload,
		&timeoutMS, &t.WaitID, &t.Async, &t.DelegateID, &tried, &validating,
		&complete, &validationStarted, &eligible, &selectors, &scope, &capIDs,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.AlreadyTried = unmarshalStrings(tried)
	t.Validating = unmarshalStrings(validating)
	t.ValidationComplete = unmarshalStrings(complete)
	t.Eligible = unmarshalStrings(eligible)
	t.Selectors = unmarshalStrings(selectors)
	t.Scope = unmarshalScope(scope)
	t.CapabilityIDs = unmarshalStrings(capIDs)
	if validationStarted.Valid {
		ts := validationStarted.Time
		t.ValidationStarted = &ts
	}
	return &t, nil
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
