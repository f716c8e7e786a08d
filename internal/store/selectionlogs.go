// ABOUTME: Selection log persistence. Logs are written in batches, one row per decision.

package store

import (
	"context"
	"fmt"
)

// SaveSelectionLogs writes a batch of selection decisions in one transaction.
func (s *SQLiteStore) SaveSelectionLogs(ctx context.Context, logs []*SelectionLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning selection log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO selection_logs (id, account_id, task_id, delegate_id, conclusion, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing selection log insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, l.ID, l.AccountID, l.TaskID,
			l.DelegateID, l.Conclusion, l.Message, l.CreatedAt); err != nil {
			return fmt.Errorf("inserting selection log: %w", err)
		}
	}
	return tx.Commit()
}

// ListSelectionLogs returns the decisions recorded for a task, oldest first.
func (s *SQLiteStore) ListSelectionLogs(ctx context.Context, accountID, taskID string) ([]*SelectionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, task_id, delegate_id, conclusion, message, created_at
		 FROM selection_logs WHERE account_id = ? AND task_id = ? ORDER BY created_at, id`,
		accountID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing selection logs: %w", err)
	}
	defer rows.Close()

	var out []*SelectionLog
	for rows.Next() {
		var l SelectionLog
		if err := rows.Scan(&l.ID, &l.AccountID, &l.TaskID, &l.DelegateID,
			&l.Conclusion, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning selection log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
