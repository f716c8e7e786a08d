// ABOUTME: Connection persistence methods of SQLiteStore.
// ABOUTME: Implements the find-and-delete / replace protocol behind heartbeat conflict resolution.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const connectionColumns = `id, account_id, delegate_id, version, disconnected, location, last_heartbeat`

// SaveConnection inserts or refreshes a connection row.
func (s *SQLiteStore) SaveConnection(ctx context.Context, conn *DelegateConnection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegate_connections (id, account_id, delegate_id, version, disconnected, location, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			disconnected = excluded.disconnected,
			location = excluded.location,
			last_heartbeat = excluded.last_heartbeat`,
		conn.ID, conn.AccountID, conn.DelegateID, conn.Version, conn.Disconnected,
		conn.Location, conn.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}
	return nil
}

// UpsertCurrentConnection writes the connection row and returns the previous
// row for the same (account, delegate), if one existed. The previous row is
// what reconnect detection inspects.
func (s *SQLiteStore) UpsertCurrentConnection(ctx context.Context, conn *DelegateConnection) (*DelegateConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM delegate_connections
		 WHERE account_id = ? AND delegate_id = ? AND id != ?
		 ORDER BY id DESC LIMIT 1`,
		conn.AccountID, conn.DelegateID, conn.ID)
	previous, err := scanConnection(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	if previous == nil {
		return nil, nil
	}
	return previous, nil
}

// FindAndDeletePreviousConnections removes every other connection row of the
// same delegate and version, returning the newest removed row. The returned
// row may have a newer id than the caller's, which signals a heartbeat race.
func (s *SQLiteStore) FindAndDeletePreviousConnections(ctx context.Context, accountID, delegateID, connectionID, version string) (*DelegateConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM delegate_connections
		 WHERE account_id = ? AND delegate_id = ? AND version = ? AND id != ?
		 ORDER BY id DESC LIMIT 1`,
		accountID, delegateID, version, connectionID)
	previous, err := scanConnection(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM delegate_connections
		 WHERE account_id = ? AND delegate_id = ? AND version = ? AND id != ?`,
		accountID, delegateID, version, connectionID)
	if err != nil {
		return nil, fmt.Errorf("deleting previous connections: %w", err)
	}
	return previous, nil
}

// ReplaceWithNewerConnection discards the losing connection row and restores
// the newer one that won the race.
func (s *SQLiteStore) ReplaceWithNewerConnection(ctx context.Context, losingConnectionID string, newer *DelegateConnection) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM delegate_connections WHERE id = ?`, losingConnectionID); err != nil {
		return fmt.Errorf("deleting losing connection: %w", err)
	}
	return s.SaveConnection(ctx, newer)
}

// ListConnections returns all connection rows of the delegate, newest first.
func (s *SQLiteStore) ListConnections(ctx context.Context, accountID, delegateID string) ([]*DelegateConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM delegate_connections
		 WHERE account_id = ? AND delegate_id = ? ORDER BY id DESC`,
		accountID, delegateID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []*DelegateConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDisconnected flags every connection of the delegate as disconnected.
func (s *SQLiteStore) MarkDisconnected(ctx context.Context, accountID, delegateID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delegate_connections SET disconnected = 1
		 WHERE account_id = ? AND delegate_id = ?`,
		accountID, delegateID)
	if err != nil {
		return fmt.Errorf("marking disconnected: %w", err)
	}
	return nil
}

// HasLiveConnection reports whether a non-disconnected connection row exists.
func (s *SQLiteStore) HasLiveConnection(ctx context.Context, accountID, delegateID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delegate_connections
		 WHERE account_id = ? AND delegate_id = ? AND disconnected = 0`,
		accountID, delegateID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking live connection: %w", err)
	}
	return n > 0, nil
}

func scanConnection(row rowScanner) (*DelegateConnection, error) {
	var c DelegateConnection
	err := row.Scan(&c.ID, &c.AccountID, &c.DelegateID, &c.Version,
		&c.Disconnected, &c.Location, &c.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}
	return &c, nil
}
