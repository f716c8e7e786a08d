// ABOUTME: Delegate and profile persistence methods of SQLiteStore.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveDelegate inserts or replaces the delegate row by id.
func (s *SQLiteStore) SaveDelegate(ctx context.Context, d *Delegate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegates (
			id, account_id, status, host_name, group_name, delegate_type,
			profile_id, description, version, ip, tags_json, ng, polling_mode,
			include_scopes_json, exclude_scopes_json, last_heartbeat, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			host_name = excluded.host_name,
			group_name = excluded.group_name,
			delegate_type = excluded.delegate_type,
			profile_id = excluded.profile_id,
			description = excluded.description,
			version = excluded.version,
			ip = excluded.ip,
			tags_json = excluded.tags_json,
			ng = excluded.ng,
			polling_mode = excluded.polling_mode,
			include_scopes_json = excluded.include_scopes_json,
			exclude_scopes_json = excluded.exclude_scopes_json,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at`,
		d.ID, d.AccountID, d.Status, d.HostName, d.GroupName, d.DelegateType,
		d.ProfileID, d.Description, d.Version, d.IP, marshalStrings(d.Tags),
		d.NG, d.PollingMode, marshalScopes(d.IncludeScopes), marshalScopes(d.ExcludeScopes),
		nullableTime(d.LastHeartbeat), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving delegate: %w", err)
	}
	return nil
}

const delegateColumns = `id, account_id, status, host_name, group_name, delegate_type,
	profile_id, description, version, ip, tags_json, ng, polling_mode,
	include_scopes_json, exclude_scopes_json, last_heartbeat, created_at, updated_at`

// GetDelegate returns the delegate scoped to the account, or ErrNotFound.
func (s *SQLiteStore) GetDelegate(ctx context.Context, accountID, delegateID string) (*Delegate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+delegateColumns+` FROM delegates WHERE account_id = ? AND id = ?`,
		accountID, delegateID)
	return scanDelegate(row)
}

// FindDelegateByIdentity looks a delegate up by its registration identity.
func (s *SQLiteStore) FindDelegateByIdentity(ctx context.Context, accountID, groupName, hostName, delegateType string) (*Delegate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+delegateColumns+` FROM delegates
		 WHERE account_id = ? AND group_name = ? AND host_name = ? AND delegate_type = ?
		 ORDER BY created_at LIMIT 1`,
		accountID, groupName, hostName, delegateType)
	return scanDelegate(row)
}

// ListDelegates returns all non-deleted delegates of the account.
func (s *SQLiteStore) ListDelegates(ctx context.Context, accountID string) ([]*Delegate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+delegateColumns+` FROM delegates
		 WHERE account_id = ? AND status != ? ORDER BY created_at`,
		accountID, DelegateStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing delegates: %w", err)
	}
	defer rows.Close()

	var out []*Delegate
	for rows.Next() {
		d, err := scanDelegate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDelegates counts the non-deleted delegates of the account.
func (s *SQLiteStore) CountDelegates(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delegates WHERE account_id = ? AND status != ?`,
		accountID, DelegateStatusDeleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting delegates: %w", err)
	}
	return n, nil
}

// UpdateDelegateStatusIf is the conditional status transition used for
// approval decisions. It reports false when the delegate was not in the
// expected status.
func (s *SQLiteStore) UpdateDelegateStatusIf(ctx context.Context, accountID, delegateID, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegates SET status = ?, updated_at = ?
		 WHERE account_id = ? AND id = ? AND status = ?`,
		next, time.Now().UTC(), accountID, delegateID, expected)
	if err != nil {
		return false, fmt.Errorf("updating delegate status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchDelegateHeartbeat records the latest heartbeat timestamp.
func (s *SQLiteStore) TouchDelegateHeartbeat(ctx context.Context, accountID, delegateID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delegates SET last_heartbeat = ?, updated_at = ? WHERE account_id = ? AND id = ?`,
		at, at, accountID, delegateID)
	if err != nil {
		return fmt.Errorf("touching delegate heartbeat: %w", err)
	}
	return nil
}

// SaveProfile inserts or replaces a delegate profile.
func (s *SQLiteStore) SaveProfile(ctx context.Context, p *DelegateProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegate_profiles (id, account_id, name, is_primary, ng, approval_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_primary = excluded.is_primary,
			ng = excluded.ng,
			approval_required = excluded.approval_required`,
		p.ID, p.AccountID, p.Name, p.Primary, p.NG, p.ApprovalRequired, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile scoped to the account, or ErrNotFound.
func (s *SQLiteStore) GetProfile(ctx context.Context, accountID, profileID string) (*DelegateProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, is_primary, ng, approval_required, created_at
		 FROM delegate_profiles WHERE account_id = ? AND id = ?`,
		accountID, profileID)
	return scanProfile(row)
}

// GetPrimaryProfile returns the account's primary profile for the generation.
func (s *SQLiteStore) GetPrimaryProfile(ctx context.Context, accountID string, ng bool) (*DelegateProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, is_primary, ng, approval_required, created_at
		 FROM delegate_profiles WHERE account_id = ? AND is_primary = 1 AND ng = ?
		 ORDER BY created_at LIMIT 1`,
		accountID, ng)
	return scanProfile(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegate(row rowScanner) (*Delegate, error) {
	var d Delegate
	var tags, includeScopes, excludeScopes string
	var lastHeartbeat sql.NullTime
	err := row.Scan(&d.ID, &d.AccountID, &d.Status, &d.HostName, &d.GroupName,
		&d.DelegateType, &d.ProfileID, &d.Description, &d.Version, &d.IP,
		&tags, &d.NG, &d.PollingMode, &includeScopes, &excludeScopes,
		&lastHeartbeat, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning delegate: %w", err)
	}
	d.Tags = unmarshalStrings(tags)
	d.IncludeScopes = unmarshalScopes(includeScopes)
	d.ExcludeScopes = unmarshalScopes(excludeScopes)
	if lastHeartbeat.Valid {
		d.LastHeartbeat = lastHeartbeat.Time
	}
	return &d, nil
}

func scanProfile(row rowScanner) (*DelegateProfile, error) {
	var p DelegateProfile
	err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.Primary, &p.NG, &p.ApprovalRequired, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	return &p, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
