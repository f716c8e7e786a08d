// ABOUTME: Capability requirement, permission and selection-details persistence.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const requirementColumns = `id, account_id, type, parameters, valid_until, created_at`

// FindRequirement looks up the deduplicated requirement by identity triple.
func (s *SQLiteStore) FindRequirement(ctx context.Context, accountID, capType, parameters string) (*CapabilityRequirement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM capability_requirements
		 WHERE account_id = ? AND type = ? AND parameters = ?`,
		accountID, capType, parameters)
	return scanRequirement(row)
}

// GetRequirement returns the requirement by id, or ErrNotFound.
func (s *SQLiteStore) GetRequirement(ctx context.Context, accountID, capabilityID string) (*CapabilityRequirement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM capability_requirements
		 WHERE account_id = ? AND id = ?`,
		accountID, capabilityID)
	return scanRequirement(row)
}

// SaveRequirement inserts or refreshes a capability requirement. The unique
// index on (account, type, parameters) enforces deduplication.
func (s *SQLiteStore) SaveRequirement(ctx context.Context, r *CapabilityRequirement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_requirements (id, account_id, type, parameters, valid_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, type, parameters) DO UPDATE SET
			valid_until = excluded.valid_until`,
		r.ID, r.AccountID, r.Type, r.Parameters, nullableTime(r.ValidUntil), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving requirement: %w", err)
	}
	return nil
}

// ListRequirements returns every capability requirement of the account.
func (s *SQLiteStore) ListRequirements(ctx context.Context, accountID string) ([]*CapabilityRequirement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requirementColumns+` FROM capability_requirements
		 WHERE account_id = ? ORDER BY created_at`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("listing requirements: %w", err)
	}
	defer rows.Close()

	var out []*CapabilityRequirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const permissionColumns = `account_id, delegate_id, capability_id, verdict, revalidate_after, max_valid_until, updated_at`

// GetPermission returns the cached verdict for the pair, or ErrNotFound.
func (s *SQLiteStore) GetPermission(ctx context.Context, delegateID, capabilityID string) (*CapabilityPermission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM capability_permissions
		 WHERE delegate_id = ? AND capability_id = ?`,
		delegateID, capabilityID)
	return scanPermission(row)
}

// SavePermission inserts or replaces the verdict for the pair.
func (s *SQLiteStore) SavePermission(ctx context.Context, p *CapabilityPermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_permissions (account_id, delegate_id, capability_id, verdict, revalidate_after, max_valid_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(delegate_id, capability_id) DO UPDATE SET
			verdict = excluded.verdict,
			revalidate_after = excluded.revalidate_after,
			max_valid_until = excluded.max_valid_until,
			updated_at = excluded.updated_at`,
		p.AccountID, p.DelegateID, p.CapabilityID, p.Verdict,
		p.RevalidateAfter, p.MaxValidUntil, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving permission: %w", err)
	}
	return nil
}

// DeletePermission removes the cached verdict. Used when a capability falls
// out of a delegate's scope, which is distinct from denying it.
func (s *SQLiteStore) DeletePermission(ctx context.Context, delegateID, capabilityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM capability_permissions WHERE delegate_id = ? AND capability_id = ?`,
		delegateID, capabilityID)
	if err != nil {
		return fmt.Errorf("deleting permission: %w", err)
	}
	return nil
}

// ListPermissionsForCapability returns every delegate's verdict for the
// capability.
func (s *SQLiteStore) ListPermissionsForCapability(ctx context.Context, accountID, capabilityID string) ([]*CapabilityPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM capability_permissions
		 WHERE account_id = ? AND capability_id = ?`,
		accountID, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var out []*CapabilityPermission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetSelectionDetails returns the selector/scope constraints derived from a
// capability, or ErrNotFound.
func (s *SQLiteStore) GetSelectionDetails(ctx context.Context, capabilityID string) (*CapabilitySelectionDetails, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT capability_id, account_id, task_selectors_json, scope_json, blocked, updated_at
		 FROM capability_selection_details WHERE capability_id = ?`,
		capabilityID)

	var d CapabilitySelectionDetails
	var selectors, scope string
	err := row.Scan(&d.CapabilityID, &d.AccountID, &selectors, &scope, &d.Blocked, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning selection details: %w", err)
	}
	d.TaskSelectors = unmarshalStrings(selectors)
	d.Scope = unmarshalScope(scope)
	return &d, nil
}

// SaveSelectionDetails inserts or replaces the selection details row.
func (s *SQLiteStore) SaveSelectionDetails(ctx context.Context, d *CapabilitySelectionDetails) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_selection_details (capability_id, account_id, task_selectors_json, scope_json, blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(capability_id) DO UPDATE SET
			task_selectors_json = excluded.task_selectors_json,
			scope_json = excluded.scope_json,
			blocked = excluded.blocked,
			updated_at = excluded.updated_at`,
		d.CapabilityID, d.AccountID, marshalStrings(d.TaskSelectors),
		marshalScope(d.Scope), d.Blocked, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving selection details: %w", err)
	}
	return nil
}

// SetSelectionDetailsBlocked flips the blocked short-circuit flag.
func (s *SQLiteStore) SetSelectionDetailsBlocked(ctx context.Context, capabilityID string, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE capability_selection_details SET blocked = ?, updated_at = ? WHERE capability_id = ?`,
		blocked, time.Now().UTC(), capabilityID)
	if err != nil {
		return fmt.Errorf("setting selection details blocked: %w", err)
	}
	return nil
}

func scanRequirement(row rowScanner) (*CapabilityRequirement, error) {
	var r CapabilityRequirement
	var validUntil sql.NullTime
	err := row.Scan(&r.ID, &r.AccountID, &r.Type, &r.Parameters, &validUntil, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning requirement: %w", err)
	}
	if validUntil.Valid {
		r.ValidUntil = validUntil.Time
	}
	return &r, nil
}

func scanPermission(row rowScanner) (*CapabilityPermission, error) {
	var p CapabilityPermission
	err := row.Scan(&p.AccountID, &p.DelegateID, &p.CapabilityID, &p.Verdict,
		&p.RevalidateAfter, &p.MaxValidUntil, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning permission: %w", err)
	}
	return &p, nil
}
