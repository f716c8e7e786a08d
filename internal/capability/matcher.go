// ABOUTME: Capability requirement dedup, cached verdicts and batched capability checks.
// ABOUTME: Checks fail open; a capability falling out of scope deletes the verdict instead of denying it.

package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"

	"github.com/quayside/delegate-broker/internal/store"
)

// Default verdict freshness windows.
const (
	DefaultRevalidateAfter = 6 * time.Hour
	DefaultMaxValid        = 24 * time.Hour
)

// Requirement is the declarative input attached to a task.
type Requirement struct {
	Type       string
	Parameters string
}

// CheckRequest is one batched capability check dispatched to a delegate.
type CheckRequest struct {
	AccountID    string
	DelegateID   string
	Requirements []*store.CapabilityRequirement
}

// CheckDispatcher runs a batched capability check against a delegate and
// returns the verdict per capability id.
type CheckDispatcher interface {
	Dispatch(ctx context.Context, req CheckRequest) (map[string]bool, error)
}

// ScopeChecker decides whether a capability's derived scope still applies to
// a delegate.
type ScopeChecker interface {
	InScope(d *store.Delegate, details *store.CapabilitySelectionDetails) bool
}

// Matcher owns capability requirements and the per-delegate verdict cache.
type Matcher struct {
	store      store.Store
	dispatcher CheckDispatcher
	scope      ScopeChecker
	logger     *slog.Logger
	now        func() time.Time

	revalidateAfter time.Duration
	maxValid        time.Duration
}

// NewMatcher wires a capability matcher with default freshness windows.
func NewMatcher(st store.Store, dispatcher CheckDispatcher, scope ScopeChecker) *Matcher {
	return &Matcher{
		store:           st,
		dispatcher:      dispatcher,
		scope:           scope,
		logger:          slog.Default().With("component", "capability"),
		now:             time.Now,
		revalidateAfter: DefaultRevalidateAfter,
		maxValid:        DefaultMaxValid,
	}
}

// RecordRequirements deduplicates the task's capability requirements into
// account-level rows and returns their ids in input order.
func (m *Matcher) RecordRequirements(ctx context.Context, accountID string, reqs []Requirement) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	now := m.now().UTC()
	for _, r := range reqs {
		existing, err := m.store.FindRequirement(ctx, accountID, r.Type, r.Parameters)
		if err == nil {
			ids = append(ids, existing.ID)
			continue
		}
		if err != store.ErrNotFound {
			return nil, err
		}

		row := &store.CapabilityRequirement{
			ID:         uuid.NewString(),
			AccountID:  accountID,
			Type:       r.Type,
			Parameters: r.Parameters,
			ValidUntil: now.Add(m.maxValid),
			CreatedAt:  now,
		}
		if err := m.store.SaveRequirement(ctx, row); err != nil {
			return nil, err
		}
		// SaveRequirement upserts on the identity triple, so a concurrent
		// writer may have won with a different id.
		saved, err := m.store.FindRequirement(ctx, accountID, r.Type, r.Parameters)
		if err != nil {
			return nil, err
		}
		ids = append(ids, saved.ID)
	}
	return ids, nil
}

// IsWhitelisted reports whether every listed capability has a fresh ALLOWED
// verdict for the delegate. An empty capability list is trivially
// whitelisted.
func (m *Matcher) IsWhitelisted(ctx context.Context, delegateID string, capabilityIDs []string) (bool, error) {
	now := m.now()
	for _, capID := range capabilityIDs {
		p, err := m.store.GetPermission(ctx, delegateID, capID)
		if err == store.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.Verdict != store.VerdictAllowed || now.After(p.MaxValidUntil) {
			return false, nil
		}
	}
	return true, nil
}

// ShouldValidate reports whether any listed capability needs a (re-)check for
// the delegate: the verdict is missing, UNCHECKED, or past its revalidation
// point.
func (m *Matcher) ShouldValidate(ctx context.Context, delegateID string, capabilityIDs []string) (bool, error) {
	now := m.now()
	for _, capID := range capabilityIDs {
		p, err := m.store.GetPermission(ctx, delegateID, capID)
		if err == store.ErrNotFound {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if p.Verdict == store.VerdictUnchecked || now.After(p.RevalidateAfter) {
			return true, nil
		}
	}
	return false, nil
}

// RegeneratePermissions reconciles the delegate's verdict rows against the
// account's requirements. In-scope capabilities without a verdict get an
// UNCHECKED placeholder; out-of-scope verdicts are deleted, never denied.
func (m *Matcher) RegeneratePermissions(ctx context.Context, accountID, delegateID string) error {
	d, err := m.store.GetDelegate(ctx, accountID, delegateID)
	if err != nil {
		return err
	}

	reqs, err := m.store.ListRequirements(ctx, accountID)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	for _, r := range reqs {
		details, err := m.store.GetSelectionDetails(ctx, r.ID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		inScope := true
		if details != nil {
			inScope = m.scope.InScope(d, details)
		}

		if !inScope {
			if err := m.store.DeletePermission(ctx, delegateID, r.ID); err != nil {
				return err
			}
			continue
		}

		if _, err := m.store.GetPermission(ctx, delegateID, r.ID); err == store.ErrNotFound {
			placeholder := &store.CapabilityPermission{
				AccountID:       accountID,
				DelegateID:      delegateID,
				CapabilityID:    r.ID,
				Verdict:         store.VerdictUnchecked,
				RevalidateAfter: now,
				MaxValidUntil:   now,
				UpdatedAt:       now,
			}
			if err := m.store.SavePermission(ctx, placeholder); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	m.logger.Debug("permissions regenerated",
		"account_id", accountID, "delegate_id", delegateID, "requirements", len(reqs))
	return nil
}

// ExecuteBatchCheck dispatches one batched check for every capability the
// delegate should validate and persists the verdicts. Dispatch failure fails
// open: verdicts are left unchanged (still unknown) rather than denied, so a
// flaky checker never blocks an account's tasks.
func (m *Matcher) ExecuteBatchCheck(ctx context.Context, accountID, delegateID string, capabilityIDs []string) error {
	var toCheck []*store.CapabilityRequirement
	for _, capID := range capabilityIDs {
		r, err := m.store.GetRequirement(ctx, accountID, capID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		toCheck = append(toCheck, r)
	}
	if len(toCheck) == 0 {
		return nil
	}

	var results map[string]bool
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		var dispatchErr error
		results, dispatchErr = m.dispatcher.Dispatch(ctx, CheckRequest{
			AccountID:    accountID,
			DelegateID:   delegateID,
			Requirements: toCheck,
		})
		return dispatchErr
	})
	if err != nil {
		m.logger.Warn("capability check dispatch failed, leaving verdicts unchanged",
			"account_id", accountID, "delegate_id", delegateID, "error", err)
		return nil
	}

	now := m.now().UTC()
	for _, req := range toCheck {
		verdict := store.VerdictDenied
		if results[req.ID] {
			verdict = store.VerdictAllowed
		}
		p := &store.CapabilityPermission{
			AccountID:       accountID,
			DelegateID:      delegateID,
			CapabilityID:    req.ID,
			Verdict:         verdict,
			RevalidateAfter: now.Add(m.revalidateAfter),
			MaxValidUntil:   now.Add(m.maxValid),
			UpdatedAt:       now,
		}
		if err := m.store.SavePermission(ctx, p); err != nil {
			return err
		}
		// A completed check un-blocks details gated on this capability.
		if err := m.store.SetSelectionDetailsBlocked(ctx, req.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// IsDelegateStillInScope re-checks the capability's derived scope against the
// delegate. On failure the details are blocked to short-circuit repeats and
// the cached verdict is dropped.
func (m *Matcher) IsDelegateStillInScope(ctx context.Context, accountID, delegateID, capabilityID string) (bool, error) {
	details, err := m.store.GetSelectionDetails(ctx, capabilityID)
	if err == store.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if details.Blocked {
		return false, nil
	}

	d, err := m.store.GetDelegate(ctx, accountID, delegateID)
	if err != nil {
		return false, err
	}

	if m.scope.InScope(d, details) {
		return true, nil
	}

	if err := m.store.SetSelectionDetailsBlocked(ctx, capabilityID, true); err != nil {
		return false, err
	}
	if err := m.store.DeletePermission(ctx, delegateID, capabilityID); err != nil {
		return false, err
	}
	m.logger.Info("capability out of delegate scope",
		"account_id", accountID, "delegate_id", delegateID, "capability_id", capabilityID)
	return false, nil
}
