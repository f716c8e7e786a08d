// ABOUTME: Delegate selection: selector/scope assignment checks and the two routing strategies.
// ABOUTME: Decisions are accumulated into selection log batches and persisted for observability.

package selection

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/delegate-broker/internal/store"
)

// Selection conclusions recorded in selection logs.
const (
	ConclusionSelected = "SELECTED"
	ConclusionRejected = "REJECTED"
)

// Whitelist is the verdict view the engine needs from the capability
// matcher.
type Whitelist interface {
	IsWhitelisted(ctx context.Context, delegateID string, capabilityIDs []string) (bool, error)
	RegeneratePermissions(ctx context.Context, accountID, delegateID string) error
}

// StrategyResolver decides per account whether the capability-aware strategy
// applies.
type StrategyResolver func(accountID string) bool

// LogBatch accumulates selection decisions for one task evaluation.
type LogBatch struct {
	accountID string
	taskID    string
	logs      []*store.SelectionLog
}

// NewLogBatch starts an empty batch for the task.
func NewLogBatch(accountID, taskID string) *LogBatch {
	return &LogBatch{accountID: accountID, taskID: taskID}
}

// Add records one decision.
func (b *LogBatch) Add(delegateID, conclusion, message string) {
	if b == nil {
		return
	}
	b.logs = append(b.logs, &store.SelectionLog{
		ID:         uuid.NewString(),
		AccountID:  b.accountID,
		TaskID:     b.taskID,
		DelegateID: delegateID,
		Conclusion: conclusion,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
}

// Engine evaluates which delegates a task may be assigned to.
type Engine struct {
	store           store.Store
	whitelist       Whitelist
	capabilityAware StrategyResolver
	logger          *slog.Logger
}

// NewEngine wires a selection engine.
func NewEngine(st store.Store, wl Whitelist, resolver StrategyResolver) *Engine {
	if resolver == nil {
		resolver = func(string) bool { return false }
	}
	return &Engine{
		store:           st,
		whitelist:       wl,
		capabilityAware: resolver,
		logger:          slog.Default().With("component", "selection"),
	}
}

// CanAssign is the conjunction of the selector match and the setup-scope
// match. Rejections are recorded in the batch with the failing dimension.
func (e *Engine) CanAssign(ctx context.Context, batch *LogBatch, d *store.Delegate, task *store.DelegateTask) (bool, error) {
	profileName := ""
	if d.ProfileID != "" {
		profile, err := e.store.GetProfile(ctx, d.AccountID, d.ProfileID)
		if err == nil {
			profileName = profile.Name
		} else if err != store.ErrNotFound {
			return false, err
		}
	}

	if !selectorsMatch(task.Selectors, delegateSelectorSet(d, profileName)) {
		batch.Add(d.ID, ConclusionRejected, "selector mismatch")
		return false, nil
	}
	if !scopePermits(d, task.Scope) {
		batch.Add(d.ID, ConclusionRejected, "scope mismatch")
		return false, nil
	}
	return true, nil
}

// FlushLogs persists the batch. Log persistence failure must never fail the
// selection itself.
func (e *Engine) FlushLogs(ctx context.Context, batch *LogBatch) {
	if batch == nil || len(batch.logs) == 0 {
		return
	}
	if err := e.store.SaveSelectionLogs(ctx, batch.logs); err != nil {
		e.logger.Warn("selection log batch not persisted",
			"task_id", batch.taskID, "error", err)
	}
}

// ObtainCapableDelegateID picks the delegate the task should go to, or ""
// when no delegate qualifies. The capability-aware strategy retries once
// after forcing a fresh verdict evaluation when the capable set comes up
// empty, which covers first-time-seen capabilities.
func (e *Engine) ObtainCapableDelegateID(ctx context.Context, batch *LogBatch, task *store.DelegateTask, excluded map[string]bool) (string, error) {
	candidates, err := e.connectedDelegates(ctx, task.AccountID)
	if err != nil {
		return "", err
	}

	if !e.capabilityAware(task.AccountID) || len(task.CapabilityIDs) == 0 {
		return e.pickLegacy(ctx, batch, task, candidates, excluded)
	}

	id, err := e.pickCapable(ctx, batch, task, candidates, excluded)
	if err != nil || id != "" {
		return id, err
	}

	// Empty capable set: force re-evaluation once before concluding "none".
	for _, d := range candidates {
		if err := e.whitelist.RegeneratePermissions(ctx, task.AccountID, d.ID); err != nil {
			return "", err
		}
	}
	return e.pickCapable(ctx, batch, task, candidates, excluded)
}

func (e *Engine) pickCapable(ctx context.Context, batch *LogBatch, task *store.DelegateTask, candidates []*store.Delegate, excluded map[string]bool) (string, error) {
	for _, d := range candidates {
		if excluded[d.ID] {
			continue
		}
		capable, err := e.whitelist.IsWhitelisted(ctx, d.ID, task.CapabilityIDs)
		if err != nil {
			return "", err
		}
		if !capable {
			batch.Add(d.ID, ConclusionRejected, "capability verdict missing or denied")
			continue
		}
		ok, err := e.CanAssign(ctx, batch, d, task)
		if err != nil {
			return "", err
		}
		if ok {
			batch.Add(d.ID, ConclusionSelected, "")
			return d.ID, nil
		}
	}
	return "", nil
}

// pickLegacy walks the precomputed first-attempt ordering (the task's
// eligible shortlist when present) and takes the first untried candidate.
func (e *Engine) pickLegacy(ctx context.Context, batch *LogBatch, task *store.DelegateTask, candidates []*store.Delegate, excluded map[string]bool) (string, error) {
	byID := make(map[string]*store.Delegate, len(candidates))
	for _, d := range candidates {
		byID[d.ID] = d
	}

	ordering := task.Eligible
	if len(ordering) == 0 {
		for _, d := range candidates {
			ordering = append(ordering, d.ID)
		}
	}

	for _, id := range ordering {
		d, connected := byID[id]
		if !connected || excluded[id] || task.HasTried(id) {
			continue
		}
		ok, err := e.CanAssign(ctx, batch, d, task)
		if err != nil {
			return "", err
		}
		if ok {
			batch.Add(id, ConclusionSelected, "")
			return id, nil
		}
	}
	return "", nil
}

// PickDelegateWithoutCapabilities is the fallback for tasks with no
// agent-directed capabilities: prefer a candidate not already tried, take an
// already-tried one only when nothing fresh remains.
func (e *Engine) PickDelegateWithoutCapabilities(ctx context.Context, task *store.DelegateTask, candidateIDs []string) string {
	batch := NewLogBatch(task.AccountID, task.ID)
	defer e.FlushLogs(ctx, batch)

	var fallback string
	for _, id := range candidateIDs {
		if !task.HasTried(id) {
			batch.Add(id, ConclusionSelected, "")
			return id
		}
		if fallback == "" {
			fallback = id
		}
	}
	if fallback != "" {
		batch.Add(fallback, ConclusionSelected, "all candidates already tried")
	}
	return fallback
}

// ConnectedWhitelistedDelegates returns the ids of connected, enabled
// delegates the task could still be assigned to, in stable order. Used by
// retry and fail-if-all-failed decisions.
func (e *Engine) ConnectedWhitelistedDelegates(ctx context.Context, task *store.DelegateTask) ([]string, error) {
	candidates, err := e.connectedDelegates(ctx, task.AccountID)
	if err != nil {
		return nil, err
	}

	batch := NewLogBatch(task.AccountID, task.ID)
	var out []string
	for _, d := range candidates {
		if len(task.CapabilityIDs) > 0 {
			capable, err := e.whitelist.IsWhitelisted(ctx, d.ID, task.CapabilityIDs)
			if err != nil {
				return nil, err
			}
			if !capable {
				continue
			}
		}
		ok, err := e.CanAssign(ctx, batch, d, task)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d.ID)
		}
	}
	return out, nil
}

// IsDelegateInCapabilityScope is the ad-hoc scope check used outside the main
// selection flow.
func (e *Engine) IsDelegateInCapabilityScope(d *store.Delegate, details *store.CapabilitySelectionDetails) bool {
	return ScopeMatcher{}.InScope(d, details)
}

// connectedDelegates lists enabled delegates with a live connection, sorted
// by id so every caller sees the same deterministic order.
func (e *Engine) connectedDelegates(ctx context.Context, accountID string) ([]*store.Delegate, error) {
	all, err := e.store.ListDelegates(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []*store.Delegate
	for _, d := range all {
		if d.Status != store.DelegateStatusEnabled {
			continue
		}
		live, err := e.store.HasLiveConnection(ctx, accountID, d.ID)
		if err != nil {
			return nil, err
		}
		if live {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
