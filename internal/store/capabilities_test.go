// ABOUTME: Tests for capability requirement dedup, verdict caching and selection details

package store

import (
	"context"
	"testing"
	"time"
)

func TestSaveRequirement_DeduplicatesByIdentity(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	first := &CapabilityRequirement{
		ID: "cap-1", AccountID: "acct-1", Type: "HTTP",
		Parameters: "https://example.com", CreatedAt: now,
	}
	if err := store.SaveRequirement(ctx, first); err != nil {
		t.Fatalf("SaveRequirement failed: %v", err)
	}

	// Same identity triple with a different id must not create a second row.
	dup := &CapabilityRequirement{
		ID: "cap-2", AccountID: "acct-1", Type: "HTTP",
		Parameters: "https://example.com", ValidUntil: now.Add(time.Hour), CreatedAt: now,
	}
	if err := store.SaveRequirement(ctx, dup); err != nil {
		t.Fatalf("SaveRequirement upsert failed: %v", err)
	}

	got, err := store.FindRequirement(ctx, "acct-1", "HTTP", "https://example.com")
	if err != nil {
		t.Fatalf("FindRequirement failed: %v", err)
	}
	if got.ID != "cap-1" {
		t.Errorf("expected original id cap-1 preserved, got %s", got.ID)
	}
	if !got.ValidUntil.Equal(now.Add(time.Hour)) {
		t.Errorf("expected valid_until refreshed, got %v", got.ValidUntil)
	}

	list, err := store.ListRequirements(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListRequirements failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected single deduplicated requirement, got %d", len(list))
	}
}

func TestPermissionLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	p := &CapabilityPermission{
		AccountID: "acct-1", DelegateID: "del-1", CapabilityID: "cap-1",
		Verdict: VerdictUnchecked, RevalidateAfter: now, MaxValidUntil: now, UpdatedAt: now,
	}
	if err := store.SavePermission(ctx, p); err != nil {
		t.Fatalf("SavePermission failed: %v", err)
	}

	// The verdict flips to ALLOWED after a successful check.
	p.Verdict = VerdictAllowed
	p.RevalidateAfter = now.Add(6 * time.Hour)
	p.MaxValidUntil = now.Add(24 * time.Hour)
	if err := store.SavePermission(ctx, p); err != nil {
		t.Fatalf("SavePermission update failed: %v", err)
	}

	got, err := store.GetPermission(ctx, "del-1", "cap-1")
	if err != nil {
		t.Fatalf("GetPermission failed: %v", err)
	}
	if got.Verdict != VerdictAllowed {
		t.Errorf("expected ALLOWED, got %s", got.Verdict)
	}

	all, err := store.ListPermissionsForCapability(ctx, "acct-1", "cap-1")
	if err != nil {
		t.Fatalf("ListPermissionsForCapability failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected one permission, got %d", len(all))
	}

	// Out-of-scope removal deletes the row instead of denying.
	if err := store.DeletePermission(ctx, "del-1", "cap-1"); err != nil {
		t.Fatalf("DeletePermission failed: %v", err)
	}
	_, err = store.GetPermission(ctx, "del-1", "cap-1")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSelectionDetails(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	d := &CapabilitySelectionDetails{
		CapabilityID:  "cap-1",
		AccountID:     "acct-1",
		TaskSelectors: []string{"linux"},
		Scope:         SetupScope{Application: "app-1"},
		UpdatedAt:     now,
	}
	if err := store.SaveSelectionDetails(ctx, d); err != nil {
		t.Fatalf("SaveSelectionDetails failed: %v", err)
	}

	got, err := store.GetSelectionDetails(ctx, "cap-1")
	if err != nil {
		t.Fatalf("GetSelectionDetails failed: %v", err)
	}
	if got.Blocked {
		t.Error("expected details not blocked initially")
	}
	if len(got.TaskSelectors) != 1 || got.Scope.Application != "app-1" {
		t.Errorf("details not round-tripped: %+v", got)
	}

	if err := store.SetSelectionDetailsBlocked(ctx, "cap-1", true); err != nil {
		t.Fatalf("SetSelectionDetailsBlocked failed: %v", err)
	}
	got, err = store.GetSelectionDetails(ctx, "cap-1")
	if err != nil {
		t.Fatalf("GetSelectionDetails failed: %v", err)
	}
	if !got.Blocked {
		t.Error("expected details blocked")
	}
}

func TestSaveSelectionLogs(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	logs := []*SelectionLog{
		{ID: "log-1", AccountID: "acct-1", TaskID: "task-1", DelegateID: "del-1",
			Conclusion: "SELECTED", CreatedAt: now},
		{ID: "log-2", AccountID: "acct-1", TaskID: "task-1", DelegateID: "del-2",
			Conclusion: "REJECTED", Message: "selector mismatch", CreatedAt: now},
	}
	if err := store.SaveSelectionLogs(ctx, logs); err != nil {
		t.Fatalf("SaveSelectionLogs failed: %v", err)
	}

	// Empty batches are a no-op.
	if err := store.SaveSelectionLogs(ctx, nil); err != nil {
		t.Fatalf("SaveSelectionLogs of empty batch failed: %v", err)
	}

	got, err := store.ListSelectionLogs(ctx, "acct-1", "task-1")
	if err != nil {
		t.Fatalf("ListSelectionLogs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(got))
	}
	if got[1].Message != "selector mismatch" {
		t.Errorf("expected rejection message, got %q", got[1].Message)
	}
}
