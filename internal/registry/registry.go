// ABOUTME: Delegate registration, quota enforcement, profile resolution and approval decisions.
// ABOUTME: A deleted account never gets a persisted delegate, it gets a self-destruct directive.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/store"
)

// Approval decisions.
const (
	ActionActivate = "ACTIVATE"
	ActionReject   = "REJECT"
)

// AccountLookup answers whether an account has been deleted. Registration on
// behalf of a deleted account must never persist anything.
type AccountLookup interface {
	IsDeleted(ctx context.Context, accountID string) (bool, error)
}

// UsageLimits is the pluggable per-account delegate quota provider.
type UsageLimits interface {
	MaxAllowed(ctx context.Context, accountID string) (int, error)
}

// QuotaExceededError is returned when an account is at its delegate limit.
type QuotaExceededError struct {
	AccountID string
	Max       int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("account %s has reached its limit of %d delegates", e.AccountID, e.Max)
}

// ErrNotAwaitingApproval is returned when an approval decision targets a
// delegate that is not WAITING_FOR_APPROVAL.
var ErrNotAwaitingApproval = errors.New("delegate is not awaiting approval")

// ErrUnknownAction is returned for approval decisions other than
// ACTIVATE/REJECT.
var ErrUnknownAction = errors.New("unknown approval action")

// RegisterParams carries the identity and attributes a delegate registers
// with.
type RegisterParams struct {
	AccountID    string
	HostName     string
	GroupName    string
	DelegateType string
	ProfileID    string
	Description  string
	Version      string
	IP           string
	Tags         []string
	NG           bool
	PollingMode  bool
}

// RegisterResult reports the outcome of a registration attempt.
type RegisterResult struct {
	DelegateID string
	// SelfDestruct tells the caller the delegate must shut down; no row was
	// persisted.
	SelfDestruct bool
}

// Service implements delegate registration and lifecycle decisions.
type Service struct {
	store       store.Store
	accounts    AccountLookup
	limits      UsageLimits
	broadcaster broadcast.Broadcaster
	events      *events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires a registry service.
func NewService(st store.Store, accounts AccountLookup, limits UsageLimits, b broadcast.Broadcaster, pub *events.Publisher) *Service {
	return &Service{
		store:       st,
		accounts:    accounts,
		limits:      limits,
		broadcaster: b,
		events:      pub,
		logger:      slog.Default().With("component", "registry"),
		now:         time.Now,
	}
}

// Register handles a delegate announcing itself. Re-registration by the same
// identity (group, host, type) updates the existing row instead of creating a
// duplicate.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*RegisterResult, error) {
	deleted, err := s.accounts.IsDeleted(ctx, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("checking account: %w", err)
	}
	if deleted {
		s.logger.Warn("registration for deleted account",
			"account_id", p.AccountID, "host", p.HostName)
		// Best-effort: a delegate that never hears this will fail its next
		// poll anyway.
		if err := s.broadcaster.Publish(ctx, broadcast.DelegateChannel(p.AccountID),
			broadcast.SelfDestructMessage(p.HostName)); err != nil {
			s.logger.Warn("self-destruct broadcast failed", "error", err)
		}
		return &RegisterResult{SelfDestruct: true}, nil
	}

	existing, err := s.store.FindDelegateByIdentity(ctx, p.AccountID, p.GroupName, p.HostName, p.DelegateType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		previousProfile := existing.ProfileID
		existing.Description = p.Description
		existing.Version = p.Version
		existing.IP = p.IP
		existing.Tags = p.Tags
		existing.PollingMode = p.PollingMode
		if p.ProfileID != "" {
			existing.ProfileID = p.ProfileID
		}
		existing.UpdatedAt = s.now().UTC()
		if err := s.store.SaveDelegate(ctx, existing); err != nil {
			return nil, err
		}
		if existing.ProfileID != previousProfile {
			s.events.PublishProfileChanged(ctx, events.ProfileChanged{
				AccountID:  p.AccountID,
				DelegateID: existing.ID,
				ProfileID:  existing.ProfileID,
			})
		}
		s.logger.Info("delegate re-registered",
			"account_id", p.AccountID, "delegate_id", existing.ID, "version", p.Version)
		return &RegisterResult{DelegateID: existing.ID}, nil
	}

	d, err := s.Add(ctx, p)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{DelegateID: d.ID}, nil
}

// Add persists a brand-new delegate after quota and profile resolution. The
// resolved profile decides whether the delegate starts ENABLED or waits for
// approval.
func (s *Service) Add(ctx context.Context, p RegisterParams) (*store.Delegate, error) {
	max, err := s.limits.MaxAllowed(ctx, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolving delegate quota: %w", err)
	}
	count, err := s.store.CountDelegates(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	if count >= max {
		return nil, &QuotaExceededError{AccountID: p.AccountID, Max: max}
	}

	profile, err := s.resolveProfile(ctx, p)
	if err != nil {
		return nil, err
	}

	status := store.DelegateStatusEnabled
	profileID := ""
	if profile != nil {
		profileID = profile.ID
		if profile.ApprovalRequired {
			status = store.DelegateStatusWaitingForApproval
		}
	}

	now := s.now().UTC()
	d := &store.Delegate{
		ID:           uuid.NewString(),
		AccountID:    p.AccountID,
		Status:       status,
		HostName:     p.HostName,
		GroupName:    p.GroupName,
		DelegateType: p.DelegateType,
		ProfileID:    profileID,
		Description:  p.Description,
		Version:      p.Version,
		IP:           p.IP,
		Tags:         p.Tags,
		NG:           p.NG,
		PollingMode:  p.PollingMode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveDelegate(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("delegate added",
		"account_id", p.AccountID, "delegate_id", d.ID,
		"status", status, "profile_id", profileID)
	return d, nil
}

// resolveProfile returns the explicit profile when it exists, falling back to
// the account primary of the matching generation, then to no profile at all.
func (s *Service) resolveProfile(ctx context.Context, p RegisterParams) (*store.DelegateProfile, error) {
	if p.ProfileID != "" {
		profile, err := s.store.GetProfile(ctx, p.AccountID, p.ProfileID)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	primary, err := s.store.GetPrimaryProfile(ctx, p.AccountID, p.NG)
	if err == nil {
		return primary, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// UpdateApprovalStatus applies an ACTIVATE or REJECT decision to a delegate
// waiting for approval. Rejection also tells the delegate to self-destruct.
func (s *Service) UpdateApprovalStatus(ctx context.Context, accountID, delegateID, action string) error {
	var next string
	switch action {
	case ActionActivate:
		next = store.DelegateStatusEnabled
	case ActionReject:
		next = store.DelegateStatusDeleted
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	ok, err := s.store.UpdateDelegateStatusIf(ctx, accountID, delegateID,
		store.DelegateStatusWaitingForApproval, next)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAwaitingApproval
	}

	if action == ActionReject {
		if err := s.broadcaster.Publish(ctx, broadcast.DelegateChannel(accountID),
			broadcast.SelfDestructMessage(delegateID)); err != nil {
			s.logger.Warn("self-destruct broadcast failed",
				"delegate_id", delegateID, "error", err)
		}
	}

	s.logger.Info("approval decision applied",
		"account_id", accountID, "delegate_id", delegateID, "action", action)
	return nil
}

// Delete soft-deletes a delegate and tells it to self-destruct.
func (s *Service) Delete(ctx context.Context, accountID, delegateID string) error {
	d, err := s.store.GetDelegate(ctx, accountID, delegateID)
	if err != nil {
		return err
	}
	d.Status = store.DelegateStatusDeleted
	d.UpdatedAt = s.now().UTC()
	if err := s.store.SaveDelegate(ctx, d); err != nil {
		return err
	}

	if err := s.broadcaster.Publish(ctx, broadcast.DelegateChannel(accountID),
		broadcast.SelfDestructMessage(delegateID)); err != nil {
		s.logger.Warn("self-destruct broadcast failed", "delegate_id", delegateID, "error", err)
	}
	return nil
}

// List returns the account's non-deleted delegates.
func (s *Service) List(ctx context.Context, accountID string) ([]*store.Delegate, error) {
	return s.store.ListDelegates(ctx, accountID)
}
