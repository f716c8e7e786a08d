// ABOUTME: Store interfaces and data types for delegate-broker persistence.
// ABOUTME: Defines Delegate, DelegateTask, connection and capability records plus the conditional-update contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Delegate status constants. A delegate is soft-deleted (DELETED) rather than
// purged while anything still references it.
const (
	DelegateStatusWaitingForApproval = "WAITING_FOR_APPROVAL"
	DelegateStatusEnabled            = "ENABLED"
	DelegateStatusDisabled           = "DISABLED"
	DelegateStatusDeleted            = "DELETED"
)

// Task status constants. QUEUED is the initial state; a successful task is
// removed entirely, ERROR and ABORTED rows are retained for auditing.
const (
	TaskStatusQueued  = "QUEUED"
	TaskStatusStarted = "STARTED"
	TaskStatusError   = "ERROR"
	TaskStatusAborted = "ABORTED"
)

// Task rank constants. Each rank has an independent admission threshold.
const (
	RankCritical  = "CRITICAL"
	RankImportant = "IMPORTANT"
	RankOptional  = "OPTIONAL"
)

// Capability verdict constants.
const (
	VerdictAllowed   = "ALLOWED"
	VerdictDenied    = "DENIED"
	VerdictUnchecked = "UNCHECKED"
)

// SetupScope names the hierarchical setup identifiers a task may be pinned to.
// Empty fields mean "no constraint".
type SetupScope struct {
	Application    string `json:"application,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Infrastructure string `json:"infrastructure,omitempty"`
}

// IsEmpty reports whether the scope declares no constraints at all.
func (s SetupScope) IsEmpty() bool {
	return s.Application == "" && s.Environment == "" && s.Infrastructure == ""
}

// Delegate is a registered worker agent. Identity for re-registration upsert
// is (AccountID, GroupName, HostName, DelegateType).
type Delegate struct {
	ID            string
	AccountID     string
	Status        string
	HostName      string
	GroupName     string
	DelegateType  string
	ProfileID     string
	Description   string
	Version       string
	IP            string
	Tags          []string
	NG            bool
	PollingMode   bool
	IncludeScopes []SetupScope
	ExcludeScopes []SetupScope
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DelegateProfile is an account-level configuration profile assigned to
// delegates. The primary profile is the fallback when a delegate registers
// without an explicit one.
type DelegateProfile struct {
	ID               string
	AccountID        string
	Name             string
	Primary          bool
	NG               bool
	ApprovalRequired bool
	CreatedAt        time.Time
}

// DelegateConnection is one heartbeat session of a delegate. Connection ids
// are time-ordered so competing heartbeats can always be strictly ordered.
type DelegateConnection struct {
	ID            string
	AccountID     string
	DelegateID    string
	Version       string
	Disconnected  bool
	Location      string
	LastHeartbeat time.Time
}

// DelegateTask is a unit of work routed to exactly one capable delegate.
type DelegateTask struct {
	ID        string
	AccountID string
	Status    string
	Rank      string
	TaskType  string
	Payload   []byte
	Timeout   time.Duration
	WaitID    string
	Async     bool

	// DelegateID is the current assignee; empty while unassigned.
	DelegateID string

	AlreadyTried       []string
	Validating         []string
	ValidationComplete []string
	ValidationStarted  *time.Time

	// Eligible is the shortlist precomputed at enqueue time when the
	// capability-aware strategy is enabled.
	Eligible []string

	Selectors     []string
	Scope         SetupScope
	CapabilityIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTried reports whether the delegate already attempted this task.
func (t *DelegateTask) HasTried(delegateID string) bool {
	for _, id := range t.AlreadyTried {
		if id == delegateID {
			return true
		}
	}
	return false
}

// CapabilityRequirement is a deduplicated prerequisite shared by every task
// that declares the same (account, type, parameters) triple.
type CapabilityRequirement struct {
	ID         string
	AccountID  string
	Type       string
	Parameters string
	ValidUntil time.Time
	CreatedAt  time.Time
}

// CapabilityPermission is the cached verdict for one (delegate, capability)
// pair. A verdict older than RevalidateAfter is re-checked opportunistically.
type CapabilityPermission struct {
	AccountID       string
	DelegateID      string
	CapabilityID    string
	Verdict         string
	RevalidateAfter time.Time
	MaxValidUntil   time.Time
	UpdatedAt       time.Time
}

// CapabilitySelectionDetails carries the selector/scope constraints derived
// from a capability, plus a blocked flag that short-circuits repeated failing
// scope checks.
type CapabilitySelectionDetails struct {
	CapabilityID  string
	AccountID     string
	TaskSelectors []string
	Scope         SetupScope
	Blocked       bool
	UpdatedAt     time.Time
}

// SelectionLog records one selection decision for observability.
type SelectionLog struct {
	ID         string
	AccountID  string
	TaskID     string
	DelegateID string
	Conclusion string
	Message    string
	CreatedAt  time.Time
}

// DelegateStore persists delegates.
type DelegateStore interface {
	SaveDelegate(ctx context.Context, d *Delegate) error
	GetDelegate(ctx context.Context, accountID, delegateID string) (*Delegate, error)
	FindDelegateByIdentity(ctx context.Context, accountID, groupName, hostName, delegateType string) (*Delegate, error)
	ListDelegates(ctx context.Context, accountID string) ([]*Delegate, error)
	CountDelegates(ctx context.Context, accountID string) (int, error)
	// UpdateDelegateStatusIf transitions status only when the current status
	// matches expected; reports whether the transition was applied.
	UpdateDelegateStatusIf(ctx context.Context, accountID, delegateID, expected, next string) (bool, error)
	TouchDelegateHeartbeat(ctx context.Context, accountID, delegateID string, at time.Time) error
}

// ProfileStore persists delegate profiles.
type ProfileStore interface {
	SaveProfile(ctx context.Context, p *DelegateProfile) error
	GetProfile(ctx context.Context, accountID, profileID string) (*DelegateProfile, error)
	// GetPrimaryProfile returns the account's primary profile for the given
	// generation (NG or classic), or ErrNotFound.
	GetPrimaryProfile(ctx context.Context, accountID string, ng bool) (*DelegateProfile, error)
}

// ConnectionStore persists heartbeat connections. The find-and-delete and
// replace operations implement the conflict-resolution protocol of the
// connection tracker.
type ConnectionStore interface {
	// UpsertCurrentConnection writes the connection row for (account,
	// delegate) and returns the previous row for the same pair, if any.
	UpsertCurrentConnection(ctx context.Context, conn *DelegateConnection) (*DelegateConnection, error)
	// SaveConnection inserts or refreshes the given connection row.
	SaveConnection(ctx context.Context, conn *DelegateConnection) error
	// FindAndDeletePreviousConnections removes every other connection of the
	// same delegate and version and returns the newest one removed, if any.
	FindAndDeletePreviousConnections(ctx context.Context, accountID, delegateID, connectionID, version string) (*DelegateConnection, error)
	// ReplaceWithNewerConnection deletes the losing connection row and
	// restores the newer one that superseded it.
	ReplaceWithNewerConnection(ctx context.Context, losingConnectionID string, newer *DelegateConnection) error
	ListConnections(ctx context.Context, accountID, delegateID string) ([]*DelegateConnection, error)
	MarkDisconnected(ctx context.Context, accountID, delegateID string) error
	// HasLiveConnection reports whether at least one non-disconnected
	// connection row exists for the delegate within the account.
	HasLiveConnection(ctx context.Context, accountID, delegateID string) (bool, error)
}

// TaskStore persists tasks. All cross-agent races resolve through the
// conditional transitions below; there is no in-process locking.
type TaskStore interface {
	SaveTask(ctx context.Context, t *DelegateTask) error
	GetTask(ctx context.Context, accountID, taskID string) (*DelegateTask, error)
	DeleteTask(ctx context.Context, accountID, taskID string) error
	// ListQueuedTasks returns QUEUED, unassigned tasks oldest first.
	ListQueuedTasks(ctx context.Context, accountID string) ([]*DelegateTask, error)
	// CountActiveTasks counts QUEUED and STARTED tasks of the rank.
	CountActiveTasks(ctx context.Context, accountID, rank string) (int, error)
	// AcquireTask performs the atomic QUEUED -> STARTED transition, assigning
	// the delegate, only if the task is still QUEUED and unassigned.
	AcquireTask(ctx context.Context, accountID, taskID, delegateID string) (bool, error)
	// RequeueTask moves a task back to QUEUED, clears the assignee and
	// validation bookkeeping, and records the failed delegate as tried.
	RequeueTask(ctx context.Context, accountID, taskID, failedDelegateID string) (bool, error)
	// UpdateTaskStatusIf transitions status when the current status is one of
	// expected, returning the pre-update snapshot, or ErrNotFound when the
	// task is missing or in none of the expected states.
	UpdateTaskStatusIf(ctx context.Context, accountID, taskID string, expected []string, next string) (*DelegateTask, error)
	// AddValidatingDelegate records that the delegate began validation. Only
	// applies while the task is QUEUED and unassigned.
	AddValidatingDelegate(ctx context.Context, accountID, taskID, delegateID string, at time.Time) error
	AddValidationCompleteDelegate(ctx context.Context, accountID, taskID, delegateID string) error
	ClearValidation(ctx context.Context, accountID, taskID string) error
}

// CapabilityStore persists capability requirements, verdicts and selection
// details.
type CapabilityStore interface {
	FindRequirement(ctx context.Context, accountID, capType, parameters string) (*CapabilityRequirement, error)
	GetRequirement(ctx context.Context, accountID, capabilityID string) (*CapabilityRequirement, error)
	SaveRequirement(ctx context.Context, r *CapabilityRequirement) error
	ListRequirements(ctx context.Context, accountID string) ([]*CapabilityRequirement, error)
	GetPermission(ctx context.Context, delegateID, capabilityID string) (*CapabilityPermission, error)
	SavePermission(ctx context.Context, p *CapabilityPermission) error
	DeletePermission(ctx context.Context, delegateID, capabilityID string) error
	ListPermissionsForCapability(ctx context.Context, accountID, capabilityID string) ([]*CapabilityPermission, error)
	GetSelectionDetails(ctx context.Context, capabilityID string) (*CapabilitySelectionDetails, error)
	SaveSelectionDetails(ctx context.Context, d *CapabilitySelectionDetails) error
	SetSelectionDetailsBlocked(ctx context.Context, capabilityID string, blocked bool) error
}

// SelectionLogStore persists selection decision batches.
type SelectionLogStore interface {
	SaveSelectionLogs(ctx context.Context, logs []*SelectionLog) error
	ListSelectionLogs(ctx context.Context, accountID, taskID string) ([]*SelectionLog, error)
}

// Store composes every persistence interface. SQLiteStore implements all of
// them in a single struct.
type Store interface {
	DelegateStore
	ProfileStore
	ConnectionStore
	TaskStore
	CapabilityStore
	SelectionLogStore
	Close() error
}
