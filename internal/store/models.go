package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandlabs/tiller/internal/model"
)

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusBlocked    ItemStatus = "blocked"
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
)

var terminalStatuses = map[ItemStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Item status transitions: pending ↔ in_progress → terminal, with blocked as
// a parking state reachable from (and back to) pending.
var validItemTransitions = map[ItemStatus]map[ItemStatus]bool{
	StatusPending: {
		StatusBlocked:    true,
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusBlocked: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusInProgress: {
		StatusPending:   true, // requeue for retry or crash recovery
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s ItemStatus) bool {
	return terminalStatuses[s]
}

// ValidateItemTransition rejects transitions the item state machine does not
// allow. Same-status updates are permitted so patches can touch other fields.
func ValidateItemTransition(from, to ItemStatus) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validItemTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid item transition: %q → %q", from, to)
	}
	return nil
}

// WorkQueue holds one agent's durable queue metadata. Exactly one queue
// exists per agent id.
type WorkQueue struct {
	ID               string
	AgentID          string
	Name             string
	ConcurrencyLimit int
	DefaultPriority  int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkItem is one schedulable unit of agent work. Higher Priority values are
// claimed first; within a priority tier the oldest item wins.
type WorkItem struct {
	ID           string
	QueueID      string
	Title        string
	Description  string
	Payload      json.RawMessage
	Status       ItemStatus
	StatusReason string
	ParentItemID string
	DependsOn    []string
	BlockedBy    []string
	CreatedBy    *model.Identity
	AssignedTo   *model.Identity
	Priority     int
	Tags         []string
	Result       json.RawMessage
	Error        json.RawMessage
	RetryCount   int
	// MaxRetries distinguishes three retry regimes: nil enforces no retry
	// budget, zero makes the first failure terminal, n allows n retries.
	MaxRetries  *int
	Deadline    *time.Time
	LastOutcome string
	Workstream  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WorkItemExecution is one append-only execution-attempt record.
type WorkItemExecution struct {
	ID            string
	ItemID        string
	AttemptNumber int
	SessionKey    string
	Outcome       string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    int64
}

// Transcript is an opaque archived conversation keyed by work item.
type Transcript struct {
	ID        string
	ItemID    string
	Content   string
	CreatedAt time.Time
}

// CreateQueueParams collects inputs for CreateQueue.
type CreateQueueParams struct {
	AgentID          string
	Name             string
	ConcurrencyLimit int
	DefaultPriority  int
}

// CreateItemParams collects inputs for CreateItem. Zero-valued fields take
// the documented defaults (status pending, empty lists, queue default
// priority).
type CreateItemParams struct {
	QueueID      string
	Title        string
	Description  string
	Payload      json.RawMessage
	ParentItemID string
	DependsOn    []string
	BlockedBy    []string
	CreatedBy    *model.Identity
	Priority     *int
	Tags         []string
	MaxRetries   *int
	Deadline     *time.Time
	Workstream   string
}

// ItemPatch is a partial work-item update. Unset fields are untouched;
// cleared fields are removed from storage.
type ItemPatch struct {
	Title        Field[string]
	Description  Field[string]
	Payload      Field[json.RawMessage]
	Status       Field[ItemStatus]
	StatusReason Field[string]
	ParentItemID Field[string]
	DependsOn    Field[[]string]
	BlockedBy    Field[[]string]
	AssignedTo   Field[model.Identity]
	Priority     Field[int]
	Tags         Field[[]string]
	Result       Field[json.RawMessage]
	Error        Field[json.RawMessage]
	RetryCount   Field[int]
	MaxRetries   Field[int]
	Deadline     Field[time.Time]
	LastOutcome  Field[string]
	Workstream   Field[string]
	StartedAt    Field[time.Time]
	CompletedAt  Field[time.Time]
}

// ItemFilter narrows ListItems. Zero values mean "any".
type ItemFilter struct {
	QueueID    string
	Status     ItemStatus
	AssignedTo string // matches either agent id or session key
	Workstream string
}

// ClaimOptions scopes a claim to a workstream partition.
type ClaimOptions struct {
	Workstream string
}
