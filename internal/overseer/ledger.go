// Package overseer maintains the durable assignment ledger and the bridge
// that replays completion events onto it.
package overseer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no matching assignment exists.
var ErrNotFound = errors.New("assignment not found")

// AssignmentStatus is the lifecycle state of one delegated piece of work.
type AssignmentStatus string

const (
	StatusDispatched AssignmentStatus = "dispatched"
	StatusActive     AssignmentStatus = "active"
	StatusStalled    AssignmentStatus = "stalled"
	StatusBlocked    AssignmentStatus = "blocked"
	StatusDone       AssignmentStatus = "done"
	StatusCancelled  AssignmentStatus = "cancelled"
)

// IsTerminal reports whether lookups should skip the assignment.
func (s AssignmentStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Assignment is the overseer's durable record of one active piece of
// delegated work, distinct from a work item. At most one non-terminal
// assignment per session is expected; creation enforces it.
type Assignment struct {
	AssignmentID           string
	SessionKey             string
	RunID                  string
	GoalID                 string
	Status                 AssignmentStatus
	RetryCount             int
	LastRetryAt            *time.Time
	LastObservedActivityAt *time.Time
	UpdatedAt              time.Time
	BlockedReason          string
	RecoveryPolicy         string
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS assignments (
	assignment_id             TEXT PRIMARY KEY,
	session_key               TEXT NOT NULL,
	run_id                    TEXT NOT NULL DEFAULT '',
	goal_id                   TEXT NOT NULL DEFAULT '',
	status                    TEXT NOT NULL DEFAULT 'dispatched',
	retry_count               INTEGER NOT NULL DEFAULT 0,
	last_retry_at             TEXT,
	last_observed_activity_at TEXT,
	updated_at                TEXT NOT NULL,
	blocked_reason            TEXT NOT NULL DEFAULT '',
	recovery_policy           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_assignments_session ON assignments(session_key, status);
CREATE INDEX IF NOT EXISTS idx_assignments_run ON assignments(run_id, status);
`

// Ledger wraps the SQLite database holding assignments. It lives in its own
// file, separate from the work queue store.
type Ledger struct {
	db   *sql.DB
	path string
}

// OpenLedger creates or opens the assignment ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// CreateAssignmentParams collects inputs for CreateAssignment.
type CreateAssignmentParams struct {
	SessionKey     string
	RunID          string
	GoalID         string
	RecoveryPolicy string
}

// CreateAssignment inserts a new dispatched assignment. A session may hold
// at most one non-terminal assignment; a second is rejected so lookups stay
// unambiguous.
func (l *Ledger) CreateAssignment(ctx context.Context, p CreateAssignmentParams) (Assignment, error) {
	if p.SessionKey == "" {
		return Assignment{}, errors.New("session key required")
	}
	if existing, err := l.FindBySessionKey(ctx, p.SessionKey); err == nil {
		return Assignment{}, fmt.Errorf("session %s already has non-terminal assignment %s", p.SessionKey, existing.AssignmentID)
	} else if !errors.Is(err, ErrNotFound) {
		return Assignment{}, err
	}

	now := time.Now().UTC()
	a := Assignment{
		AssignmentID:   uuid.New().String(),
		SessionKey:     p.SessionKey,
		RunID:          p.RunID,
		GoalID:         p.GoalID,
		Status:         StatusDispatched,
		UpdatedAt:      now,
		RecoveryPolicy: p.RecoveryPolicy,
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO assignments (assignment_id, session_key, run_id, goal_id, status, retry_count,
			last_retry_at, last_observed_activity_at, updated_at, blocked_reason, recovery_policy)
		VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, ?, '', ?)
	`, a.AssignmentID, a.SessionKey, a.RunID, a.GoalID, a.Status, fmtTime(now), a.RecoveryPolicy)
	if err != nil {
		return Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	return a, nil
}

const assignmentColumns = `assignment_id, session_key, run_id, goal_id, status, retry_count,
	last_retry_at, last_observed_activity_at, updated_at, blocked_reason, recovery_policy`

// Get fetches an assignment by id, terminal or not.
func (l *Ledger) Get(ctx context.Context, assignmentID string) (Assignment, error) {
	return l.scanOne(l.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = ?`, assignmentID))
}

// FindBySessionKey returns the first non-terminal assignment for a session.
func (l *Ledger) FindBySessionKey(ctx context.Context, sessionKey string) (Assignment, error) {
	return l.scanOne(l.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE session_key = ? AND status NOT IN (?, ?) LIMIT 1
	`, sessionKey, StatusDone, StatusCancelled))
}

// FindByRunID returns the first non-terminal assignment stamped with a run.
func (l *Ledger) FindByRunID(ctx context.Context, runID string) (Assignment, error) {
	if runID == "" {
		return Assignment{}, ErrNotFound
	}
	return l.scanOne(l.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE run_id = ? AND status NOT IN (?, ?) LIMIT 1
	`, runID, StatusDone, StatusCancelled))
}

// Mutate runs fn against the current row inside one read-modify-write
// transaction, so concurrent event deliveries cannot lose updates.
func (l *Ledger) Mutate(ctx context.Context, assignmentID string, fn func(*Assignment) error) (Assignment, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	a, err := l.scanOne(tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = ?`, assignmentID))
	if err != nil {
		return Assignment{}, err
	}
	if err := fn(&a); err != nil {
		return Assignment{}, err
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE assignments SET session_key = ?, run_id = ?, goal_id = ?, status = ?, retry_count = ?,
			last_retry_at = ?, last_observed_activity_at = ?, updated_at = ?, blocked_reason = ?, recovery_policy = ?
		WHERE assignment_id = ?
	`, a.SessionKey, a.RunID, a.GoalID, a.Status, a.RetryCount,
		fmtTimePtr(a.LastRetryAt), fmtTimePtr(a.LastObservedActivityAt), fmtTime(a.UpdatedAt),
		a.BlockedReason, a.RecoveryPolicy, a.AssignmentID)
	if err != nil {
		return Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *Ledger) scanOne(row rowScanner) (Assignment, error) {
	var a Assignment
	var lastRetry, lastActivity sql.NullString
	var updated string
	err := row.Scan(&a.AssignmentID, &a.SessionKey, &a.RunID, &a.GoalID, &a.Status, &a.RetryCount,
		&lastRetry, &lastActivity, &updated, &a.BlockedReason, &a.RecoveryPolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("scan assignment: %w", err)
	}
	a.LastRetryAt = parseTimePtr(lastRetry)
	a.LastObservedActivityAt = parseTimePtr(lastActivity)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
