// Package store is the durable work-queue substrate: queues, items,
// execution attempts, and transcripts in a single SQLite database. The
// schema is the on-disk contract external tooling may read directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/strandlabs/tiller/internal/lock"
)

// ErrNotFound is returned when a queue, item, or transcript does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS work_queues (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	concurrency_limit INTEGER NOT NULL DEFAULT 1,
	default_priority  INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS work_items (
	id             TEXT PRIMARY KEY,
	queue_id       TEXT NOT NULL REFERENCES work_queues(id),
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	status         TEXT NOT NULL DEFAULT 'pending',
	status_reason  TEXT NOT NULL DEFAULT '',
	parent_item_id TEXT,
	depends_on     TEXT NOT NULL DEFAULT '[]',
	blocked_by     TEXT NOT NULL DEFAULT '[]',
	created_by     TEXT,
	assigned_to    TEXT,
	priority       INTEGER NOT NULL DEFAULT 0,
	tags           TEXT NOT NULL DEFAULT '[]',
	result         TEXT,
	error          TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER,
	deadline       TEXT,
	last_outcome   TEXT NOT NULL DEFAULT '',
	workstream     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_work_items_queue_status ON work_items(queue_id, status);
CREATE INDEX IF NOT EXISTS idx_work_items_priority_created ON work_items(priority, created_at);

CREATE TABLE IF NOT EXISTS work_item_executions (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL REFERENCES work_items(id),
	attempt_number INTEGER NOT NULL,
	session_key    TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	completed_at   TEXT,
	duration_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_item ON work_item_executions(item_id, attempt_number);

CREATE TABLE IF NOT EXISTS work_item_transcripts (
	id         TEXT PRIMARY KEY,
	item_id    TEXT NOT NULL REFERENCES work_items(id),
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_item ON work_item_transcripts(item_id, created_at);
`

// Store wraps the SQLite database holding queues, items, executions, and
// transcripts.
type Store struct {
	db     *sql.DB
	path   string
	claims *lock.MutexMap
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between concurrent claimers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path, claims: lock.NewMutexMap()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// CreateQueue inserts queue metadata. Agent id uniqueness is enforced by the
// schema; a duplicate fails synchronously.
func (s *Store) CreateQueue(ctx context.Context, p CreateQueueParams) (WorkQueue, error) {
	if p.AgentID == "" {
		return WorkQueue{}, errors.New("agent id required")
	}
	if p.ConcurrencyLimit < 1 {
		p.ConcurrencyLimit = 1
	}
	now := time.Now().UTC()
	q := WorkQueue{
		ID:               uuid.New().String(),
		AgentID:          p.AgentID,
		Name:             p.Name,
		ConcurrencyLimit: p.ConcurrencyLimit,
		DefaultPriority:  p.DefaultPriority,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if q.Name == "" {
		q.Name = p.AgentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_queues (id, agent_id, name, concurrency_limit, default_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.AgentID, q.Name, q.ConcurrencyLimit, q.DefaultPriority, fmtTime(now), fmtTime(now))
	if err != nil {
		return WorkQueue{}, fmt.Errorf("insert queue: %w", err)
	}
	return q, nil
}

// UpdateQueue rewrites mutable queue metadata.
func (s *Store) UpdateQueue(ctx context.Context, id string, name string, concurrencyLimit, defaultPriority int) (WorkQueue, error) {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_queues SET name = ?, concurrency_limit = ?, default_priority = ?, updated_at = ?
		WHERE id = ?
	`, name, concurrencyLimit, defaultPriority, fmtTime(now), id)
	if err != nil {
		return WorkQueue{}, fmt.Errorf("update queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return WorkQueue{}, fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	return s.GetQueue(ctx, id)
}

// GetQueue fetches a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (WorkQueue, error) {
	return s.scanQueue(s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, concurrency_limit, default_priority, created_at, updated_at
		FROM work_queues WHERE id = ?
	`, id))
}

// GetQueueByAgent fetches the single queue owned by an agent.
func (s *Store) GetQueueByAgent(ctx context.Context, agentID string) (WorkQueue, error) {
	return s.scanQueue(s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, concurrency_limit, default_priority, created_at, updated_at
		FROM work_queues WHERE agent_id = ?
	`, agentID))
}

func (s *Store) scanQueue(row *sql.Row) (WorkQueue, error) {
	var q WorkQueue
	var created, updated string
	err := row.Scan(&q.ID, &q.AgentID, &q.Name, &q.ConcurrencyLimit, &q.DefaultPriority, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkQueue{}, ErrNotFound
	}
	if err != nil {
		return WorkQueue{}, fmt.Errorf("scan queue: %w", err)
	}
	q.CreatedAt = parseTime(created)
	q.UpdatedAt = parseTime(updated)
	return q, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
