package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/tiller/internal/model"
)

const itemColumns = `id, queue_id, title, description, payload, status, status_reason,
	parent_item_id, depends_on, blocked_by, created_by, assigned_to, priority, tags,
	result, error, retry_count, max_retries, deadline, last_outcome, workstream,
	created_at, updated_at, started_at, completed_at`

// CreateItem inserts a new work item in status pending. List-valued fields
// default to empty; priority defaults to the owning queue's default.
func (s *Store) CreateItem(ctx context.Context, p CreateItemParams) (WorkItem, error) {
	if p.Title == "" {
		return WorkItem{}, errors.New("title required")
	}
	q, err := s.GetQueue(ctx, p.QueueID)
	if err != nil {
		return WorkItem{}, fmt.Errorf("queue %s: %w", p.QueueID, err)
	}
	if p.ParentItemID != "" {
		if _, err := s.GetItem(ctx, p.ParentItemID); err != nil {
			return WorkItem{}, fmt.Errorf("parent item %s: %w", p.ParentItemID, err)
		}
	}

	now := time.Now().UTC()
	item := WorkItem{
		ID:           uuid.New().String(),
		QueueID:      q.ID,
		Title:        p.Title,
		Description:  p.Description,
		Payload:      p.Payload,
		Status:       StatusPending,
		ParentItemID: p.ParentItemID,
		DependsOn:    emptyIfNil(p.DependsOn),
		BlockedBy:    emptyIfNil(p.BlockedBy),
		CreatedBy:    p.CreatedBy,
		Priority:     q.DefaultPriority,
		Tags:         emptyIfNil(p.Tags),
		MaxRetries:   p.MaxRetries,
		Deadline:     p.Deadline,
		Workstream:   p.Workstream,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.Priority != nil {
		item.Priority = *p.Priority
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, queue_id, title, description, payload, status, status_reason,
			parent_item_id, depends_on, blocked_by, created_by, assigned_to, priority, tags,
			result, error, retry_count, max_retries, deadline, last_outcome, workstream,
			created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, NULL, ?, ?, NULL, NULL, 0, ?, ?, '', ?, ?, ?, NULL, NULL)
	`,
		item.ID, item.QueueID, item.Title, item.Description, rawOrNil(item.Payload), item.Status,
		nullIfEmpty(item.ParentItemID), mustJSON(item.DependsOn), mustJSON(item.BlockedBy),
		identityOrNil(item.CreatedBy), item.Priority, mustJSON(item.Tags),
		intPtrOrNil(item.MaxRetries), fmtTimePtr(item.Deadline), item.Workstream,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, ErrNotFound
	}
	return item, err
}

// ListItems returns items matching the filter, oldest first.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]WorkItem, error) {
	var conds []string
	var args []any
	if f.QueueID != "" {
		conds = append(conds, "queue_id = ?")
		args = append(args, f.QueueID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Workstream != "" {
		conds = append(conds, "workstream = ?")
		args = append(args, f.Workstream)
	}
	if f.AssignedTo != "" {
		conds = append(conds, "(json_extract(assigned_to, '$.agent_id') = ? OR json_extract(assigned_to, '$.session_key') = ?)")
		args = append(args, f.AssignedTo, f.AssignedTo)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItem applies a partial update. Fields absent from the patch are
// untouched; fields explicitly cleared are removed from storage. A status
// change is validated against the item state machine.
func (s *Store) UpdateItem(ctx context.Context, id string, patch ItemPatch) (WorkItem, error) {
	current, err := s.GetItem(ctx, id)
	if err != nil {
		return WorkItem{}, err
	}
	if patch.Status.Present() && !patch.Status.Cleared() {
		if err := ValidateItemTransition(current.Status, patch.Status.Value()); err != nil {
			return WorkItem{}, err
		}
	}
	if patch.ParentItemID.Present() && !patch.ParentItemID.Cleared() && patch.ParentItemID.Value() != "" {
		if err := s.validateParent(ctx, id, patch.ParentItemID.Value()); err != nil {
			return WorkItem{}, err
		}
	}

	var sets []string
	var args []any
	add := func(clause string, value any) {
		sets = append(sets, clause)
		args = append(args, value)
	}

	applyString := func(col string, f Field[string], clearTo any) {
		if !f.Present() {
			return
		}
		if f.Cleared() {
			add(col+" = ?", clearTo)
			return
		}
		add(col+" = ?", f.Value())
	}

	applyString("title", patch.Title, "")
	applyString("description", patch.Description, "")
	applyString("status_reason", patch.StatusReason, "")
	applyString("last_outcome", patch.LastOutcome, "")
	applyString("workstream", patch.Workstream, "")
	applyString("parent_item_id", patch.ParentItemID, nil)

	if patch.Status.Present() && !patch.Status.Cleared() {
		add("status = ?", string(patch.Status.Value()))
	}
	if patch.Payload.Present() {
		add("payload = ?", clearedOr(patch.Payload.Cleared(), rawOrNil(patch.Payload.Value())))
	}
	if patch.Result.Present() {
		add("result = ?", clearedOr(patch.Result.Cleared(), rawOrNil(patch.Result.Value())))
	}
	if patch.Error.Present() {
		add("error = ?", clearedOr(patch.Error.Cleared(), rawOrNil(patch.Error.Value())))
	}
	if patch.DependsOn.Present() {
		add("depends_on = ?", jsonOrEmptyList(patch.DependsOn))
	}
	if patch.BlockedBy.Present() {
		add("blocked_by = ?", jsonOrEmptyList(patch.BlockedBy))
	}
	if patch.Tags.Present() {
		add("tags = ?", jsonOrEmptyList(patch.Tags))
	}
	if patch.AssignedTo.Present() {
		if patch.AssignedTo.Cleared() {
			add("assigned_to = ?", nil)
		} else {
			ident := patch.AssignedTo.Value()
			add("assigned_to = ?", identityOrNil(&ident))
		}
	}
	if patch.Priority.Present() && !patch.Priority.Cleared() {
		add("priority = ?", patch.Priority.Value())
	}
	if patch.RetryCount.Present() && !patch.RetryCount.Cleared() {
		add("retry_count = ?", patch.RetryCount.Value())
	}
	if patch.MaxRetries.Present() {
		if patch.MaxRetries.Cleared() {
			add("max_retries = ?", nil)
		} else {
			add("max_retries = ?", patch.MaxRetries.Value())
		}
	}
	applyTime := func(col string, f Field[time.Time]) {
		if !f.Present() {
			return
		}
		if f.Cleared() {
			add(col+" = ?", nil)
			return
		}
		add(col+" = ?", fmtTime(f.Value()))
	}
	applyTime("deadline", patch.Deadline)
	applyTime("started_at", patch.StartedAt)
	applyTime("completed_at", patch.CompletedAt)

	if len(sets) == 0 {
		return current, nil
	}
	add("updated_at = ?", fmtTime(time.Now().UTC()))

	args = append(args, id)
	_, err = s.db.ExecContext(ctx, "UPDATE work_items SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return WorkItem{}, fmt.Errorf("update item: %w", err)
	}
	return s.GetItem(ctx, id)
}

// validateParent keeps parent links a tree: the parent must exist and the
// ancestor chain above it must not lead back to the item itself.
func (s *Store) validateParent(ctx context.Context, itemID, parentID string) error {
	for cur := parentID; cur != ""; {
		if cur == itemID {
			return fmt.Errorf("parent %s would create a cycle for item %s", parentID, itemID)
		}
		ancestor, err := s.GetItem(ctx, cur)
		if err != nil {
			return fmt.Errorf("parent item %s: %w", cur, err)
		}
		cur = ancestor.ParentItemID
	}
	return nil
}

// ClaimNextItem atomically claims the best pending item in a queue: highest
// priority first, oldest within a tier, optionally scoped to a workstream.
// It returns nil without error when nothing is claimable or the queue's
// concurrency limit is saturated. Claims against the same queue serialize on
// a per-queue mutex, so concurrent callers can never double-claim an item.
func (s *Store) ClaimNextItem(ctx context.Context, queueID string, identity model.Identity, opts ClaimOptions) (*WorkItem, error) {
	s.claims.Lock("claim:" + queueID)
	defer s.claims.Unlock("claim:" + queueID)

	q, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", queueID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var inProgress int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items WHERE queue_id = ? AND status = ?
	`, queueID, StatusInProgress).Scan(&inProgress); err != nil {
		return nil, fmt.Errorf("count in-progress: %w", err)
	}
	if inProgress >= q.ConcurrencyLimit {
		return nil, nil
	}

	query := `SELECT ` + itemColumns + ` FROM work_items WHERE queue_id = ? AND status = ?`
	args := []any{queueID, StatusPending}
	if opts.Workstream != "" {
		query += " AND workstream = ?"
		args = append(args, opts.Workstream)
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1"

	item, err := scanItem(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, assigned_to = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusInProgress, identityOrNil(&identity), fmtTime(now), fmtTime(now), item.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another writer; treat as nothing claimable this round.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	item.Status = StatusInProgress
	item.AssignedTo = &identity
	item.StartedAt = &now
	item.UpdatedAt = now
	return &item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (WorkItem, error) {
	var item WorkItem
	var payload, result, errPayload sql.NullString
	var parentID, createdBy, assignedTo sql.NullString
	var maxRetries sql.NullInt64
	var dependsOn, blockedBy, tags string
	var deadline, startedAt, completedAt sql.NullString
	var created, updated string

	err := row.Scan(
		&item.ID, &item.QueueID, &item.Title, &item.Description, &payload, &item.Status,
		&item.StatusReason, &parentID, &dependsOn, &blockedBy, &createdBy, &assignedTo,
		&item.Priority, &tags, &result, &errPayload, &item.RetryCount, &maxRetries,
		&deadline, &item.LastOutcome, &item.Workstream, &created, &updated, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkItem{}, err
		}
		return WorkItem{}, fmt.Errorf("scan item: %w", err)
	}

	item.Payload = rawFromNull(payload)
	item.Result = rawFromNull(result)
	item.Error = rawFromNull(errPayload)
	item.ParentItemID = parentID.String
	item.DependsOn = mustStrings(dependsOn)
	item.BlockedBy = mustStrings(blockedBy)
	item.Tags = mustStrings(tags)
	item.CreatedBy = identityFromNull(createdBy)
	item.AssignedTo = identityFromNull(assignedTo)
	if maxRetries.Valid {
		n := int(maxRetries.Int64)
		item.MaxRetries = &n
	}
	item.Deadline = parseTimePtr(deadline)
	item.CreatedAt = parseTime(created)
	item.UpdatedAt = parseTime(updated)
	item.StartedAt = parseTimePtr(startedAt)
	item.CompletedAt = parseTimePtr(completedAt)
	return item, nil
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func mustStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFromNull(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func identityOrNil(id *model.Identity) any {
	if id == nil {
		return nil
	}
	b, err := json.Marshal(id)
	if err != nil {
		return nil
	}
	return string(b)
}

func identityFromNull(s sql.NullString) *model.Identity {
	if !s.Valid || s.String == "" {
		return nil
	}
	var id model.Identity
	if err := json.Unmarshal([]byte(s.String), &id); err != nil {
		return nil
	}
	return &id
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtrOrNil(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func clearedOr(cleared bool, value any) any {
	if cleared {
		return nil
	}
	return value
}

func jsonOrEmptyList(f Field[[]string]) string {
	if f.Cleared() {
		return "[]"
	}
	return mustJSON(emptyIfNil(f.Value()))
}
