package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordExecutionParams collects inputs for one execution-attempt record.
type RecordExecutionParams struct {
	ItemID        string
	AttemptNumber int
	SessionKey    string
	Outcome       string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    int64
}

// RecordExecution appends one attempt record. Execution history is
// append-only and independent of the item's mutable status.
func (s *Store) RecordExecution(ctx context.Context, p RecordExecutionParams) (WorkItemExecution, error) {
	if p.ItemID == "" {
		return WorkItemExecution{}, errors.New("item id required")
	}
	exec := WorkItemExecution{
		ID:            uuid.New().String(),
		ItemID:        p.ItemID,
		AttemptNumber: p.AttemptNumber,
		SessionKey:    p.SessionKey,
		Outcome:       p.Outcome,
		Error:         p.Error,
		StartedAt:     p.StartedAt.UTC(),
		CompletedAt:   p.CompletedAt,
		DurationMs:    p.DurationMs,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_item_executions (id, item_id, attempt_number, session_key, outcome, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.ItemID, exec.AttemptNumber, exec.SessionKey, exec.Outcome, exec.Error,
		fmtTime(exec.StartedAt), fmtTimePtr(exec.CompletedAt), exec.DurationMs)
	if err != nil {
		return WorkItemExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns an item's attempt history in attempt order.
func (s *Store) ListExecutions(ctx context.Context, itemID string) ([]WorkItemExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, attempt_number, session_key, outcome, error, started_at, completed_at, duration_ms
		FROM work_item_executions WHERE item_id = ? ORDER BY attempt_number ASC, started_at ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []WorkItemExecution
	for rows.Next() {
		var e WorkItemExecution
		var started string
		var completed sql.NullString
		if err := rows.Scan(&e.ID, &e.ItemID, &e.AttemptNumber, &e.SessionKey, &e.Outcome, &e.Error, &started, &completed, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.StartedAt = parseTime(started)
		e.CompletedAt = parseTimePtr(completed)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// StoreTranscript archives an opaque conversation transcript for an item.
func (s *Store) StoreTranscript(ctx context.Context, itemID, content string) (Transcript, error) {
	if itemID == "" {
		return Transcript{}, errors.New("item id required")
	}
	t := Transcript{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_item_transcripts (id, item_id, content, created_at)
		VALUES (?, ?, ?, ?)
	`, t.ID, t.ItemID, t.Content, fmtTime(t.CreatedAt))
	if err != nil {
		return Transcript{}, fmt.Errorf("insert transcript: %w", err)
	}
	return t, nil
}

// GetTranscript fetches a transcript by id.
func (s *Store) GetTranscript(ctx context.Context, id string) (Transcript, error) {
	var t Transcript
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, item_id, content, created_at FROM work_item_transcripts WHERE id = ?
	`, id).Scan(&t.ID, &t.ItemID, &t.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("scan transcript: %w", err)
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

// ListTranscripts returns an item's transcripts, oldest first.
func (s *Store) ListTranscripts(ctx context.Context, itemID string) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, content, created_at FROM work_item_transcripts
		WHERE item_id = ? ORDER BY created_at ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		var created string
		if err := rows.Scan(&t.ID, &t.ItemID, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}
