package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndRead(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	stamped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TS: stamped, Type: "continuation.run.completed", AssignmentID: "a-1", Data: map[string]any{"model": "large"}},
		{Type: "continuation.turn.silent", AssignmentID: "a-1", GoalID: "g-1"},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := ReadEntries(logPath)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Type != "continuation.run.completed" {
		t.Errorf("expected first entry type preserved, got %q", got[0].Type)
	}
	if !got[0].TS.Equal(stamped) {
		t.Errorf("explicit timestamp not preserved: %v", got[0].TS)
	}
	if got[0].Data["model"] != "large" {
		t.Errorf("data payload not preserved: %v", got[0].Data)
	}
	if got[1].TS.IsZero() {
		t.Error("zero timestamps must be stamped on append")
	}
	if got[1].GoalID != "g-1" {
		t.Errorf("expected goal id preserved, got %q", got[1].GoalID)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	// Tiny cap so a handful of entries forces rotation.
	l, err := NewLogger(logPath, 256)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		err := l.Append(Entry{
			Type:         "continuation.turn.tool_error",
			AssignmentID: "assignment-with-a-long-identifier",
			Data:         map[string]any{"error": "some moderately long error text to grow the file"},
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	archived, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archived) == 0 {
		t.Fatal("expected at least one rotated file")
	}
	for _, f := range archived {
		if filepath.Ext(f.Name()) != ".jsonl" {
			t.Errorf("archived file %s lost its extension", f.Name())
		}
	}

	// The live file keeps accepting entries after rotation.
	if err := l.Append(Entry{Type: "continuation.turn.silent"}); err != nil {
		t.Fatalf("Append after rotation: %v", err)
	}
	entries, err := ReadEntries(logPath)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected entries in the live file after rotation")
	}
}

func TestReadEntries_SkipsMalformedLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"ts":"2026-03-01T12:00:00Z","type":"continuation.turn.silent"}
not json at all
{"ts":"2026-03-01T12:01:00Z","type":"continuation.run.completed"}
`
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	entries, err := ReadEntries(logPath)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) < 1 {
		t.Fatal("expected the valid leading entry to survive")
	}
	if entries[0].Type != "continuation.turn.silent" {
		t.Errorf("unexpected first entry: %q", entries[0].Type)
	}
}

func TestClose_Idempotent(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
