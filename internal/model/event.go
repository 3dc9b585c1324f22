// Package model defines the data structures shared by the completion
// pipeline: events, signals, decisions, and goals.
package model

import "time"

// Level identifies which kind of completion an event reports.
type Level string

const (
	LevelTurn  Level = "turn"
	LevelRun   Level = "run"
	LevelQueue Level = "queue"
)

// CompletionEvent is the tagged union dispatched on the bus. The level is
// fixed by the concrete type; consumers switch on it exhaustively.
type CompletionEvent interface {
	Level() Level
	// Session returns the session key the event refers to, or "" when the
	// event is not tied to a session (possible for queue-level events).
	Session() string
	When() time.Time
}

// ToolError records the last failed tool call of a turn.
type ToolError struct {
	ToolName string `json:"tool_name"`
	Error    string `json:"error"`
}

// SelfReport is a structured progress report produced by the agent itself
// during a turn, replayed onto the assignment ledger by the overseer bridge.
type SelfReport struct {
	Status   string   `json:"status"`
	Summary  string   `json:"summary,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

// TurnEvent reports that one agent turn finished.
type TurnEvent struct {
	SessionKey           string
	RunID                string
	Timestamp            time.Time
	AssistantTexts       []string
	SentViaMessagingTool bool
	LastToolError        *ToolError
	SelfReport           *SelfReport
}

func (e TurnEvent) Level() Level    { return LevelTurn }
func (e TurnEvent) Session() string { return e.SessionKey }
func (e TurnEvent) When() time.Time { return e.Timestamp }

// RunEvent reports that a full agent run finished.
type RunEvent struct {
	SessionKey    string
	RunID         string
	Timestamp     time.Time
	Model         string
	Provider      string
	AutoCompacted bool
	PayloadCount  int
}

func (e RunEvent) Level() Level    { return LevelRun }
func (e RunEvent) Session() string { return e.SessionKey }
func (e RunEvent) When() time.Time { return e.Timestamp }

// QueueEvent reports that a queue drain pass finished.
type QueueEvent struct {
	SessionKey     string
	QueueKey       string
	Timestamp      time.Time
	ItemsProcessed int
	QueueEmpty     bool
}

func (e QueueEvent) Level() Level    { return LevelQueue }
func (e QueueEvent) Session() string { return e.SessionKey }
func (e QueueEvent) When() time.Time { return e.Timestamp }
