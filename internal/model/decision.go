package model

// Signal is a confidence-scored continuation hypothesis emitted by a
// detector. Signals are never mutated after creation.
type Signal struct {
	Level           Level   `json:"level"`
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	SuggestedPrompt string  `json:"suggested_prompt,omitempty"`
}

// Action is what the caller should do with a decision.
type Action string

const (
	ActionEnqueue Action = "enqueue"
	ActionNone    Action = "none"
)

// Decision is the outcome of dispatching a completion event. When Action is
// ActionEnqueue, NextPrompt carries the follow-up prompt to queue. GoalUpdate,
// when present, is a patch the caller applies to the authoritative goal.
type Decision struct {
	Action     Action     `json:"action"`
	NextPrompt string     `json:"next_prompt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	GoalUpdate *GoalPatch `json:"goal_update,omitempty"`
}

// GoalStatus is the lifecycle state of a session goal.
type GoalStatus string

const (
	GoalActive  GoalStatus = "active"
	GoalPaused  GoalStatus = "paused"
	GoalBlocked GoalStatus = "blocked"
	GoalDone    GoalStatus = "done"
)

// Goal is a per-session continuation policy. MaxTurns of zero means no turn
// budget is enforced.
type Goal struct {
	MaxTurns int        `json:"max_turns,omitempty"`
	Status   GoalStatus `json:"status"`
}

// GoalPatch is a partial goal update. Nil fields are untouched.
type GoalPatch struct {
	Status    *GoalStatus `json:"status,omitempty"`
	MaxTurns  *int        `json:"max_turns,omitempty"`
	TurnsUsed *int        `json:"turns_used,omitempty"`
}

// Identity names who created or currently holds a work item.
type Identity struct {
	AgentID    string `json:"agent_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// Label is the human-readable form used in status reasons and recovery
// messages: session key first, then agent id, else "unknown".
func (id Identity) Label() string {
	if id.SessionKey != "" {
		return id.SessionKey
	}
	if id.AgentID != "" {
		return id.AgentID
	}
	return "unknown"
}
