// Package continuation decides, after each completed unit of agent work,
// whether the agent should keep working. The Manager owns per-session state
// and registers itself on the completion event bus.
package continuation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/tiller/internal/bus"
	"github.com/strandlabs/tiller/internal/detect"
	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/telemetry"
)

const (
	// HandlerID identifies the manager's bus registration.
	HandlerID = "continuation-manager"
	// BusPriority places the manager after infrastructure handlers such as
	// the overseer bridge and before default-priority custom handlers.
	BusPriority = 50

	// EnqueueConfidence is the minimum signal confidence required, together
	// with an active goal, for an enqueue decision.
	EnqueueConfidence = 0.7

	// Signal history is trimmed to the most recent signalHistoryKeep entries
	// once it grows past signalHistoryCap.
	signalHistoryCap  = 100
	signalHistoryKeep = 50
)

// ManagedSession is the per-session state the manager accumulates. Sessions
// are created on the first event that references them and live until an
// explicit reset (or goal clear on a session that never took a turn).
type ManagedSession struct {
	SessionKey string
	TurnCount  int
	LastTurnAt time.Time
	Goal       *model.Goal
	Signals    []model.Signal
}

// Manager turns completion events and detector signals into continuation
// decisions. Its session table is process-local; sharing it across processes
// is not supported.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*ManagedSession
	detectors *detect.Registry
	logger    *logging.Logger

	detach func()
}

func NewManager(detectors *detect.Registry, logger *logging.Logger) *Manager {
	if detectors == nil {
		detectors = detect.NewRegistry()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		sessions:  make(map[string]*ManagedSession),
		detectors: detectors,
		logger:    logger,
	}
}

// Attach registers the manager on the bus at BusPriority and returns a stop
// function. Attaching an already-attached manager is a no-op returning the
// existing stop function.
func (m *Manager) Attach(b *bus.Bus) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detach != nil {
		return m.Detach
	}
	unregister := b.Register(m.HandleCompletion, bus.Options{
		ID:       HandlerID,
		Priority: bus.Priority(BusPriority),
	})
	m.detach = unregister
	return m.Detach
}

// Detach unregisters the manager from the bus. Safe to call repeatedly.
func (m *Manager) Detach() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Attached reports whether the manager is currently registered on a bus.
func (m *Manager) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detach != nil
}

// HandleCompletion is the manager's bus handler.
func (m *Manager) HandleCompletion(_ context.Context, ev model.CompletionEvent) (*model.Decision, error) {
	key := ev.Session()
	if key == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[key]
	if sess == nil {
		sess = &ManagedSession{SessionKey: key}
		m.sessions[key] = sess
	}

	// Turn counters advance before limit checks so the check sees the count
	// including the turn that just finished.
	if ev.Level() == model.LevelTurn {
		sess.TurnCount++
		sess.LastTurnAt = ev.When()
	}

	if dec := m.turnLimitDecision(sess); dec != nil {
		m.logger.Infof("session %s paused: %s", key, dec.Reason)
		return dec, nil
	}

	signals := m.detectors.Detect(ev)
	if len(signals) > 0 {
		telemetry.SignalsDetected.Add(float64(len(signals)))
		sess.Signals = append(sess.Signals, signals...)
		if len(sess.Signals) > signalHistoryCap {
			trimmed := sess.Signals[len(sess.Signals)-signalHistoryKeep:]
			sess.Signals = append([]model.Signal(nil), trimmed...)
		}
	}
	if len(signals) == 0 {
		return nil, nil
	}

	best := signals[0]
	for _, sig := range signals[1:] {
		if sig.Confidence > best.Confidence {
			best = sig
		}
	}

	goalActive := sess.Goal != nil && sess.Goal.Status == model.GoalActive
	if !goalActive || best.Confidence < EnqueueConfidence {
		m.logger.Debugf("session %s: signal %q (%.2f) below enqueue gate", key, best.Reason, best.Confidence)
		return nil, nil
	}

	turnsUsed := sess.TurnCount
	return &model.Decision{
		Action:     model.ActionEnqueue,
		NextPrompt: best.SuggestedPrompt,
		Reason:     best.Reason,
		GoalUpdate: &model.GoalPatch{TurnsUsed: &turnsUsed},
	}, nil
}

// turnLimitDecision returns the paused-goal short-circuit once a session has
// used up its goal's turn budget: the turn that reaches the budget is still
// allowed to complete normally, the next one pauses. Caller holds m.mu.
func (m *Manager) turnLimitDecision(sess *ManagedSession) *model.Decision {
	goal := sess.Goal
	if goal == nil || goal.Status != model.GoalActive || goal.MaxTurns <= 0 {
		return nil
	}
	if sess.TurnCount <= goal.MaxTurns {
		return nil
	}
	paused := model.GoalPaused
	return &model.Decision{
		Action:     model.ActionNone,
		Reason:     fmt.Sprintf("Max turns (%d) reached", goal.MaxTurns),
		GoalUpdate: &model.GoalPatch{Status: &paused},
	}
}

// SetGoal declares or replaces the session's goal, creating the session
// record if needed.
func (m *Manager) SetGoal(sessionKey string, goal model.Goal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionKey]
	if sess == nil {
		sess = &ManagedSession{SessionKey: sessionKey}
		m.sessions[sessionKey] = sess
	}
	g := goal
	sess.Goal = &g
}

// ClearGoal removes the session's goal. A session that never took a turn is
// deleted outright; otherwise the record persists with its turn history.
func (m *Manager) ClearGoal(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionKey]
	if sess == nil {
		return
	}
	if sess.TurnCount == 0 {
		delete(m.sessions, sessionKey)
		return
	}
	sess.Goal = nil
}

// Session returns a copy of the managed session, if one exists.
func (m *Manager) Session(sessionKey string) (ManagedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionKey]
	if sess == nil {
		return ManagedSession{}, false
	}
	return m.copySession(sess), true
}

// Signals returns a copy of the session's signal history.
func (m *Manager) Signals(sessionKey string) []model.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionKey]
	if sess == nil {
		return nil
	}
	return append([]model.Signal(nil), sess.Signals...)
}

// Reset drops all session state. Test and operational use only.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*ManagedSession)
}

func (m *Manager) copySession(sess *ManagedSession) ManagedSession {
	out := ManagedSession{
		SessionKey: sess.SessionKey,
		TurnCount:  sess.TurnCount,
		LastTurnAt: sess.LastTurnAt,
		Signals:    append([]model.Signal(nil), sess.Signals...),
	}
	if sess.Goal != nil {
		g := *sess.Goal
		out.Goal = &g
	}
	return out
}
