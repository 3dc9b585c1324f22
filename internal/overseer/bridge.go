package overseer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/strandlabs/tiller/internal/audit"
	"github.com/strandlabs/tiller/internal/bus"
	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/telemetry"
)

const (
	// HandlerID identifies the bridge's bus registration.
	HandlerID = "overseer-bridge"
	// BusPriority places the bridge before the continuation manager so
	// durable state is updated before default-priority consumers observe
	// the event. The bridge never returns a decision, so this ordering only
	// affects audit timing.
	BusPriority = 25
)

// BridgeConfig wires the bridge's collaborators. RequestTick, when set and
// AutoTick is enabled, asks the scheduler for an out-of-band evaluation pass.
type BridgeConfig struct {
	Ledger   *Ledger
	Audit    *audit.Logger
	Logger   *logging.Logger
	AutoTick bool

	// Lifecycle hooks; both optional.
	OnTurnIssue          func(a Assignment, reason string)
	OnAssignmentActivity func(a Assignment)

	RequestTick func(reason string)
}

// Bridge is the second bus subscriber: it maps completion events onto
// assignment-ledger mutations and audit entries.
type Bridge struct {
	cfg BridgeConfig

	mu       sync.Mutex
	autoTick bool
	detach   func()
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Bridge{cfg: cfg, autoTick: cfg.AutoTick}
}

// SetAutoTick enables or disables out-of-band tick requests at runtime.
// Config hot reload calls it when overseer.auto_tick changes.
func (br *Bridge) SetAutoTick(enabled bool) {
	br.mu.Lock()
	br.autoTick = enabled
	br.mu.Unlock()
}

// Attach registers the bridge on the bus at BusPriority and returns a stop
// function. Attaching twice is a no-op.
func (br *Bridge) Attach(b *bus.Bus) func() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.detach != nil {
		return br.Detach
	}
	br.detach = b.Register(br.handle, bus.Options{ID: HandlerID, Priority: bus.Priority(BusPriority)})
	return br.Detach
}

// Detach unregisters the bridge. Safe to call repeatedly.
func (br *Bridge) Detach() {
	br.mu.Lock()
	detach := br.detach
	br.detach = nil
	br.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// handle never returns a decision and never propagates errors to the bus;
// failures are logged per level so the bridge cannot interfere with
// continuation routing.
func (br *Bridge) handle(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
	var err error
	switch e := ev.(type) {
	case model.TurnEvent:
		err = br.handleTurn(ctx, e)
	case model.RunEvent:
		err = br.handleRun(ctx, e)
	case model.QueueEvent:
		err = br.handleQueue(ctx, e)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		br.cfg.Logger.Errorf("bridge %s event: %v", ev.Level(), err)
	}
	return nil, nil
}

// locate finds the tracked assignment for an event: session key first, then
// run id. ErrNotFound means the event is not for a tracked assignment.
func (br *Bridge) locate(ctx context.Context, sessionKey, runID string) (Assignment, error) {
	if sessionKey != "" {
		if a, err := br.cfg.Ledger.FindBySessionKey(ctx, sessionKey); err == nil {
			return a, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Assignment{}, err
		}
	}
	return br.cfg.Ledger.FindByRunID(ctx, runID)
}

func (br *Bridge) handleTurn(ctx context.Context, ev model.TurnEvent) error {
	a, err := br.locate(ctx, ev.SessionKey, ev.RunID)
	if err != nil {
		return err
	}

	var issueReason string
	updated, err := br.cfg.Ledger.Mutate(ctx, a.AssignmentID, func(as *Assignment) error {
		now := time.Now().UTC()
		if ev.LastToolError != nil {
			as.RetryCount++
			as.LastRetryAt = &now
			issueReason = ev.LastToolError.Error
			br.appendAudit(audit.Entry{
				Type:         "continuation.turn.tool_error",
				AssignmentID: as.AssignmentID,
				GoalID:       as.GoalID,
				Data: map[string]any{
					"tool":  ev.LastToolError.ToolName,
					"error": ev.LastToolError.Error,
				},
			})
		}
		if len(ev.AssistantTexts) == 0 && !ev.SentViaMessagingTool {
			br.appendAudit(audit.Entry{
				Type:         "continuation.turn.silent",
				AssignmentID: as.AssignmentID,
				GoalID:       as.GoalID,
			})
		}
		as.LastObservedActivityAt = &now
		if as.Status == StatusStalled {
			as.Status = StatusActive
		}
		if ev.SelfReport != nil {
			applySelfReport(as, *ev.SelfReport)
			br.appendAudit(audit.Entry{
				Type:         "continuation.turn.self_report",
				AssignmentID: as.AssignmentID,
				GoalID:       as.GoalID,
				Data: map[string]any{
					"status":   ev.SelfReport.Status,
					"summary":  ev.SelfReport.Summary,
					"blockers": ev.SelfReport.Blockers,
				},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if issueReason != "" && br.cfg.OnTurnIssue != nil {
		br.cfg.OnTurnIssue(updated, issueReason)
	}
	if br.cfg.OnAssignmentActivity != nil {
		br.cfg.OnAssignmentActivity(updated)
	}
	return nil
}

func (br *Bridge) handleRun(ctx context.Context, ev model.RunEvent) error {
	a, err := br.locate(ctx, ev.SessionKey, ev.RunID)
	if err != nil {
		return err
	}

	updated, err := br.cfg.Ledger.Mutate(ctx, a.AssignmentID, func(as *Assignment) error {
		now := time.Now().UTC()
		as.RunID = ev.RunID
		as.LastObservedActivityAt = &now
		if as.Status == StatusStalled || as.Status == StatusDispatched {
			as.Status = StatusActive
		}
		br.appendAudit(audit.Entry{
			Type:         "continuation.run.completed",
			AssignmentID: as.AssignmentID,
			GoalID:       as.GoalID,
			Data: map[string]any{
				"model":          ev.Model,
				"provider":       ev.Provider,
				"auto_compacted": ev.AutoCompacted,
				"payload_count":  ev.PayloadCount,
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	if br.cfg.OnAssignmentActivity != nil {
		br.cfg.OnAssignmentActivity(updated)
	}
	br.requestTick("run completed for session " + updated.SessionKey)
	return nil
}

func (br *Bridge) handleQueue(ctx context.Context, ev model.QueueEvent) error {
	if ev.SessionKey == "" {
		return nil
	}
	a, err := br.cfg.Ledger.FindBySessionKey(ctx, ev.SessionKey)
	if err != nil {
		return err
	}

	updated, err := br.cfg.Ledger.Mutate(ctx, a.AssignmentID, func(as *Assignment) error {
		now := time.Now().UTC()
		as.LastObservedActivityAt = &now
		br.appendAudit(audit.Entry{
			Type:         "continuation.queue.drained",
			AssignmentID: as.AssignmentID,
			GoalID:       as.GoalID,
			Data: map[string]any{
				"queue":           ev.QueueKey,
				"items_processed": ev.ItemsProcessed,
				"queue_empty":     ev.QueueEmpty,
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	if br.cfg.OnAssignmentActivity != nil {
		br.cfg.OnAssignmentActivity(updated)
	}
	if ev.QueueEmpty {
		br.requestTick("queue " + ev.QueueKey + " drained")
	}
	return nil
}

func (br *Bridge) requestTick(reason string) {
	br.mu.Lock()
	enabled := br.autoTick
	br.mu.Unlock()
	if !enabled || br.cfg.RequestTick == nil {
		return
	}
	telemetry.TicksRequested.Inc()
	br.cfg.RequestTick(reason)
}

func (br *Bridge) appendAudit(entry audit.Entry) {
	if br.cfg.Audit == nil {
		return
	}
	if err := br.cfg.Audit.Append(entry); err != nil {
		br.cfg.Logger.Errorf("append audit entry %s: %v", entry.Type, err)
	}
}

// applySelfReport maps a structured agent self-report onto the assignment so
// progress is visible without waiting for the next poll cycle.
func applySelfReport(as *Assignment, report model.SelfReport) {
	switch report.Status {
	case "active", "working":
		as.Status = StatusActive
	case "blocked":
		as.Status = StatusBlocked
		if len(report.Blockers) > 0 {
			as.BlockedReason = report.Blockers[0]
		} else if report.Summary != "" {
			as.BlockedReason = report.Summary
		}
	case "done", "completed":
		as.Status = StatusDone
	case "stalled":
		as.Status = StatusStalled
	}
}
