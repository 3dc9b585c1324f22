package overseer

import (
	"context"
	"time"

	"github.com/strandlabs/tiller/internal/audit"
	"github.com/strandlabs/tiller/internal/model"
)

// ReportStructuredUpdate lets external collaborators push a self-report into
// the ledger outside the event pipeline.
func (br *Bridge) ReportStructuredUpdate(ctx context.Context, sessionKey string, report model.SelfReport) (Assignment, error) {
	a, err := br.cfg.Ledger.FindBySessionKey(ctx, sessionKey)
	if err != nil {
		return Assignment{}, err
	}
	return br.cfg.Ledger.Mutate(ctx, a.AssignmentID, func(as *Assignment) error {
		now := time.Now().UTC()
		as.LastObservedActivityAt = &now
		applySelfReport(as, report)
		br.appendAudit(audit.Entry{
			Type:         "overseer.report.manual",
			AssignmentID: as.AssignmentID,
			GoalID:       as.GoalID,
			Data: map[string]any{
				"status":   report.Status,
				"summary":  report.Summary,
				"blockers": report.Blockers,
			},
		})
		return nil
	})
}

// MarkAssignmentNeedsRecovery flags an assignment as stalled so the next
// scheduling pass picks it up, and requests an immediate tick when wired.
func (br *Bridge) MarkAssignmentNeedsRecovery(ctx context.Context, assignmentID, reason string) (Assignment, error) {
	updated, err := br.cfg.Ledger.Mutate(ctx, assignmentID, func(as *Assignment) error {
		as.Status = StatusStalled
		as.BlockedReason = reason
		br.appendAudit(audit.Entry{
			Type:         "overseer.recovery.requested",
			AssignmentID: as.AssignmentID,
			GoalID:       as.GoalID,
			Data:         map[string]any{"reason": reason},
		})
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	br.requestTick("recovery requested for assignment " + assignmentID)
	return updated, nil
}
