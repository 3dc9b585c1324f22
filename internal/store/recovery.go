package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/telemetry"
)

// RecoverOrphanedWorkItems is the startup recovery entry point, run once
// before the first claim. When the database file was never created there is
// nothing to recover, and the check must not create storage as a side
// effect.
func RecoverOrphanedWorkItems(ctx context.Context, path string, logger *logging.Logger) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	s, err := Open(path)
	if err != nil {
		return 0, fmt.Errorf("open store for recovery: %w", err)
	}
	defer s.Close()
	return s.RecoverOrphans(ctx, logger)
}

// RecoverOrphans resets every in_progress item left behind by a crashed
// process back to pending, explicitly clearing its assignment and start
// time. Items are recovered independently: one failure is logged and does
// not block the rest. Running it again immediately finds nothing to touch.
func (s *Store) RecoverOrphans(ctx context.Context, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	orphans, err := s.ListItems(ctx, ItemFilter{Status: StatusInProgress})
	if err != nil {
		return 0, fmt.Errorf("list orphaned items: %w", err)
	}

	recovered := 0
	for _, item := range orphans {
		label := "unknown"
		if item.AssignedTo != nil {
			label = item.AssignedTo.Label()
		}
		reason := fmt.Sprintf("requeued after restart; previous assignment %s did not complete", label)
		_, err := s.UpdateItem(ctx, item.ID, ItemPatch{
			Status:       Set(StatusPending),
			StatusReason: Set(reason),
			AssignedTo:   Clear[model.Identity](),
			StartedAt:    Clear[time.Time](),
		})
		if err != nil {
			logger.Errorf("recover item %s: %v", item.ID, err)
			continue
		}
		logger.Infof("recovered orphaned item %s (was assigned to %s)", item.ID, label)
		recovered++
	}
	if recovered > 0 {
		telemetry.ItemsRecovered.Add(float64(recovered))
	}
	return recovered, nil
}
