// Package worker runs the polling claim/execute/report loops that drain a
// work queue. Item execution itself is pluggable; the pool owns claiming,
// attempt records, retry bookkeeping, and backoff.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/store"
	"github.com/strandlabs/tiller/internal/telemetry"
)

// ItemHandler executes one claimed work item and returns its result payload.
type ItemHandler func(ctx context.Context, item store.WorkItem) (json.RawMessage, error)

// ItemError marks a task failure as recoverable or not. Plain errors are
// treated as recoverable.
type ItemError struct {
	Message     string
	Recoverable bool
}

func (e *ItemError) Error() string { return e.Message }

// Unrecoverable wraps an error so the terminal failure record tells
// operators a manual retry will not help.
func Unrecoverable(err error) error {
	return &ItemError{Message: err.Error(), Recoverable: false}
}

// maxBackoffDoublings caps the consecutive-error backoff so a failing
// dependency is retried within bounded time.
const maxBackoffDoublings = 5

// Config drives one Pool.
type Config struct {
	QueueID      string
	Identity     model.Identity
	Workstream   string
	Count        int
	PollInterval time.Duration
	Handler      ItemHandler
}

// Pool runs Count worker loops against one queue.
type Pool struct {
	store  *store.Store
	cfg    Config
	logger *logging.Logger
	tick   chan struct{}
}

func NewPool(s *store.Store, cfg Config, logger *logging.Logger) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		store:  s,
		cfg:    cfg,
		logger: logger,
		tick:   make(chan struct{}, 1),
	}
}

// Tick asks the pool to poll immediately instead of waiting out the current
// interval. Used by the overseer bridge's out-of-band scheduling requests.
func (p *Pool) Tick() {
	select {
	case p.tick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, then drains the loops.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	consecutiveErrs := 0
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.store.ClaimNextItem(ctx, p.cfg.QueueID, p.cfg.Identity, store.ClaimOptions{
			Workstream: p.cfg.Workstream,
		})
		if err != nil {
			consecutiveErrs++
			wait := loopBackoff(p.cfg.PollInterval, consecutiveErrs)
			p.logger.Errorf("worker %d claim failed (streak %d, backing off %s): %v", worker, consecutiveErrs, wait, err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		consecutiveErrs = 0

		if item == nil {
			if !p.idle(ctx) {
				return
			}
			continue
		}

		telemetry.ItemsClaimed.Inc()
		telemetry.ItemsInFlight.Inc()
		p.execute(ctx, worker, *item)
		telemetry.ItemsInFlight.Dec()
	}
}

// idle waits for the poll interval, an out-of-band tick, or shutdown.
// Returns false on shutdown.
func (p *Pool) idle(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.tick:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Pool) execute(ctx context.Context, worker int, item store.WorkItem) {
	started := time.Now().UTC()
	result, execErr := p.runHandler(ctx, item)
	completed := time.Now().UTC()
	durationMs := completed.Sub(started).Milliseconds()

	attempt := item.RetryCount + 1
	outcome := "success"
	errText := ""
	if execErr != nil {
		outcome = "error"
		errText = execErr.Error()
	}
	if _, err := p.store.RecordExecution(ctx, store.RecordExecutionParams{
		ItemID:        item.ID,
		AttemptNumber: attempt,
		SessionKey:    p.cfg.Identity.SessionKey,
		Outcome:       outcome,
		Error:         errText,
		StartedAt:     started,
		CompletedAt:   &completed,
		DurationMs:    durationMs,
	}); err != nil {
		p.logger.Errorf("worker %d record execution for %s: %v", worker, item.ID, err)
	}

	if execErr == nil {
		p.complete(ctx, worker, item, result, completed)
		return
	}
	p.fail(ctx, worker, item, execErr)
}

// runHandler isolates handler panics the same way the bus isolates handler
// faults: a panicking item handler fails the item, not the loop.
func (p *Pool) runHandler(ctx context.Context, item store.WorkItem) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.cfg.Handler(ctx, item)
}

func (p *Pool) complete(ctx context.Context, worker int, item store.WorkItem, result json.RawMessage, completed time.Time) {
	patch := store.ItemPatch{
		Status:       store.Set(store.StatusCompleted),
		StatusReason: store.Set("completed"),
		LastOutcome:  store.Set("success"),
		CompletedAt:  store.Set(completed),
	}
	if len(result) > 0 {
		patch.Result = store.Set(result)
	}
	if _, err := p.store.UpdateItem(ctx, item.ID, patch); err != nil {
		p.logger.Errorf("worker %d complete item %s: %v", worker, item.ID, err)
		return
	}
	telemetry.ItemsCompleted.Inc()
	p.logger.Infof("worker %d completed item %s attempt=%d", worker, item.ID, item.RetryCount+1)
}

// fail either requeues the item for another attempt or marks it terminally
// failed once the retry budget is exhausted. A nil MaxRetries enforces no
// budget; zero makes the first failure terminal.
func (p *Pool) fail(ctx context.Context, worker int, item store.WorkItem, execErr error) {
	recoverable := true
	var itemErr *ItemError
	if errors.As(execErr, &itemErr) {
		recoverable = itemErr.Recoverable
	}

	exhausted := item.MaxRetries != nil && item.RetryCount >= *item.MaxRetries
	if !recoverable || exhausted {
		errPayload, _ := json.Marshal(map[string]any{
			"message":     execErr.Error(),
			"recoverable": recoverable && !exhausted,
		})
		reason := "failed: " + execErr.Error()
		if exhausted {
			reason = fmt.Sprintf("failed after %d attempts: %s", item.RetryCount+1, execErr.Error())
		}
		_, err := p.store.UpdateItem(ctx, item.ID, store.ItemPatch{
			Status:       store.Set(store.StatusFailed),
			StatusReason: store.Set(reason),
			LastOutcome:  store.Set("error"),
			Error:        store.Set(json.RawMessage(errPayload)),
		})
		if err != nil {
			p.logger.Errorf("worker %d fail item %s: %v", worker, item.ID, err)
			return
		}
		telemetry.ItemsFailed.Inc()
		p.logger.Warnf("worker %d item %s terminally failed: %v", worker, item.ID, execErr)
		return
	}

	_, err := p.store.UpdateItem(ctx, item.ID, store.ItemPatch{
		Status:       store.Set(store.StatusPending),
		StatusReason: store.Set("requeued after failure: " + execErr.Error()),
		LastOutcome:  store.Set("error"),
		RetryCount:   store.Set(item.RetryCount + 1),
		AssignedTo:   store.Clear[model.Identity](),
		StartedAt:    store.Clear[time.Time](),
	})
	if err != nil {
		p.logger.Errorf("worker %d requeue item %s: %v", worker, item.ID, err)
		return
	}
	telemetry.ItemsRequeued.Inc()
	p.logger.Infof("worker %d requeued item %s retry=%d: %v", worker, item.ID, item.RetryCount+1, execErr)
}

// loopBackoff doubles the poll interval per consecutive loop error, capped
// at maxBackoffDoublings doublings, with jitter so workers do not stampede.
func loopBackoff(base time.Duration, streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	doublings := streak - 1
	if doublings > maxBackoffDoublings {
		doublings = maxBackoffDoublings
	}
	wait := base << uint(doublings)
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
