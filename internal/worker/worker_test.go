package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/store"
)

func newWorkerStore(t *testing.T) (*store.Store, store.WorkQueue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q, err := s.CreateQueue(context.Background(), store.CreateQueueParams{
		AgentID:          "agent-1",
		ConcurrencyLimit: 5,
	})
	require.NoError(t, err)
	return s, q
}

func intPtr(n int) *int { return &n }

func claimOne(t *testing.T, s *store.Store, queueID string) store.WorkItem {
	t.Helper()
	item, err := s.ClaimNextItem(context.Background(), queueID, model.Identity{AgentID: "w1", SessionKey: "sess-1"}, store.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, item)
	return *item
}

func newPool(s *store.Store, queueID string, handler ItemHandler) *Pool {
	return NewPool(s, Config{
		QueueID:      queueID,
		Identity:     model.Identity{AgentID: "w1", SessionKey: "sess-1"},
		Handler:      handler,
		PollInterval: 10 * time.Millisecond,
	}, nil)
}

func TestExecute_Success(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task"})
	require.NoError(t, err)
	claimed := claimOne(t, s, q.ID)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		return json.RawMessage(`{"rows":42}`), nil
	})
	pool.execute(ctx, 0, claimed)

	got, err := s.GetItem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "success", got.LastOutcome)
	assert.JSONEq(t, `{"rows":42}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	execs, err := s.ListExecutions(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].AttemptNumber)
	assert.Equal(t, "success", execs[0].Outcome)
	assert.Equal(t, "sess-1", execs[0].SessionKey)
}

func TestExecute_RequeueOnRecoverableFailure(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	// A nil retry budget means failures always requeue.
	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task"})
	require.NoError(t, err)
	claimed := claimOne(t, s, q.ID)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		return nil, errors.New("upstream flaked")
	})
	pool.execute(ctx, 0, claimed)

	got, err := s.GetItem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.StatusReason, "upstream flaked")
	assert.Equal(t, "error", got.LastOutcome)
	assert.Nil(t, got.AssignedTo, "requeue must release the assignment")
	assert.Nil(t, got.StartedAt)

	execs, err := s.ListExecutions(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "error", execs[0].Outcome)
	assert.Contains(t, execs[0].Error, "upstream flaked")
}

func TestExecute_ZeroMaxRetriesFailsTerminally(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	claimed := claimOne(t, s, q.ID)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	pool.execute(ctx, 0, claimed)

	got, err := s.GetItem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.StatusReason, "failed after 1 attempts")

	var payload struct {
		Message     string `json:"message"`
		Recoverable bool   `json:"recoverable"`
	}
	require.NoError(t, json.Unmarshal(got.Error, &payload))
	assert.Equal(t, "boom", payload.Message)
	assert.False(t, payload.Recoverable, "an exhausted budget is not recoverable")
}

func TestExecute_RetryBudgetExhaustion(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task", MaxRetries: intPtr(2)})
	require.NoError(t, err)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		return nil, errors.New("still failing")
	})

	// Attempts 1 and 2 requeue; attempt 3 exhausts the two-retry budget.
	var last store.WorkItem
	for attempt := 1; attempt <= 3; attempt++ {
		claimed := claimOne(t, s, q.ID)
		pool.execute(ctx, 0, claimed)
		got, err := s.GetItem(ctx, claimed.ID)
		require.NoError(t, err)
		last = got
		if attempt < 3 {
			assert.Equal(t, store.StatusPending, got.Status, "attempt %d should requeue", attempt)
			assert.Equal(t, attempt, got.RetryCount)
		}
	}
	assert.Equal(t, store.StatusFailed, last.Status)
	assert.Contains(t, last.StatusReason, "failed after 3 attempts")

	execs, err := s.ListExecutions(ctx, last.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	for i, e := range execs {
		assert.Equal(t, i+1, e.AttemptNumber)
	}
}

func TestExecute_UnrecoverableFailsImmediately(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	// Plenty of retry budget, but the error says retrying will not help.
	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task", MaxRetries: intPtr(10)})
	require.NoError(t, err)
	claimed := claimOne(t, s, q.ID)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		return nil, Unrecoverable(errors.New("bad payload"))
	})
	pool.execute(ctx, 0, claimed)

	got, err := s.GetItem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	var payload struct {
		Recoverable bool `json:"recoverable"`
	}
	require.NoError(t, json.Unmarshal(got.Error, &payload))
	assert.False(t, payload.Recoverable)
}

func TestExecute_HandlerPanicFailsItem(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx := context.Background()

	_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task", MaxRetries: intPtr(0)})
	require.NoError(t, err)
	claimed := claimOne(t, s, q.ID)

	pool := newPool(s, q.ID, func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
		panic("handler bug")
	})
	pool.execute(ctx, 0, claimed)

	got, err := s.GetItem(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.StatusReason, "handler panic")
}

func TestPool_RunDrainsQueue(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const itemCount = 5
	for i := 0; i < itemCount; i++ {
		_, err := s.CreateItem(ctx, store.CreateItemParams{QueueID: q.ID, Title: "task"})
		require.NoError(t, err)
	}

	done := make(chan string, itemCount)
	pool := NewPool(s, Config{
		QueueID:      q.ID,
		Identity:     model.Identity{AgentID: "w1"},
		Count:        2,
		PollInterval: 10 * time.Millisecond,
		Handler: func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
			done <- item.ID
			return nil, nil
		},
	}, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < itemCount {
		select {
		case id := <-done:
			seen[id] = true
		case <-deadline:
			t.Fatalf("timed out, processed %d of %d items", len(seen), itemCount)
		}
	}

	cancel()
	require.NoError(t, <-runDone)

	// Every item reached a terminal state.
	completed, err := s.ListItems(context.Background(), store.ItemFilter{QueueID: q.ID, Status: store.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, itemCount)
}

func TestPool_TickWakesIdleWorker(t *testing.T) {
	s, q := newWorkerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{}, 1)
	pool := NewPool(s, Config{
		QueueID:      q.ID,
		Identity:     model.Identity{AgentID: "w1"},
		PollInterval: time.Hour, // only a tick can wake the worker in test time
		Handler: func(ctx context.Context, item store.WorkItem) (json.RawMessage, error) {
			done <- struct{}{}
			return nil, nil
		},
	}, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	// Let the worker go idle on the empty queue, then enqueue and tick.
	time.Sleep(50 * time.Millisecond)
	_, err := s.CreateItem(context.Background(), store.CreateItemParams{QueueID: q.ID, Title: "task"})
	require.NoError(t, err)
	pool.Tick()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not wake the idle worker")
	}
	cancel()
	require.NoError(t, <-runDone)
}

func TestLoopBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	for streak := 1; streak <= 10; streak++ {
		wait := loopBackoff(base, streak)
		doublings := streak - 1
		if doublings > maxBackoffDoublings {
			doublings = maxBackoffDoublings
		}
		full := base << uint(doublings)
		assert.GreaterOrEqual(t, wait, full/2, "streak %d", streak)
		assert.LessOrEqual(t, wait, full, "streak %d", streak)
	}

	// Streaks past the cap never exceed the capped window.
	capped := base << maxBackoffDoublings
	assert.LessOrEqual(t, loopBackoff(base, 100), capped)
}

func TestExecHandler(t *testing.T) {
	item := store.WorkItem{
		ID:      "item-1",
		QueueID: "q-1",
		Title:   "echo task",
		Payload: json.RawMessage(`{"n":1}`),
	}

	t.Run("json stdout becomes the result", func(t *testing.T) {
		handler, err := NewExecHandler([]string{"sh", "-c", `cat > /dev/null; echo '{"ok":true}'`})
		require.NoError(t, err)
		result, err := handler(context.Background(), item)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(result))
	})

	t.Run("plain stdout is wrapped", func(t *testing.T) {
		handler, err := NewExecHandler([]string{"sh", "-c", `cat > /dev/null; echo all done`})
		require.NoError(t, err)
		result, err := handler(context.Background(), item)
		require.NoError(t, err)
		assert.JSONEq(t, `{"output":"all done"}`, string(result))
	})

	t.Run("empty stdout yields no result", func(t *testing.T) {
		handler, err := NewExecHandler([]string{"sh", "-c", `cat > /dev/null`})
		require.NoError(t, err)
		result, err := handler(context.Background(), item)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("non-zero exit surfaces stderr", func(t *testing.T) {
		handler, err := NewExecHandler([]string{"sh", "-c", `cat > /dev/null; echo broken >&2; exit 1`})
		require.NoError(t, err)
		_, err = handler(context.Background(), item)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("item arrives on stdin", func(t *testing.T) {
		handler, err := NewExecHandler([]string{"sh", "-c", `cat`})
		require.NoError(t, err)
		result, err := handler(context.Background(), item)
		require.NoError(t, err)

		var payload execPayload
		require.NoError(t, json.Unmarshal(result, &payload))
		assert.Equal(t, "item-1", payload.ID)
		assert.Equal(t, "echo task", payload.Title)
		assert.JSONEq(t, `{"n":1}`, string(payload.Payload))
	})

	_, err := NewExecHandler(nil)
	assert.Error(t, err)
}
