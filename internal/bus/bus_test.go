package bus

import (
	"context"
	"testing"
	"time"

	"github.com/strandlabs/tiller/internal/model"
)

func turnEvent(session string) model.TurnEvent {
	return model.TurnEvent{
		SessionKey:     session,
		RunID:          "run-1",
		Timestamp:      time.Now().UTC(),
		AssistantTexts: []string{"done"},
	}
}

func TestBus_PriorityOrdering(t *testing.T) {
	b := New(nil)

	var order []int
	record := func(p int) Handler {
		return func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
			order = append(order, p)
			return nil, nil
		}
	}

	// Register out of order; dispatch must run ascending.
	b.Register(record(100), Options{ID: "h100", Priority: Priority(100)})
	b.Register(record(25), Options{ID: "h25", Priority: Priority(25)})
	b.Register(record(50), Options{ID: "h50", Priority: Priority(50)})

	b.Dispatch(context.Background(), turnEvent("s1"))

	want := []int{25, 50, 100}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("invocation %d: expected priority %d, got %d", i, want[i], order[i])
		}
	}
}

func TestBus_ZeroAndNegativePrioritiesRunFirst(t *testing.T) {
	b := New(nil)

	var order []string
	record := func(id string) Handler {
		return func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
			order = append(order, id)
			return nil, nil
		}
	}

	// Unset priority defaults to 100; explicit 0 and negatives are honored
	// and run ahead of everything else.
	b.Register(record("default"), Options{ID: "default"})
	b.Register(record("zero"), Options{ID: "zero", Priority: Priority(0)})
	b.Register(record("negative"), Options{ID: "negative", Priority: Priority(-10)})
	b.Register(record("bridge"), Options{ID: "bridge", Priority: Priority(25)})

	b.Dispatch(context.Background(), turnEvent("s1"))

	want := []string{"negative", "zero", "bridge", "default"}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBus_EqualPriorityKeepsInsertionOrder(t *testing.T) {
	b := New(nil)

	var order []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
			order = append(order, id)
			return nil, nil
		}, Options{ID: id, Priority: Priority(50)})
	}

	b.Dispatch(context.Background(), turnEvent("s1"))

	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBus_ShortCircuitOnActionableDecision(t *testing.T) {
	b := New(nil)

	invokedLater := false
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		return &model.Decision{Action: model.ActionEnqueue, NextPrompt: "continue", Reason: "keep going"}, nil
	}, Options{ID: "decider", Priority: Priority(10)})
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		invokedLater = true
		return nil, nil
	}, Options{ID: "later", Priority: Priority(20)})

	dec := b.Dispatch(context.Background(), turnEvent("s1"))
	if dec.Action != model.ActionEnqueue {
		t.Fatalf("expected enqueue, got %s", dec.Action)
	}
	if dec.NextPrompt != "continue" {
		t.Errorf("expected prompt to survive, got %q", dec.NextPrompt)
	}
	if invokedLater {
		t.Error("later handler ran after an actionable decision")
	}
}

func TestBus_NoneWithSideInformationShortCircuits(t *testing.T) {
	b := New(nil)

	paused := model.GoalPaused
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		return &model.Decision{Action: model.ActionNone, GoalUpdate: &model.GoalPatch{Status: &paused}}, nil
	}, Options{ID: "pauser", Priority: Priority(10)})

	invokedLater := false
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		invokedLater = true
		return nil, nil
	}, Options{ID: "later"})

	dec := b.Dispatch(context.Background(), turnEvent("s1"))
	if dec.GoalUpdate == nil || dec.GoalUpdate.Status == nil || *dec.GoalUpdate.Status != model.GoalPaused {
		t.Fatalf("expected goal update to survive, got %+v", dec.GoalUpdate)
	}
	if dec.Reason != "decided by pauser" {
		t.Errorf("expected defaulted reason, got %q", dec.Reason)
	}
	if invokedLater {
		t.Error("later handler ran after a decision carrying side information")
	}
}

func TestBus_PlainNoneDoesNotShortCircuit(t *testing.T) {
	b := New(nil)

	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		return &model.Decision{Action: model.ActionNone}, nil
	}, Options{ID: "quiet", Priority: Priority(10)})

	invokedLater := false
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		invokedLater = true
		return nil, nil
	}, Options{ID: "later"})

	dec := b.Dispatch(context.Background(), turnEvent("s1"))
	if dec.Action != model.ActionNone {
		t.Fatalf("expected none, got %s", dec.Action)
	}
	if !invokedLater {
		t.Error("a bare none decision must not stop dispatch")
	}
}

func TestBus_LevelFiltering(t *testing.T) {
	b := New(nil)

	turnOnly := 0
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		turnOnly++
		return nil, nil
	}, Options{ID: "turn-only", Levels: []model.Level{model.LevelTurn}})

	b.Dispatch(context.Background(), turnEvent("s1"))
	b.Dispatch(context.Background(), model.QueueEvent{QueueKey: "q1", Timestamp: time.Now()})

	if turnOnly != 1 {
		t.Errorf("expected 1 turn invocation, got %d", turnOnly)
	}
}

func TestBus_HandlerFaultIsolation(t *testing.T) {
	b := New(nil)

	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		panic("boom")
	}, Options{ID: "panicky", Priority: Priority(10)})

	reached := false
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		reached = true
		return &model.Decision{Action: model.ActionEnqueue, NextPrompt: "go", Reason: "after panic"}, nil
	}, Options{ID: "survivor", Priority: Priority(20)})

	dec := b.Dispatch(context.Background(), turnEvent("s1"))
	if !reached {
		t.Fatal("handler after a panicking one never ran")
	}
	if dec.Action != model.ActionEnqueue {
		t.Errorf("expected the surviving handler's decision, got %s", dec.Action)
	}
}

func TestBus_Unregister(t *testing.T) {
	b := New(nil)

	calls := 0
	unregister := b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		calls++
		return nil, nil
	}, Options{ID: "temp"})

	b.Dispatch(context.Background(), turnEvent("s1"))
	unregister()
	b.Dispatch(context.Background(), turnEvent("s1"))

	if calls != 1 {
		t.Errorf("expected 1 call after unregister, got %d", calls)
	}
	if b.Len() != 0 {
		t.Errorf("expected empty registry, got %d", b.Len())
	}
}

func TestBus_NoHandlersReturnsNone(t *testing.T) {
	b := New(nil)
	dec := b.Dispatch(context.Background(), turnEvent("s1"))
	if dec.Action != model.ActionNone {
		t.Errorf("expected none, got %s", dec.Action)
	}
}
