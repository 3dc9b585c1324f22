package continuation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/tiller/internal/bus"
	"github.com/strandlabs/tiller/internal/detect"
	"github.com/strandlabs/tiller/internal/model"
)

func TestEmitter_RunAndQueueReturnDecisions(t *testing.T) {
	b := bus.New(nil)
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		if ev.Level() != model.LevelRun {
			return nil, nil
		}
		return &model.Decision{Action: model.ActionEnqueue, NextPrompt: "next", Reason: "run ended early"}, nil
	}, bus.Options{ID: "run-decider"})

	e := NewEmitter(b, nil)
	ctx := context.Background()

	dec := e.EmitRunCompletion(ctx, model.RunEvent{SessionKey: "s1", RunID: "run-1", Timestamp: time.Now()})
	assert.Equal(t, model.ActionEnqueue, dec.Action)
	assert.Equal(t, "next", dec.NextPrompt)

	dec = e.EmitQueueCompletion(ctx, model.QueueEvent{QueueKey: "q1", Timestamp: time.Now()})
	assert.Equal(t, model.ActionNone, dec.Action)
}

func TestEmitter_TurnCompletionIsAsync(t *testing.T) {
	b := bus.New(nil)
	seen := make(chan string, 1)
	b.Register(func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error) {
		seen <- ev.Session()
		return nil, nil
	}, bus.Options{ID: "observer"})

	e := NewEmitter(b, nil)
	e.EmitTurnCompletion(model.TurnEvent{SessionKey: "s1", Timestamp: time.Now(), AssistantTexts: []string{"ok"}})

	select {
	case key := <-seen:
		assert.Equal(t, "s1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("turn event never reached the bus")
	}
}

func TestEmitter_EndToEndWithManager(t *testing.T) {
	reg := detect.NewRegistry()
	reg.Register(func(ev model.CompletionEvent) *model.Signal {
		if ev.Level() != model.LevelRun {
			return nil
		}
		return &model.Signal{Level: model.LevelRun, Reason: "compaction lost context", Confidence: 0.8, SuggestedPrompt: "Re-read the task notes."}
	})
	m := NewManager(reg, nil)
	m.SetGoal("s1", model.Goal{Status: model.GoalActive})

	b := bus.New(nil)
	m.Attach(b)
	defer m.Detach()

	e := NewEmitter(b, nil)
	dec := e.EmitRunCompletion(context.Background(), model.RunEvent{
		SessionKey:    "s1",
		RunID:         "run-1",
		Timestamp:     time.Now(),
		AutoCompacted: true,
	})
	require.Equal(t, model.ActionEnqueue, dec.Action)
	assert.Equal(t, "Re-read the task notes.", dec.NextPrompt)
}
