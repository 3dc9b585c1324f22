// Package detect holds the continuation signal detectors: pure functions
// that inspect one completion event and optionally emit a scored signal.
package detect

import (
	"fmt"
	"sync"

	"github.com/strandlabs/tiller/internal/model"
)

// Detector examines one event and returns a signal, or nil when the event
// gives it nothing to say. Detectors must be pure and filter on the event
// level first.
type Detector func(ev model.CompletionEvent) *model.Signal

// Detector confidence scores for the built-ins.
const (
	ToolErrorConfidence        = 0.6
	SilentCompletionConfidence = 0.3
)

// ToolError fires on turn events that carry a failed tool call.
func ToolError(ev model.CompletionEvent) *model.Signal {
	turn, ok := ev.(model.TurnEvent)
	if !ok || turn.LastToolError == nil {
		return nil
	}
	return &model.Signal{
		Level:      model.LevelTurn,
		Reason:     fmt.Sprintf("tool %s failed: %s", turn.LastToolError.ToolName, turn.LastToolError.Error),
		Confidence: ToolErrorConfidence,
		SuggestedPrompt: fmt.Sprintf(
			"The %s tool call failed (%s). Review the error and try an alternative approach.",
			turn.LastToolError.ToolName, turn.LastToolError.Error),
	}
}

// SilentCompletion fires on turn events where the agent produced no
// assistant text and did not send anything through a messaging tool.
func SilentCompletion(ev model.CompletionEvent) *model.Signal {
	turn, ok := ev.(model.TurnEvent)
	if !ok {
		return nil
	}
	if len(turn.AssistantTexts) > 0 || turn.SentViaMessagingTool {
		return nil
	}
	return &model.Signal{
		Level:           model.LevelTurn,
		Reason:          "turn completed with no assistant output",
		Confidence:      SilentCompletionConfidence,
		SuggestedPrompt: "The last turn produced no visible output. Post a brief status update on what you are doing.",
	}
}

// QueueDrained inspects queue-drain events. It is not yet wired to goal
// state and therefore never emits a signal; the registry keeps it installed
// so the wiring has a place to land.
func QueueDrained(ev model.CompletionEvent) *model.Signal {
	queue, ok := ev.(model.QueueEvent)
	if !ok || !queue.QueueEmpty {
		return nil
	}
	// TODO: emit a "goal work remaining" signal once the registry has
	// access to session goal state.
	return nil
}

// Registry is the ordered, mutable list of detectors the continuation
// manager runs against each event.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	seq     int
}

type entry struct {
	seq int
	fn  Detector
}

// NewRegistry returns a registry holding exactly the built-in detectors.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Register appends a detector and returns its unregister function.
func (r *Registry) Register(fn Detector) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := &entry{seq: r.seq, fn: fn}
	r.entries = append(r.entries, e)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, cur := range r.entries {
			if cur == e {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// Reset restores the registry to exactly the three built-ins.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	for _, fn := range []Detector{ToolError, SilentCompletion, QueueDrained} {
		r.seq++
		r.entries = append(r.entries, &entry{seq: r.seq, fn: fn})
	}
}

// Detect runs every registered detector against the event, in order, and
// collects the emitted signals.
func (r *Registry) Detect(ev model.CompletionEvent) []model.Signal {
	r.mu.Lock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var signals []model.Signal
	for _, e := range entries {
		if sig := e.fn(ev); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// Len reports the number of registered detectors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
