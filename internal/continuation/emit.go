package continuation

import (
	"context"

	"github.com/strandlabs/tiller/internal/bus"
	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/telemetry"
)

// Emitter is the surface external callers (session runtime, workflow engine)
// use to push completion events onto the bus.
type Emitter struct {
	bus    *bus.Bus
	logger *logging.Logger
}

func NewEmitter(b *bus.Bus, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Emitter{bus: b, logger: logger}
}

// EmitTurnCompletion dispatches a turn event in the background. The caller
// does not see the decision; outcomes are logged instead.
func (e *Emitter) EmitTurnCompletion(ev model.TurnEvent) {
	go func() {
		dec := e.dispatch(context.Background(), ev)
		if dec.Action == model.ActionEnqueue {
			e.logger.Infof("turn completion for %s decided enqueue: %s", ev.SessionKey, dec.Reason)
		}
	}()
}

// EmitRunCompletion dispatches a run event and returns the decision so the
// caller can act on an enqueue.
func (e *Emitter) EmitRunCompletion(ctx context.Context, ev model.RunEvent) model.Decision {
	return e.dispatch(ctx, ev)
}

// EmitQueueCompletion dispatches a queue-drain event and returns the decision.
func (e *Emitter) EmitQueueCompletion(ctx context.Context, ev model.QueueEvent) model.Decision {
	return e.dispatch(ctx, ev)
}

func (e *Emitter) dispatch(ctx context.Context, ev model.CompletionEvent) model.Decision {
	dec := e.bus.Dispatch(ctx, ev)
	if dec.Action == model.ActionEnqueue {
		telemetry.DecisionsEnqueued.Inc()
	}
	return dec
}
