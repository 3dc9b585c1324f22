// Package bus implements the completion event bus: a priority-ordered
// registry of handlers that dispatch completion events until one of them
// produces an actionable decision.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
)

// DefaultPriority is assigned to registrations that do not specify one.
const DefaultPriority = 100

// Handler consumes one completion event. Returning a nil decision lets
// dispatch continue to the next handler.
type Handler func(ctx context.Context, ev model.CompletionEvent) (*model.Decision, error)

// Options configures a registration. A nil Priority selects DefaultPriority;
// lower values run earlier, and zero or negative priorities are legal for
// handlers that must run ahead of the infrastructure. An empty Levels list
// accepts every event level.
type Options struct {
	ID       string
	Priority *int
	Levels   []model.Level
}

// Priority wraps an integer for Options.Priority.
func Priority(p int) *int { return &p }

type registration struct {
	id       string
	priority int
	seq      int
	levels   map[model.Level]bool
	fn       Handler
}

// Bus holds no domain state; it only orders and invokes handlers.
type Bus struct {
	mu     sync.Mutex
	regs   []*registration
	seq    int
	logger *logging.Logger
}

func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{logger: logger}
}

// Register adds a handler and returns a function that removes it again.
// Registrations are kept sorted ascending by priority; equal priorities keep
// insertion order.
func (b *Bus) Register(fn Handler, opts Options) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	reg := &registration{
		id:       opts.ID,
		priority: DefaultPriority,
		seq:      b.seq,
		fn:       fn,
	}
	if opts.Priority != nil {
		reg.priority = *opts.Priority
	}
	if reg.id == "" {
		reg.id = fmt.Sprintf("handler-%d", reg.seq)
	}
	if len(opts.Levels) > 0 {
		reg.levels = make(map[model.Level]bool, len(opts.Levels))
		for _, lv := range opts.Levels {
			reg.levels[lv] = true
		}
	}

	b.regs = append(b.regs, reg)
	sort.SliceStable(b.regs, func(i, j int) bool {
		if b.regs[i].priority != b.regs[j].priority {
			return b.regs[i].priority < b.regs[j].priority
		}
		return b.regs[i].seq < b.regs[j].seq
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.regs {
			if r == reg {
				b.regs = append(b.regs[:i], b.regs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch walks the handlers in priority order and returns the first
// actionable decision. A decision is actionable when its action is not
// "none", or when it carries a reason or goal update ("none" decisions may
// carry side information and still short-circuit). Handler panics and errors
// are logged and never stop the walk. When no handler decides, the result is
// {action: none}.
func (b *Bus) Dispatch(ctx context.Context, ev model.CompletionEvent) model.Decision {
	b.mu.Lock()
	regs := make([]*registration, len(b.regs))
	copy(regs, b.regs)
	b.mu.Unlock()

	for _, reg := range regs {
		if reg.levels != nil && !reg.levels[ev.Level()] {
			continue
		}
		dec, err := b.invoke(ctx, reg, ev)
		if err != nil {
			b.logger.Errorf("handler %s failed level=%s: %v", reg.id, ev.Level(), err)
			continue
		}
		if dec == nil {
			continue
		}
		if dec.Action != model.ActionNone || dec.Reason != "" || dec.GoalUpdate != nil {
			if dec.Reason == "" {
				dec.Reason = "decided by " + reg.id
			}
			return *dec
		}
	}
	return model.Decision{Action: model.ActionNone}
}

// invoke isolates a single handler call so a panicking handler cannot take
// down dispatch for the others.
func (b *Bus) invoke(ctx context.Context, reg *registration, ev model.CompletionEvent) (dec *model.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.fn(ctx, ev)
}

// Len reports the number of live registrations.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regs)
}
