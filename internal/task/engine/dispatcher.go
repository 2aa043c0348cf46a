package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"respire/internal/eventbus"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// Completer receives the end of a dispatched action. *respire.Context
// satisfies it.
type Completer interface {
	Complete(m *respire.Mode)
}

// Abandoner is implemented by completers that tell a run that never started
// apart from a finished one. *respire.Context implements it so refused runs
// do not use up a mode's repeat limit.
type Abandoner interface {
	Abandon(m *respire.Mode)
}

// Run describes one dispatch to the handler executing it.
type Run struct {
	ID     string
	Action respire.Action
	Mode   *respire.Mode
}

// ActionFunc executes an action. Returning an error still completes the mode;
// the error only feeds retries, history and the circuit breaker.
type ActionFunc func(ctx context.Context, run Run) error

// Binding ties an action name to its handler and task options.
type Binding struct {
	Fn      ActionFunc
	Timeout time.Duration
	Opt     TaskOptions
}

// ModeEvent is published as "mode.dispatched" and "mode.completed".
type ModeEvent struct {
	ID      string  `json:"id"`
	Mode    string  `json:"mode"`
	Action  string  `json:"action"`
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Dispatcher is an asynchronous respire.Executor backed by the worker pool.
// Every dispatch ends exactly once on the attached Completer: Complete when
// the action ran, successfully or not, and Abandon when it never ran (no
// handler, overlap skip, open circuit, full queue, stale or stopped) if the
// completer implements Abandoner.
type Dispatcher[S any] struct {
	eng *Service
	log logx.Logger
	bus eventbus.Bus

	mu       sync.RWMutex
	done     Completer
	bindings map[respire.Action]Binding

	dispatched atomic.Uint64
	completed  atomic.Uint64
}

func NewDispatcher[S any](eng *Service, log logx.Logger, bus eventbus.Bus) *Dispatcher[S] {
	return &Dispatcher[S]{
		eng:      eng,
		log:      log.With(logx.String("comp", "dispatcher")),
		bus:      bus,
		bindings: make(map[respire.Action]Binding),
	}
}

// Attach sets where completions are reported. It is separate from the
// constructor because the context needs its executor first.
func (d *Dispatcher[S]) Attach(c Completer) {
	d.mu.Lock()
	d.done = c
	d.mu.Unlock()
}

// Handle binds name to b, replacing any earlier binding.
func (d *Dispatcher[S]) Handle(name respire.Action, b Binding) {
	d.mu.Lock()
	d.bindings[name] = b
	d.mu.Unlock()
}

// HandleFunc binds name to fn with default options.
func (d *Dispatcher[S]) HandleFunc(name respire.Action, fn ActionFunc) {
	d.Handle(name, Binding{Fn: fn})
}

// Bound reports whether name has a handler.
func (d *Dispatcher[S]) Bound(name respire.Action) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.bindings[name]
	return ok
}

// Counts returns how many actions were dispatched and completed so far.
func (d *Dispatcher[S]) Counts() (dispatched, completed uint64) {
	return d.dispatched.Load(), d.completed.Load()
}

func (d *Dispatcher[S]) Exec(action respire.Action, _, _ S, trigger *respire.Mode) {
	id := uuid.NewString()
	d.dispatched.Add(1)
	d.publish("mode.dispatched", ModeEvent{ID: id, Mode: trigger.Path(), Action: string(action)})

	d.mu.RLock()
	b, ok := d.bindings[action]
	d.mu.RUnlock()
	if !ok || b.Fn == nil {
		d.log.Warn("no handler for action", logx.String("action", string(action)), logx.String("mode", trigger.Path()))
		d.complete(trigger, id, action, ErrNoAction)
		return
	}

	run := Run{ID: id, Action: action, Mode: trigger}
	t := Task{
		ID:      id,
		Name:    string(action),
		Key:     trigger.Path(),
		Timeout: b.Timeout,
		Opt:     b.Opt,
		Run:     func(ctx context.Context) error { return b.Fn(ctx, run) },
		Done:    func(err error) { d.complete(trigger, id, action, err) },
	}
	// A mode is never dispatched twice at once, so the overlap gate only
	// matters across modes sharing the action.
	if b.Opt.Overlap == OverlapSkipIfRunning {
		t.State = d.eng.StateFor("action:" + string(action))
	}
	err := d.eng.Enqueue(t)
	if err != nil {
		// Nothing will run, so the mode must not stay dispatched.
		if Classify(err) != OutcomeSkipped {
			d.log.Warn("action not queued", logx.String("action", string(action)), logx.String("mode", trigger.Path()), logx.Err(err))
		}
		d.complete(trigger, id, action, err)
	}
}

func (d *Dispatcher[S]) complete(m *respire.Mode, id string, action respire.Action, err error) {
	out := Classify(err)
	ev := ModeEvent{ID: id, Mode: m.Path(), Action: string(action), Outcome: out}
	if err != nil {
		ev.Error = err.Error()
	}
	d.mu.RLock()
	done := d.done
	d.mu.RUnlock()
	if ab, ok := done.(Abandoner); ok && (out == OutcomeSkipped || out == OutcomeDropped) {
		ab.Abandon(m)
	} else if done != nil {
		done.Complete(m)
	}
	d.completed.Add(1)
	d.publish("mode.completed", ev)
}

func (d *Dispatcher[S]) publish(typ string, ev ModeEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
