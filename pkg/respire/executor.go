package respire

import "sync"

// Executor runs actions on the engine's behalf. Exec must not block: the
// outcome is reported later through Context.Complete.
type Executor[S any] interface {
	Exec(action Action, state, prev S, trigger *Mode)
}

// ExecutorFunc adapts a plain function.
type ExecutorFunc[S any] func(action Action, state, prev S, trigger *Mode)

func (f ExecutorFunc[S]) Exec(action Action, state, prev S, trigger *Mode) {
	f(action, state, prev, trigger)
}

// Call is one recorded dispatch.
type Call struct {
	Action Action
	Mode   string
}

// Recorder is an Executor that only remembers what it was asked to run.
type Recorder[S any] struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder[S]) Exec(action Action, _, _ S, trigger *Mode) {
	c := Call{Action: action}
	if trigger != nil {
		c.Mode = trigger.Path()
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Recorder[S]) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Actions returns the recorded action names in dispatch order.
func (r *Recorder[S]) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Action
	}
	return out
}

func (r *Recorder[S]) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
