package respire

import (
	"context"
	"fmt"
	"io"
	"sync"

	"respire/pkg/logx"
)

type options struct {
	log    logx.Logger
	jitter Jitter
	policy JitterPolicy
	prefix string
}

// Option configures a Context.
type Option func(*options)

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

// WithJitter replaces the default random source.
func WithJitter(j Jitter) Option { return func(o *options) { o.jitter = j } }

func WithJitterPolicy(p JitterPolicy) Option { return func(o *options) { o.policy = p } }

// WithKeyPrefix changes the leading part of every Store key (default "R").
func WithKeyPrefix(p string) Option { return func(o *options) { o.prefix = p } }

// book is the engine's private per-mode bookkeeping. It is never persisted
// except for target under JitterEveryWindow.
type book struct {
	target     uint32 // seconds the current window lasts
	ms         uint32 // sub-second remainder not yet credited to CumulativeWait
	restored   uint32 // target loaded from the Store, 0 if none
	startup    bool   // fire once on the first Loop without closing the window
	dispatched bool   // own action handed to the executor, not yet completed
}

// Context runs one mode tree against one application state.
//
// All methods are safe for concurrent use. Executor calls and the change
// hook run outside the internal lock, so an executor may call Complete
// synchronously.
type Context[S State[S]] struct {
	mu     sync.Mutex
	state  S
	tree   *Tree
	clock  Clock
	exec   Executor[S]
	log    logx.Logger
	stale  *logx.Throttle
	jitter Jitter
	policy JitterPolicy
	prefix string

	books       []book
	pending     []*Mode
	initialized bool
	started     bool
	entered     bool
	lastMillis  uint32
}

// New binds state, tree, clock and executor. The tree may be shared with
// other contexts; the state may not be shared with a running one.
func New[S State[S]](state S, tree *Tree, clock Clock, exec Executor[S], opts ...Option) (*Context[S], error) {
	if tree == nil {
		return nil, fmt.Errorf("respire: tree required")
	}
	if clock == nil {
		return nil, fmt.Errorf("respire: clock required")
	}
	o := options{prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.jitter == nil {
		o.jitter = NewRandomJitter(tree.root.name)
	}
	if o.policy != JitterOnResume && o.policy != JitterEveryWindow {
		return nil, fmt.Errorf("respire: unknown jitter policy %d", int(o.policy))
	}
	return &Context[S]{
		state:  state,
		tree:   tree,
		clock:  clock,
		exec:   exec,
		log:    o.log.With(logx.String("comp", "respire")),
		stale:  logx.NewThrottle(2, 4),
		jitter: o.jitter,
		policy: o.policy,
		prefix: o.prefix,
	}, nil
}

// Init prepares bookkeeping and clears every active flag: nothing can still
// be in flight when a context starts. A non-zero restoreEpoch is handed to
// the clock. With a store, persisted counters are restored.
func (c *Context[S]) Init(ctx context.Context, restoreEpoch uint32, store Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.books = make([]book, c.tree.Len())
	ms := c.state.Modes()
	ms.Grow(c.tree.Len())
	for _, m := range c.tree.nodes {
		ms.Get(m).Active = false
	}
	c.started = false
	c.entered = false

	if restoreEpoch != 0 {
		c.clock.SetEpoch(restoreEpoch)
	}
	if store != nil {
		if err := c.restoreLocked(ctx, store); err != nil {
			return err
		}
	}
	c.initialized = true
	c.log.Debug("context initialized",
		logx.Int("modes", c.tree.Len()),
		logx.Bool("restored", store != nil),
		logx.String("jitter_policy", c.policy.String()),
	)
	return nil
}

// Begin sizes the first window of every periodic mode.
func (c *Context[S]) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}

	ms := c.state.Modes()
	for _, m := range c.tree.nodes {
		if !c.timed(m) {
			continue
		}
		rt := ms.Get(m)
		b := &c.books[m.id]
		interval := m.IntervalSeconds()
		resumed := rt.LastTrigger != 0 || rt.CumulativeWait != 0
		if rt.CumulativeWait > interval {
			rt.CumulativeWait = interval
		}

		switch c.policy {
		case JitterEveryWindow:
			if resumed && b.restored != 0 && b.restored <= interval {
				b.target = b.restored
			} else {
				b.target = scaled(interval, c.jitter.Fraction())
			}
		default:
			if resumed {
				b.target = scaled(interval, c.jitter.Fraction())
			} else {
				b.target = interval
				b.startup = true
			}
		}
		c.log.Debug("window opened",
			logx.String("mode", m.Path()),
			logx.Uint32("target", b.target),
			logx.Uint32("cw", rt.CumulativeWait),
			logx.Bool("resumed", resumed),
		)
	}
	c.lastMillis = c.clock.Millis()
	c.entered = false
	c.started = true
	return nil
}

// SetExecutor swaps the executor used by later dispatches.
func (c *Context[S]) SetExecutor(exec Executor[S]) {
	c.mu.Lock()
	c.exec = exec
	c.mu.Unlock()
}

// Complete reports that m's dispatched action finished. A periodic mode
// starts a fresh waiting window here, so an action that outlasts its
// interval is not re-dispatched back to back. Completing a mode that is not
// dispatched changes nothing.
func (c *Context[S]) Complete(m *Mode) { c.finish(m, true) }

// Abandon reports that m's dispatched action never ran, for example because
// the executor refused it. It ends the dispatch like Complete but does not
// count towards the mode's repeat limit.
func (c *Context[S]) Abandon(m *Mode) { c.finish(m, false) }

func (c *Context[S]) finish(m *Mode, ran bool) {
	c.mu.Lock()
	if !c.initialized || !c.tree.Contains(m) {
		c.mu.Unlock()
		c.staleComplete(m, "mode not managed by this context")
		return
	}
	b := &c.books[m.id]
	if !b.dispatched {
		c.mu.Unlock()
		c.staleComplete(m, "mode not dispatched")
		return
	}

	prev := c.state.Clone()
	b.dispatched = false
	rt := c.state.Modes().Get(m)
	if ran {
		rt.RepeatCount++
	}
	if c.timed(m) {
		rt.CumulativeWait = 0
		b.ms = 0
		b.target = c.nextTarget(m)
	}
	for p := m; p != nil; p = p.parent {
		c.settle(p)
	}
	changed := !prev.Modes().Equal(c.state.Modes())
	next := c.state.Clone()
	exec := c.exec
	c.mu.Unlock()

	c.log.Debug("mode completed", logx.String("mode", m.Path()), logx.Bool("ran", ran))
	if changed {
		next.OnChange(prev, exec)
	}
}

func (c *Context[S]) staleComplete(m *Mode, why string) {
	extra, ok := c.stale.Allow()
	if !ok {
		return
	}
	name := "<nil>"
	if m != nil {
		name = m.Path()
	}
	c.log.Debug("ignoring completion", logx.String("mode", name), logx.String("reason", why), extra)
}

// Dispatched reports whether m's own action is awaiting completion.
func (c *Context[S]) Dispatched(m *Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || !c.tree.Contains(m) {
		return false
	}
	return c.books[m.id].dispatched
}

// Target returns the length in seconds of m's current window, 0 before Begin
// or for a non-periodic mode.
func (c *Context[S]) Target(m *Mode) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || !c.tree.Contains(m) {
		return 0
	}
	return c.books[m.id].target
}

func (c *Context[S]) Tree() *Tree { return c.tree }

func (c *Context[S]) Clock() Clock { return c.clock }

func (c *Context[S]) Policy() JitterPolicy { return c.policy }

// Snapshot returns a copy of the live state.
func (c *Context[S]) Snapshot() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Dump renders the tree with the live runtime records.
func (c *Context[S]) Dump(w io.Writer) error {
	snap := c.Snapshot()
	return c.tree.Dump(w, snap)
}
