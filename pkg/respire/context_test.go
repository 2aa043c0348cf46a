package respire

import (
	"context"
	"slices"
	"testing"
)

type testState struct {
	modes     ModeStates
	valueInt  int
	valueBool bool
	changes   *int
}

func newTestState() *testState { return &testState{valueBool: true, changes: new(int)} }

func (s *testState) Modes() *ModeStates { return &s.modes }

func (s *testState) Clone() *testState {
	cp := *s
	cp.modes = s.modes.Clone()
	return &cp
}

func (s *testState) OnChange(prev *testState, exec Executor[*testState]) {
	if s.changes != nil {
		*s.changes++
	}
}

const (
	testFunction Action = "testFunction"
	startEpoch   uint32 = 500000000
)

func periodicTree(t *testing.T) (*Tree, *Mode, *Mode) {
	t.Helper()
	fn := NewMode("function").Action(testFunction).MustBuild()
	periodic := NewMode("periodic").
		StorageTag("mytag").
		Periodic(60, Second).
		Child(fn).
		MustBuild()
	tree, err := NewTree(periodic)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree, periodic, fn
}

func startContext(t *testing.T, state *testState, tree *Tree, clock Clock, exec Executor[*testState], store Store, opts ...Option) *Context[*testState] {
	t.Helper()
	opts = append([]Option{WithJitter(FixedJitter(0.5))}, opts...)
	c, err := New(state, tree, clock, exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(context.Background(), 0, store); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return c
}

// run advances the clock one second per tick and completes fn whenever it
// is active, if fn is non-nil.
func run(t *testing.T, c *Context[*testState], clock *ManualClock, ticks int, fn *Mode) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		clock.AdvanceSeconds(1)
		if err := c.Loop(); err != nil {
			t.Fatalf("Loop: %v", err)
		}
		if fn != nil && fn.IsActive(c.state) {
			c.Complete(fn)
		}
	}
}

func checkpointValue(t *testing.T, c *Context[*testState], state *testState, store *MemoryStore, key string) uint32 {
	t.Helper()
	if err := c.Checkpoint(context.Background(), state, store); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	v, ok := store.Uint32(key)
	if !ok {
		t.Fatalf("key %q not stored (have %v)", key, store.Keys())
	}
	return v
}

func expectActions(t *testing.T, rec *Recorder[*testState], want ...Action) {
	t.Helper()
	if got := rec.Actions(); !slices.Equal(got, want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
}

func TestStateClone(t *testing.T) {
	state := newTestState()
	state.valueInt = 5
	state.modes.Grow(2)
	state.modes.rt[1].CumulativeWait = 7

	cp := state.Clone()
	if cp.valueInt != 5 || !cp.valueBool {
		t.Fatalf("clone lost fields: %+v", cp)
	}
	cp.modes.rt[1].CumulativeWait = 9
	if state.modes.rt[1].CumulativeWait != 7 {
		t.Fatalf("clone shares runtime records with the original")
	}
	if state.modes.Equal(&cp.modes) {
		t.Fatalf("Equal reported modified clone as equal")
	}
}

func TestLimitedIdleTerminatesParent(t *testing.T) {
	idle := NewMode("idle").Action(testFunction).RepeatLimit(2).MustBuild()
	terminated := NewMode("to be terminated").Child(idle).Idle(idle).MustBuild()
	root := NewMode("root").Child(terminated).MustBuild()
	tree, err := NewTree(root)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	clock := NewManualClock(100000)
	state := newTestState()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)
	clock.SetEpoch(startEpoch)

	run(t, c, clock, 1, nil)
	expectActions(t, rec, testFunction)
	if !terminated.IsActive(state) || !root.IsActive(state) {
		t.Fatalf("ancestors of a dispatched idle mode must be active")
	}
	c.Complete(idle)

	one := &Recorder[*testState]{}
	c.SetExecutor(one)
	run(t, c, clock, 1, nil)
	expectActions(t, one, testFunction)
	c.Complete(idle)

	if terminated.IsActive(state) {
		t.Fatalf("container still active after its limited idle mode completed")
	}
	if idle.IsActive(state) {
		t.Fatalf("idle mode still active after completion")
	}

	run(t, c, clock, 10, nil)
	expectActions(t, one, testFunction)
	if got := state.modes.At(idle).RepeatCount; got != 2 {
		t.Fatalf("idle repeat count = %d, want 2", got)
	}
}

func TestStoringLastTrigger(t *testing.T) {
	tree, _, _ := periodicTree(t)
	clock := NewManualClock(100000)
	state := newTestState()
	store := NewMemoryStore()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)
	clock.SetEpoch(startEpoch)

	run(t, c, clock, 90, nil)
	expectActions(t, rec, testFunction)
	if got := checkpointValue(t, c, state, store, "RmytagLT"); got != 500000060 {
		t.Fatalf("RmytagLT = %d, want 500000060", got)
	}

	run(t, c, clock, 45, nil)
	if got := checkpointValue(t, c, state, store, "RmytagLT"); got != 500000120 {
		t.Fatalf("RmytagLT = %d, want 500000120", got)
	}
}

func TestStoringCumulativeWait(t *testing.T) {
	tree, _, _ := periodicTree(t)
	clock := NewManualClock(100000)
	state := newTestState()
	store := NewMemoryStore()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)
	clock.SetEpoch(startEpoch)

	run(t, c, clock, 90, nil)
	expectActions(t, rec, testFunction)
	if got := checkpointValue(t, c, state, store, "RmytagCW"); got != 30 {
		t.Fatalf("RmytagCW = %d, want 30", got)
	}

	run(t, c, clock, 45, nil)
	if got := checkpointValue(t, c, state, store, "RmytagCW"); got != 15 {
		t.Fatalf("RmytagCW = %d, want 15", got)
	}
}

func TestRestoringCumulativeWait(t *testing.T) {
	tree, _, fn := periodicTree(t)
	clock := NewManualClock(100000)
	state := newTestState()
	store := NewMemoryStore()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)
	clock.SetEpoch(startEpoch)

	run(t, c, clock, 75, fn)
	expectActions(t, rec, testFunction, testFunction)
	if got := checkpointValue(t, c, state, store, "RmytagCW"); got != 15 {
		t.Fatalf("RmytagCW = %d, want 15", got)
	}

	// Keep running without a checkpoint so the store still says 15.
	run(t, c, clock, 45, fn)

	none := &Recorder[*testState]{}
	restored := startContext(t, state, tree, clock, none, store)

	// A resumed window lasts half the interval, so 15 seconds remain.
	run(t, restored, clock, 10, fn)
	expectActions(t, none)
	if got := checkpointValue(t, restored, state, store, "RmytagCW"); got != 25 {
		t.Fatalf("RmytagCW = %d, want 25", got)
	}

	one := &Recorder[*testState]{}
	restored.SetExecutor(one)
	run(t, restored, clock, 10, fn)
	expectActions(t, one, testFunction)
	if got := checkpointValue(t, restored, state, store, "RmytagCW"); got != 5 {
		t.Fatalf("RmytagCW = %d, want 5", got)
	}
}

func TestStaleCompleteIsNoop(t *testing.T) {
	tree, _, fn := periodicTree(t)
	clock := NewManualClock(0)
	state := newTestState()
	c := startContext(t, state, tree, clock, &Recorder[*testState]{}, nil)

	before := *state.changes
	c.Complete(fn)
	if got := state.modes.At(fn).RepeatCount; got != 0 {
		t.Fatalf("repeat count = %d after stale complete", got)
	}
	if *state.changes != before {
		t.Fatalf("stale complete triggered a change notification")
	}

	run(t, c, clock, 1, nil)
	c.Complete(fn)
	c.Complete(fn)
	if got := state.modes.At(fn).RepeatCount; got != 1 {
		t.Fatalf("repeat count = %d after double complete, want 1", got)
	}

	_, _, otherFn := periodicTree(t)
	c.Complete(otherFn)
	c.Complete(nil)
}

func TestRepeatLimitStopsDispatch(t *testing.T) {
	leaf := NewMode("leaf").Action(testFunction).Periodic(10, Second).RepeatLimit(3).MustBuild()
	tree, err := NewTree(leaf)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(0)
	state := newTestState()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)

	run(t, c, clock, 200, leaf)
	expectActions(t, rec, testFunction, testFunction, testFunction)
	rt := state.modes.At(leaf)
	if rt.RepeatCount != 3 {
		t.Fatalf("repeat count = %d, want 3", rt.RepeatCount)
	}
	if rt.Active {
		t.Fatalf("exhausted mode still active")
	}
}

func TestCompleteOpensFreshWindow(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		target uint32
	}{
		{name: "on_resume", target: 10},
		{name: "every_window", opts: []Option{WithJitterPolicy(JitterEveryWindow)}, target: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := NewMode("leaf").Action(testFunction).Periodic(10, Second).MustBuild()
			tree, err := NewTree(leaf)
			if err != nil {
				t.Fatalf("NewTree: %v", err)
			}
			clock := NewManualClock(0)
			state := newTestState()
			rec := &Recorder[*testState]{}
			c := startContext(t, state, tree, clock, rec, nil, tt.opts...)

			// Run until the first dispatch, then let the action run far
			// longer than its interval.
			for i := 0; i < 20 && len(rec.Calls()) == 0; i++ {
				run(t, c, clock, 1, nil)
			}
			expectActions(t, rec, testFunction)
			waited := state.modes.At(leaf).CumulativeWait
			run(t, c, clock, 30, nil)
			expectActions(t, rec, testFunction)
			if got := state.modes.At(leaf).CumulativeWait; got != waited {
				t.Fatalf("cumulative wait moved from %d to %d while dispatched", waited, got)
			}

			c.Complete(leaf)
			if got := state.modes.At(leaf).CumulativeWait; got != 0 {
				t.Fatalf("cumulative wait = %d after completion, want 0", got)
			}
			if got := c.Target(leaf); got != tt.target {
				t.Fatalf("target = %d after completion, want %d", got, tt.target)
			}
			run(t, c, clock, int(tt.target)-1, nil)
			expectActions(t, rec, testFunction)
			run(t, c, clock, 1, nil)
			expectActions(t, rec, testFunction, testFunction)
		})
	}
}

func TestAbandonDoesNotCountRepeat(t *testing.T) {
	leaf := NewMode("leaf").Action(testFunction).Periodic(10, Second).RepeatLimit(1).MustBuild()
	tree, err := NewTree(leaf)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(0)
	state := newTestState()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)

	run(t, c, clock, 1, nil)
	expectActions(t, rec, testFunction)
	c.Abandon(leaf)
	rt := state.modes.At(leaf)
	if rt.RepeatCount != 0 || rt.Active || rt.CumulativeWait != 0 {
		t.Fatalf("after abandon: %+v", rt)
	}

	// The refused run still opens a new window, then the limit is spent
	// only by a run that completes.
	run(t, c, clock, 10, nil)
	expectActions(t, rec, testFunction, testFunction)
	c.Complete(leaf)
	run(t, c, clock, 30, nil)
	expectActions(t, rec, testFunction, testFunction)
	if got := state.modes.At(leaf).RepeatCount; got != 1 {
		t.Fatalf("repeat count = %d, want 1", got)
	}
}

func TestStartupRunOnResumeOnly(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		firstAt int
	}{
		{name: "on_resume", firstAt: 1},
		{name: "every_window", opts: []Option{WithJitterPolicy(JitterEveryWindow)}, firstAt: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := NewMode("leaf").Action(testFunction).Periodic(10, Second).MustBuild()
			tree, err := NewTree(leaf)
			if err != nil {
				t.Fatalf("NewTree: %v", err)
			}
			clock := NewManualClock(0)
			rec := &Recorder[*testState]{}
			c := startContext(t, newTestState(), tree, clock, rec, nil, tt.opts...)
			for i := 1; i <= 10; i++ {
				run(t, c, clock, 1, leaf)
				if len(rec.Calls()) > 0 {
					if i != tt.firstAt {
						t.Fatalf("first dispatch at %ds, want %ds", i, tt.firstAt)
					}
					return
				}
			}
			t.Fatalf("no dispatch within 10s")
		})
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	a := NewMode("a").Action("readA").Periodic(30, Second).StorageTag("a").MustBuild()
	b := NewMode("b").Action("readB").Periodic(2, Minute).StorageTag("b").MustBuild()
	root := NewMode("root").Child(a, b).MustBuild()
	tree, err := NewTree(root)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	clock := NewManualClock(5000)
	state := newTestState()
	store := NewMemoryStore()
	c := startContext(t, state, tree, clock, &Recorder[*testState]{}, nil)
	clock.SetEpoch(1700000000)
	run(t, c, clock, 47, a)
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := newTestState()
	r, err := New(fresh, tree, clock, Executor[*testState](&Recorder[*testState]{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Init(context.Background(), 0, store); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, m := range tree.Tagged() {
		want, got := state.modes.At(m), fresh.modes.At(m)
		if got.LastTrigger != want.LastTrigger || got.CumulativeWait != want.CumulativeWait {
			t.Fatalf("%s: restored lt=%d cw=%d, want lt=%d cw=%d",
				m.Path(), got.LastTrigger, got.CumulativeWait, want.LastTrigger, want.CumulativeWait)
		}
	}
	if state.modes.At(a).LastTrigger == 0 {
		t.Fatalf("expected a to have fired before the checkpoint")
	}
}

func TestMissingKeysRestoreAsZero(t *testing.T) {
	tree, periodic, _ := periodicTree(t)
	state := newTestState()
	state.modes.Grow(tree.Len())
	state.modes.Get(periodic).CumulativeWait = 12
	state.modes.Get(periodic).LastTrigger = 99

	c, err := New(state, tree, NewManualClock(0), Executor[*testState](nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Init(context.Background(), 0, NewMemoryStore()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rt := state.modes.At(periodic); rt.CumulativeWait != 0 || rt.LastTrigger != 0 {
		t.Fatalf("absent keys restored as lt=%d cw=%d, want zeros", rt.LastTrigger, rt.CumulativeWait)
	}
}

func TestEveryWindowRestartDoesNotDrift(t *testing.T) {
	build := func() (*Tree, *Mode) {
		leaf := NewMode("sensor").Action("read").Periodic(100, Second).StorageTag("sn").MustBuild()
		tree, err := NewTree(leaf)
		if err != nil {
			t.Fatalf("NewTree: %v", err)
		}
		return tree, leaf
	}
	policy := WithJitterPolicy(JitterEveryWindow)

	// Uninterrupted reference run.
	tree, leaf := build()
	clock := NewManualClock(0)
	rec := &Recorder[*testState]{}
	c := startContext(t, newTestState(), tree, clock, rec, nil, policy, WithJitter(FixedJitter(0.375)))
	if got := c.Target(leaf); got != 37 {
		t.Fatalf("target = %d, want 37", got)
	}
	fireAt := 0
	for i := 1; i <= 100 && fireAt == 0; i++ {
		run(t, c, clock, 1, leaf)
		if len(rec.Calls()) == 1 {
			fireAt = i
		}
	}
	if fireAt != 37 {
		t.Fatalf("uninterrupted run fired at %d, want 37", fireAt)
	}

	// Same window split by a restart after 20 seconds. The new context
	// draws a different fraction but must reuse the checkpointed target.
	tree, leaf = build()
	clock = NewManualClock(0)
	state := newTestState()
	store := NewMemoryStore()
	rec = &Recorder[*testState]{}
	c = startContext(t, state, tree, clock, rec, nil, policy, WithJitter(FixedJitter(0.375)))
	clock.SetEpoch(startEpoch)
	run(t, c, clock, 20, leaf)
	if err := c.Save(context.Background(), store); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v, _ := store.Uint32("RsnJT"); v != 37 {
		t.Fatalf("RsnJT = %d, want 37", v)
	}

	rec = &Recorder[*testState]{}
	r := startContext(t, newTestState(), tree, clock, rec, store, policy, WithJitter(FixedJitter(0.9)))
	if got := r.Target(leaf); got != 37 {
		t.Fatalf("restored target = %d, want 37", got)
	}
	run(t, r, clock, 16, leaf)
	expectActions(t, rec)
	run(t, r, clock, 1, leaf)
	expectActions(t, rec, "read")
}

func TestLoopBeforeBegin(t *testing.T) {
	tree, _, _ := periodicTree(t)
	c, err := New(newTestState(), tree, NewManualClock(0), Executor[*testState](nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Loop(); err != ErrNotInitialized {
		t.Fatalf("Loop before Init = %v, want ErrNotInitialized", err)
	}
	if err := c.Begin(); err != ErrNotInitialized {
		t.Fatalf("Begin before Init = %v, want ErrNotInitialized", err)
	}
	if err := c.Init(context.Background(), 0, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Loop(); err != ErrNotStarted {
		t.Fatalf("Loop before Begin = %v, want ErrNotStarted", err)
	}
}

func TestChangeHookOncePerTick(t *testing.T) {
	a := NewMode("a").Action("a").MustBuild()
	b := NewMode("b").Action("b").MustBuild()
	root := NewMode("root").Child(a, b).MustBuild()
	tree, err := NewTree(root)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(0)
	state := newTestState()
	rec := &Recorder[*testState]{}
	c := startContext(t, state, tree, clock, rec, nil)

	run(t, c, clock, 1, nil)
	if *state.changes != 1 {
		t.Fatalf("change hook called %d times on the first tick, want 1", *state.changes)
	}
	expectActions(t, rec, "a", "b")

	run(t, c, clock, 3, nil)
	if *state.changes != 1 {
		t.Fatalf("change hook called on idle ticks: %d", *state.changes)
	}
}

func TestExecutorMayCompleteSynchronously(t *testing.T) {
	leaf := NewMode("leaf").Action("sync").Periodic(5, Second).MustBuild()
	tree, err := NewTree(leaf)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(0)
	state := newTestState()
	var c *Context[*testState]
	calls := 0
	exec := ExecutorFunc[*testState](func(_ Action, _, _ *testState, m *Mode) {
		calls++
		c.Complete(m)
	})
	c = startContext(t, state, tree, clock, exec, nil)

	// Each completion opens a new five second window.
	run(t, c, clock, 11, nil)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1s, 6s, 11s)", calls)
	}
	if state.modes.At(leaf).Active {
		t.Fatalf("mode still active after synchronous completion")
	}
}
