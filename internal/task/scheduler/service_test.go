package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"respire/internal/eventbus"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

type fakeTarget struct {
	loops   atomic.Int32
	saves   atomic.Int32
	loopErr error
	saveErr error

	mu     sync.Mutex
	stores []respire.Store
}

func (f *fakeTarget) Loop() error {
	f.loops.Add(1)
	return f.loopErr
}

func (f *fakeTarget) Save(_ context.Context, store respire.Store) error {
	f.saves.Add(1)
	f.mu.Lock()
	f.stores = append(f.stores, store)
	f.mu.Unlock()
	return f.saveErr
}

func TestTickRunsLoopAndHooks(t *testing.T) {
	target := &fakeTarget{}
	s := New(Config{}, target, nil, logx.Nop(), nil)
	var hooks atomic.Int32
	s.OnTick(func() { hooks.Add(1) })

	s.Tick()
	s.Tick()
	if target.loops.Load() != 2 || hooks.Load() != 2 {
		t.Fatalf("loops=%d hooks=%d, want 2/2", target.loops.Load(), hooks.Load())
	}
	snap := s.Snapshot()
	if snap.Ticks != 2 || snap.LastTick.IsZero() || snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Tick != time.Second {
		t.Fatalf("tick = %v, want clamped to 1s", snap.Tick)
	}
}

func TestTickErrorsAreCounted(t *testing.T) {
	target := &fakeTarget{loopErr: errors.New("boom")}
	s := New(Config{}, target, nil, logx.Nop(), nil)
	s.Tick()
	if got := s.Snapshot().Failures; got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
}

func TestCheckpointRequiresStore(t *testing.T) {
	s := New(Config{}, &fakeTarget{}, nil, logx.Nop(), nil)
	if err := s.Checkpoint(context.Background()); !errors.Is(err, respire.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestCheckpointPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "checkpoint.")
	defer unsub()

	store := respire.NewMemoryStore()
	target := &fakeTarget{}
	s := New(Config{}, target, store, logx.Nop(), bus)
	if err := s.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if target.stores[0] != respire.Store(store) {
		t.Fatalf("Save got a different store")
	}
	ev := <-events
	if ce, ok := ev.Data.(CheckpointEvent); !ok || ce.Saves != 1 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStartRejectsBadCheckpoint(t *testing.T) {
	s := New(Config{Checkpoint: "not-a-schedule"}, &fakeTarget{}, respire.NewMemoryStore(), logx.Nop(), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error for bad checkpoint schedule")
	}
	if s.Running() {
		t.Fatalf("driver running after failed start")
	}
}

func TestStartTicksAndFinalCheckpoint(t *testing.T) {
	target := &fakeTarget{}
	s := New(Config{Tick: time.Second, Checkpoint: "@every 1h"}, target, respire.NewMemoryStore(), logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Schedules[0].Name != "tick" || snap.Schedules[1].Spec != "@every 1h" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}

	deadline := time.Now().Add(5 * time.Second)
	for target.loops.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no tick within 5s")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if target.saves.Load() != 1 {
		t.Fatalf("saves = %d, want final checkpoint on stop", target.saves.Load())
	}
	if s.Running() {
		t.Fatalf("still running after stop")
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, spread := withSpread(10*time.Second, now, respire.FixedJitter(0.5))
	if spread != 5*time.Second {
		t.Fatalf("spread = %v, want 5s", spread)
	}
	first := sched.Next(now)
	if want := now.Add(15 * time.Second); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every rounds to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 9*time.Second || gap > 10*time.Second {
		t.Fatalf("second run %v after first, want about 10s", gap)
	}

	// Long intervals are capped at 30s of spread.
	_, spread = withSpread(time.Hour, now, respire.FixedJitter(0.5))
	if spread != 15*time.Second {
		t.Fatalf("capped spread = %v, want 15s", spread)
	}
	if _, spread = withSpread(time.Minute, now, nil); spread != 0 {
		t.Fatalf("nil jitter spread = %v", spread)
	}
}
