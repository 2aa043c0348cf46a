package respire

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestManualClockEpoch(t *testing.T) {
	t.Parallel()
	c := NewManualClock(100000)
	if got := c.Epoch(); got != 0 {
		t.Fatalf("Epoch before SetEpoch = %d, want 0", got)
	}
	c.SetEpoch(500000000)
	c.AdvanceSeconds(90)
	c.Advance(1500 * time.Millisecond)
	if got := c.Epoch(); got != 500000091 {
		t.Fatalf("Epoch = %d, want 500000091", got)
	}
	if got := c.Millis(); got != 191500 {
		t.Fatalf("Millis = %d, want 191500", got)
	}
}

func TestMillisWrapKeepsWaitCounting(t *testing.T) {
	t.Parallel()
	leaf := NewMode("leaf").Action("x").Periodic(10, Second).StorageTag("w").MustBuild()
	tree, err := NewTree(leaf)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(math.MaxUint32 - 2500)
	state := newTestState()
	c := startContext(t, state, tree, clock, &Recorder[*testState]{}, nil)

	run(t, c, clock, 4, leaf)
	if got := state.modes.At(leaf).CumulativeWait; got != 4 {
		t.Fatalf("cumulative wait across millis wrap = %d, want 4", got)
	}
}

func TestSubSecondTicksAccumulate(t *testing.T) {
	t.Parallel()
	leaf := NewMode("leaf").Action("x").Periodic(10, Second).MustBuild()
	tree, err := NewTree(leaf)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	clock := NewManualClock(0)
	state := newTestState()
	c := startContext(t, state, tree, clock, &Recorder[*testState]{}, nil)

	for i := 0; i < 7; i++ {
		clock.Advance(300 * time.Millisecond)
		if err := c.Loop(); err != nil {
			t.Fatalf("Loop: %v", err)
		}
	}
	if got := state.modes.At(leaf).CumulativeWait; got != 2 {
		t.Fatalf("cumulative wait after 2.1s = %d, want 2", got)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.LoadUint32(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadUint32 missing error = %v", err)
	}
	if _, err := s.LoadBytes(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadBytes missing error = %v", err)
	}
	if err := s.StoreUint32(ctx, "b", 7); err != nil {
		t.Fatalf("StoreUint32: %v", err)
	}
	blob := []byte{1, 2, 3}
	if err := s.StoreBytes(ctx, "a", blob); err != nil {
		t.Fatalf("StoreBytes: %v", err)
	}
	blob[0] = 9
	got, err := s.LoadBytes(ctx, "a")
	if err != nil || got[0] != 1 {
		t.Fatalf("LoadBytes = %v, %v; stored blob must be copied", got, err)
	}
	if v, err := s.LoadUint32(ctx, "b"); err != nil || v != 7 {
		t.Fatalf("LoadUint32 = %d, %v", v, err)
	}
	if keys := s.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestJitter(t *testing.T) {
	t.Parallel()
	if got := FixedJitter(1.5).Fraction(); got >= 1 {
		t.Fatalf("FixedJitter(1.5) = %v, want < 1", got)
	}
	if got := FixedJitter(-1).Fraction(); got != 0 {
		t.Fatalf("FixedJitter(-1) = %v, want 0", got)
	}
	if got := scaled(60, 0); got != 1 {
		t.Fatalf("scaled(60, 0) = %d, want 1", got)
	}
	if got := scaled(60, 0.5); got != 30 {
		t.Fatalf("scaled(60, 0.5) = %d, want 30", got)
	}
	j := NewRandomJitter("seed")
	for i := 0; i < 1000; i++ {
		if f := j.Fraction(); f < 0 || f >= 1 {
			t.Fatalf("random fraction %v out of [0,1)", f)
		}
	}
	for _, raw := range []string{"", "on_resume", "every_window"} {
		if _, err := ParseJitterPolicy(raw); err != nil {
			t.Fatalf("ParseJitterPolicy(%q): %v", raw, err)
		}
	}
	if _, err := ParseJitterPolicy("sometimes"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
