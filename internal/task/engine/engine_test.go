package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"respire/internal/eventbus"
	logx "respire/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("task did not finish")
		return nil
	}
}

func doneChan() (chan error, func(error)) {
	ch := make(chan error, 1)
	return ch, func(err error) { ch <- err }
}

func TestEnqueueRunsTaskAndReportsDone(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ch, done := doneChan()
	if err := s.Enqueue(Task{Name: "read", Run: func(context.Context) error { return nil }, Done: done}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := waitDone(t, ch); err != nil {
		t.Fatalf("done err = %v, want nil", err)
	}

	snap := s.Snapshot()
	if snap.Completed != 1 || snap.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 1/0", snap.Completed, snap.Failed)
	}
	if len(snap.History) != 1 {
		t.Fatalf("history len = %d, want 1", len(snap.History))
	}
	if _, err := uuid.Parse(snap.History[0].ID); err != nil {
		t.Fatalf("task id %q is not a uuid: %v", snap.History[0].ID, err)
	}
	if snap.History[0].Key != "read" {
		t.Fatalf("key = %q, want name as default", snap.History[0].Key)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen["task.finished"] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("events seen %v, want task.started and task.finished", seen)
		}
	}
	if !seen["task.started"] {
		t.Fatalf("task.started not published")
	}
}

func TestRetriesUntilExhausted(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})

	var calls atomic.Int32
	boom := errors.New("boom")
	ch, done := doneChan()
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			calls.Add(1)
			return boom
		},
		Done: done,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := waitDone(t, ch); !errors.Is(got, boom) {
		t.Fatalf("done err = %v, want boom", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Attempts != 3 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, RetryMax: 5})

	var calls atomic.Int32
	perm := errors.New("sensor missing")
	ch, done := doneChan()
	_ = s.Enqueue(Task{
		Name: "read",
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(perm)
		},
		Done: done,
	})
	got := waitDone(t, ch)
	if !errors.Is(got, perm) || Classify(got) != OutcomePermanent {
		t.Fatalf("done err = %v, want permanent error", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1})

	ch, done := doneChan()
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("oops") }, Done: done})
	if err := waitDone(t, ch); err == nil {
		t.Fatalf("want error from panicking task")
	}

	// The worker survives and keeps serving.
	ch2, done2 := doneChan()
	_ = s.Enqueue(Task{Name: "good", Run: func(context.Context) error { return nil }, Done: done2})
	if err := waitDone(t, ch2); err != nil {
		t.Fatalf("second task err = %v", err)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1})

	ch, done := doneChan()
	_ = s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: done,
	})
	if err := waitDone(t, ch); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})

	started := make(chan struct{})
	release := make(chan struct{})
	ch, done := doneChan()
	task := Task{
		Name: "upload",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
		Done: done,
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if !s.StateFor("upload").Busy() {
		t.Fatalf("gate not held while running")
	}

	dup := task
	dup.Run = func(context.Context) error { return nil }
	if err := s.Enqueue(dup); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	_ = waitDone(t, ch)
	if s.StateFor("upload").Busy() {
		t.Fatalf("gate still held after done")
	}
}

func TestQueueFullDrops(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	block := func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped_queue_full = %d, want 1", got)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, CircuitBaseDelay: time.Minute})

	ch, done := doneChan()
	opt := TaskOptions{CircuitTripFailures: 1}
	_ = s.Enqueue(Task{Name: "read", Opt: opt, Run: func(context.Context) error { return errors.New("down") }, Done: done})
	_ = waitDone(t, ch)

	err := s.Enqueue(Task{Name: "read", Opt: opt, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	snap := s.Snapshot()
	if snap.CircuitTotal != 1 || snap.CircuitOpen != 1 {
		t.Fatalf("circuits total=%d open=%d, want 1/1", snap.CircuitTotal, snap.CircuitOpen)
	}

	// Other task names are unaffected.
	if err := s.Enqueue(Task{Name: "upload", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("unrelated task: %v", err)
	}
}

func TestStopFinishesQueuedTasks(t *testing.T) {
	cfg := Config{Enabled: true, Workers: 1}
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	chA, doneA := doneChan()
	chB, doneB := doneChan()
	_ = s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Done: doneA})
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }, Done: doneB}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	if err := waitDone(t, chA); !errors.Is(err, context.Canceled) {
		t.Fatalf("a err = %v, want canceled", err)
	}
	if err := waitDone(t, chB); !errors.Is(err, ErrStopped) {
		t.Fatalf("b err = %v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		// A nil rng disables jitter.
		if got := opt.retryDelay(tt.retry, errors.New("x"), nil); got != tt.want {
			t.Errorf("retry %d: got %v, want %v", tt.retry, got, tt.want)
		}
	}
	hinted := RetryAfter(errors.New("busy"), 5*time.Second)
	if got := opt.retryDelay(1, hinted, nil); got != time.Second {
		t.Errorf("hint capped: got %v, want 1s", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{errors.New("exit status 1"), OutcomeFailed},
		{NoRetry(errors.New("gone")), OutcomePermanent},
		{RetryAfter(errors.New("busy"), time.Second), OutcomeFailed},
		{context.DeadlineExceeded, OutcomeTimeout},
		{context.Canceled, OutcomeCanceled},
		{ErrOverlapSkip, OutcomeSkipped},
		{ErrCircuitOpen, OutcomeSkipped},
		{ErrNoAction, OutcomeSkipped},
		{ErrQueueFull, OutcomeDropped},
		{ErrStale, OutcomeDropped},
		{ErrStopped, OutcomeDropped},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestSnapshotCountsOutcomes(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})

	ch, done := doneChan()
	_ = s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }, Done: done})
	_ = waitDone(t, ch)
	_ = s.Enqueue(Task{Name: "gone", Run: func(context.Context) error { return NoRetry(errors.New("gone")) }, Done: done})
	_ = waitDone(t, ch)

	snap := s.Snapshot()
	if snap.Outcomes[OutcomeOK] != 1 || snap.Outcomes[OutcomePermanent] != 1 {
		t.Fatalf("outcomes = %v", snap.Outcomes)
	}
	if snap.Completed != 1 || snap.Failed != 1 {
		t.Fatalf("completed=%d failed=%d, want 1/1", snap.Completed, snap.Failed)
	}
	if h := snap.History; len(h) != 2 || h[1].Outcome != OutcomePermanent {
		t.Fatalf("history = %+v", h)
	}
}
