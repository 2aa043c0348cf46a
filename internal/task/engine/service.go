package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"respire/internal/eventbus"
	rtsup "respire/internal/runtime/supervisor"
	logx "respire/pkg/logx"
)

// Service runs actions on a bounded pool of workers.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool

	log logx.Logger
	bus eventbus.Bus

	gatesMu sync.Mutex
	gates   map[string]*RunState

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight         atomic.Int32
	outcomes         map[Outcome]*atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	// warn throttles the log line for each kind of drop.
	warn map[error]*logx.Throttle
}

// pool is one started generation of workers. done is created by Stop and
// closed once the workers exited and the queue was drained.
type pool struct {
	queue chan queuedTask
	stop  chan struct{}
	sup   *rtsup.Supervisor
	done  chan struct{}
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	gate *RunState
	held bool
}

// untrack releases the overlap gate if this task holds it.
func (qt queuedTask) untrack() {
	if qt.held {
		qt.gate.release()
	}
}

var allOutcomes = []Outcome{
	OutcomeOK, OutcomeFailed, OutcomePermanent, OutcomeTimeout,
	OutcomeCanceled, OutcomeSkipped, OutcomeDropped,
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "taskengine")),
		bus:      bus,
		gates:    make(map[string]*RunState),
		outcomes: make(map[Outcome]*atomic.Uint64, len(allOutcomes)),
		warn: map[error]*logx.Throttle{
			ErrQueueFull: logx.NewThrottle(0.2, 1),
			ErrStale:     logx.NewThrottle(0.2, 1),
		},
	}
	for _, o := range allOutcomes {
		s.outcomes[o] = new(atomic.Uint64)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

// Start launches the workers under a supervisor derived from ctx. Calling
// it while running is a no-op; a stop in progress is waited out first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.pool != nil {
		p := s.pool
		if p.done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		// A failing worker is restarted; it never cancels the daemon.
		sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.pool = p
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p.stop, p.queue)
			select {
			case <-p.stop:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and waits for them until ctx expires. Queued
// tasks finish with ErrStopped so every accepted dispatch completes.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := p.done == nil
	if first {
		p.done = make(chan struct{})
		close(p.stop)
	}
	done := p.done
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.drain(p.queue)
			s.mu.Lock()
			if s.pool == p {
				s.pool = nil
			}
			s.mu.Unlock()
			close(done)
		}()
	}

	select {
	case <-done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.untrack()
			s.count(OutcomeDropped)
			s.finish(qt, ErrStopped)
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.Key) == "" {
		t.Key = t.Name
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	stopping := p != nil && p.done != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuitIsOpen(now, t.Name, cfg, opt); open {
		s.reject(now, t, ErrCircuitOpen, 0, logx.Time("until", until))
		return ErrCircuitOpen
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: opt}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if opt.Overlap == OverlapSkipIfRunning {
		qt.gate = t.State
		if qt.gate == nil {
			qt.gate = s.StateFor(t.Key)
		}
		if !qt.gate.tryAcquire() {
			s.reject(now, t, ErrOverlapSkip, 0)
			return ErrOverlapSkip
		}
		qt.held = true
	}

	if !block {
		select {
		case p.queue <- qt:
			return nil
		default:
			qt.untrack()
			s.droppedQueueFull.Add(1)
			s.reject(now, t, ErrQueueFull, 0, logx.Int("queue_cap", cap(p.queue)))
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.untrack()
		return ctx.Err()
	case <-p.stop:
		qt.untrack()
		return ErrStopping
	}
}

// reject accounts for a task that will not run: it is counted, recorded
// and published as task.skipped or task.dropped depending on err.
func (s *Service) reject(now time.Time, t Task, err error, queueDelay time.Duration, fields ...logx.Field) {
	out := Classify(err)
	s.count(out)
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, QueueDelay: queueDelay, Outcome: out, Error: err.Error()})
	s.publish("task."+string(out), now, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, QueueDelay: queueDelay, Outcome: out, Error: err.Error()})

	fields = append([]logx.Field{logx.String("task", t.Name), logx.String("mode", t.Key), logx.String("id", t.ID)}, fields...)
	th, noisy := s.warn[err]
	if !noisy {
		s.log.Debug(err.Error(), fields...)
		return
	}
	if extra, ok := th.Allow(); ok {
		s.log.Warn(err.Error(), append(fields, extra)...)
	}
}

func (s *Service) count(o Outcome) {
	if c := s.outcomes[o]; c != nil {
		c.Add(1)
	}
}

// StateFor returns the overlap gate shared by tasks with this key.
func (s *Service) StateFor(key string) *RunState {
	if key = strings.TrimSpace(key); key == "" {
		key = "default"
	}
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	st := s.gates[key]
	if st == nil {
		st = &RunState{}
		s.gates[key] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		Outcomes:         make(map[Outcome]uint64, len(s.outcomes)),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	for o, c := range s.outcomes {
		snap.Outcomes[o] = c.Load()
	}
	snap.Completed = snap.Outcomes[OutcomeOK]
	snap.Failed = snap.Outcomes[OutcomeFailed] + snap.Outcomes[OutcomePermanent] +
		snap.Outcomes[OutcomeTimeout] + snap.Outcomes[OutcomeCanceled]
	snap.Dropped = snap.Outcomes[OutcomeDropped]

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(time.Now(), cfg)
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// finish runs the task's Done hook. A panicking hook is logged and
// swallowed so it cannot kill the worker.
func (s *Service) finish(qt queuedTask, err error) {
	if qt.task.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task done hook panicked", logx.String("task", qt.task.Name), logx.Any("panic", r))
		}
	}()
	qt.task.Done(err)
}
