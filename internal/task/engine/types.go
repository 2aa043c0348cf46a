package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the action worker pool.
//
// The respire context decides when an action runs; this package only decides
// how: on which worker, with which timeout and how many retries.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Circuit breaker (consecutive failures per task name).
	//
	// CircuitTripFailures < 0 disables it, 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold for this task.
	// < 0 disables the breaker for this task, 0 keeps the engine default.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState is the overlap gate of one task key. It is held from enqueue
// until the task finishes, so "queued" counts as running and a fast trigger
// cannot pile copies of one action into the queue.
type RunState struct {
	held atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.held.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.held.Store(false)
	}
}

// Busy reports whether the key is queued or running.
func (s *RunState) Busy() bool {
	return s != nil && s.held.Load()
}

// HistoryItem is one finished or rejected task. Key is the mode path for
// dispatched actions.
type HistoryItem struct {
	ID         string
	Name       string
	Key        string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Outcome    Outcome
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Outcome    Outcome       `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Key groups tasks for overlap gating (defaults to Name). Done, when set, is
// called exactly once with the final outcome of an accepted task: after the
// last attempt, on a stale-queue drop, or when the engine stops with the task
// still queued. It is not called when Enqueue/Submit return an error.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(err error)
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	// Failed sums the failed, permanent, timeout and canceled outcomes.
	Completed        uint64
	Failed           uint64
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Outcomes         map[Outcome]uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg.withDefaults())
}
