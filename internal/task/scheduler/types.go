package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"respire/internal/eventbus"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// Config controls the tick driver.
type Config struct {
	// Tick is the Loop cadence. cron cannot fire faster than once a second.
	Tick time.Duration

	// Checkpoint is a schedule accepted by ParseCheckpointSchedule; empty
	// disables periodic checkpoints (a final one is still written on Stop).
	Checkpoint string

	// Jitter draws the first-checkpoint offset for interval schedules.
	// Nil uses a random source.
	Jitter respire.Jitter

	// Timezone applies to cron-style checkpoint specs.
	Timezone string
}

// Target is what the driver ticks. *respire.Context satisfies it.
type Target interface {
	Loop() error
	Save(ctx context.Context, store respire.Store) error
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	target Target
	store  respire.Store

	parser  cron.Parser
	c       *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string
	onTick  []func()

	ticks    atomic.Uint64
	saves    atomic.Uint64
	failures atomic.Uint64
	lastTick atomic.Int64 // unix nanos

	errMu   sync.Mutex
	errWarn map[string]*logx.Throttle
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Tick      time.Duration
	Ticks     uint64
	Saves     uint64
	Failures  uint64
	LastTick  time.Time
	Schedules []ScheduleInfo
}

// CheckpointEvent is published as "checkpoint.saved".
type CheckpointEvent struct {
	Saves uint64        `json:"saves"`
	Took  time.Duration `json:"took"`
}
