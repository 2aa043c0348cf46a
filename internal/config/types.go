package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the host tick and checkpoint cadence.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls the respire context (jitter, store keys).
	Engine EngineConfig `json:"engine"`

	// TaskEngine controls execution of dispatched actions.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig          `json:"storage,omitempty"`
	Actions map[string]ActionConfig `json:"actions,omitempty"`

	// Modes is the root of the mode tree.
	Modes ModeConfig `json:"modes"`
}

// TaskEngineConfig sizes the action worker pool. Omitted fields get the
// daemon defaults: 2 workers, a 256 slot queue, 200 history entries and 3
// retries. Timeouts are Go durations; "0s" or empty disables them.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops actions that waited in the queue longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// StorageConfig controls the checkpoint store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./respire.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick driver.
//
// Tick is a Go duration (default "1s"). Checkpoint is a cron spec or an
// interval ("*/5 * * * *", "@every 1m", "10m", "00:30", "2 hours"); empty
// disables periodic checkpoints.
type SchedulerConfig struct {
	Tick               string `json:"tick,omitempty"`
	Checkpoint         string `json:"checkpoint,omitempty"`
	CheckpointOnChange bool   `json:"checkpoint_on_change,omitempty"`

	// Trigger timezone for cron checkpoint schedules.
	Timezone string `json:"timezone,omitempty"`

	// RestoreEpoch selects where the real-time epoch comes from at start:
	// "wall" (default) uses the host clock, "none" leaves it unset.
	RestoreEpoch string `json:"restore_epoch,omitempty"`
}

// EngineConfig tunes the respire context.
type EngineConfig struct {
	// JitterPolicy is "on_resume" (default) or "every_window".
	JitterPolicy string `json:"jitter_policy,omitempty"`
	// KeyPrefix starts every store key (default "R").
	KeyPrefix string `json:"key_prefix,omitempty"`
	// Seed is mixed into the jitter source so devices sharing a config diverge.
	Seed string `json:"seed,omitempty"`
}

// ActionConfig describes what a named action does when a mode dispatches it.
//
// Kinds:
//   - "noop": completes immediately
//   - "log": writes Message at info level
//   - "command": runs Command (argv) with an optional Timeout
type ActionConfig struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message,omitempty"`
	Command  []string `json:"command,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	RetryMax int      `json:"retry_max,omitempty"`
	// Overlap is "allow" (default) or "skip": with skip, a dispatch from one
	// mode is dropped while another mode is still running the same action.
	Overlap string `json:"overlap,omitempty"`
}

// ModeConfig is one node of the mode tree.
//
// A periodic interval is given either as every+unit ("every": 4, "unit": "hours")
// or as an interval string ("4h", "02:30"). Idle names one of Children.
type ModeConfig struct {
	Name        string       `json:"name"`
	Action      string       `json:"action,omitempty"`
	Every       uint32       `json:"every,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Interval    string       `json:"interval,omitempty"`
	RepeatLimit uint32       `json:"repeat_limit,omitempty"`
	StorageTag  string       `json:"storage_tag,omitempty"`
	Idle        string       `json:"idle,omitempty"`
	Children    []ModeConfig `json:"children,omitempty"`
}
