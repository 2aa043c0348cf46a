package app

import (
	"fmt"
	"strings"
	"time"

	"respire/internal/config"
	"respire/internal/task/engine"
	"respire/internal/task/scheduler"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapTaskEngineConfig applies the daemon defaults. The engine is always
// enabled: it is the only executor the daemon has.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 256, HistorySize: 200, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax != 0 {
		out.RetryMax = te.RetryMax
	}
	if out.Workers < 0 || out.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers and queue_size must be >= 0")
	}
	if out.HistorySize < 0 {
		out.HistorySize = 0
	}
	if out.RetryMax < 0 {
		out.RetryMax = 0
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapDriverConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	checkpoint := strings.TrimSpace(cfg.Scheduler.Checkpoint)
	if checkpoint != "" {
		if _, err := scheduler.ParseCheckpointSchedule(checkpoint); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.checkpoint: %w", err)
		}
	}
	return scheduler.Config{
		Tick:       tick,
		Checkpoint: checkpoint,
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

// contextOptions maps the engine section onto respire options. The jitter
// source is seeded from the root name plus the configured seed so devices
// sharing one config file still spread out.
func contextOptions(cfg *config.Config, tree *respire.Tree, log logx.Logger) ([]respire.Option, error) {
	policy, err := respire.ParseJitterPolicy(cfg.Engine.JitterPolicy)
	if err != nil {
		return nil, fmt.Errorf("engine.jitter_policy: %w", err)
	}
	opts := []respire.Option{
		respire.WithLogger(log),
		respire.WithJitterPolicy(policy),
	}
	if p := strings.TrimSpace(cfg.Engine.KeyPrefix); p != "" {
		opts = append(opts, respire.WithKeyPrefix(p))
	}
	if seed := strings.TrimSpace(cfg.Engine.Seed); seed != "" {
		opts = append(opts, respire.WithJitter(respire.NewRandomJitter(tree.Root().Name()+"/"+seed)))
	}
	return opts, nil
}

// restoreEpoch returns the epoch handed to Init.
func restoreEpoch(cfg *config.Config, now time.Time) uint32 {
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.RestoreEpoch)) {
	case "none":
		return 0
	default:
		return uint32(now.Unix())
	}
}
