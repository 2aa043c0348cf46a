package config

import (
	"reflect"
	"sort"
	"strings"

	logx "respire/pkg/logx"
)

// section is one comparable part of the config. live sections are applied
// on reload; everything else waits for a restart.
type section struct {
	name    string
	live    bool
	changed func(o, n *Config) bool
	attrs   func(o, n *Config) []logx.Field
}

var sections = []section{
	{
		name: "logging",
		live: true,
		changed: func(o, n *Config) bool {
			a, b := o.Logging, n.Logging
			a.File.Path, b.File.Path = strings.TrimSpace(a.File.Path), strings.TrimSpace(b.File.Path)
			return a != b
		},
		attrs: func(_, n *Config) []logx.Field {
			return []logx.Field{
				logx.String("logging.level", n.Logging.Level),
				logx.Bool("logging.console", n.Logging.Console),
				logx.Bool("logging.json", n.Logging.JSON),
				logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			}
		},
	},
	{
		name:    "scheduler",
		changed: func(o, n *Config) bool { return !reflect.DeepEqual(o.Scheduler, n.Scheduler) },
		attrs: func(_, n *Config) []logx.Field {
			return []logx.Field{
				logx.String("scheduler.tick", strings.TrimSpace(n.Scheduler.Tick)),
				logx.String("scheduler.checkpoint", strings.TrimSpace(n.Scheduler.Checkpoint)),
				logx.Bool("scheduler.checkpoint_on_change", n.Scheduler.CheckpointOnChange),
			}
		},
	},
	{
		name:    "engine",
		changed: func(o, n *Config) bool { return !reflect.DeepEqual(o.Engine, n.Engine) },
		attrs: func(_, n *Config) []logx.Field {
			return []logx.Field{
				logx.String("engine.jitter_policy", n.Engine.JitterPolicy),
				logx.String("engine.key_prefix", n.Engine.KeyPrefix),
			}
		},
	},
	{
		name: "task_engine",
		changed: func(o, n *Config) bool {
			return (o.TaskEngine == nil) != (n.TaskEngine == nil) || !reflect.DeepEqual(o.TaskEngine, n.TaskEngine)
		},
		attrs: func(_, n *Config) []logx.Field {
			if n.TaskEngine == nil {
				return []logx.Field{logx.Bool("task_engine.present", false)}
			}
			return []logx.Field{
				logx.Int("task_engine.workers", n.TaskEngine.Workers),
				logx.Int("task_engine.queue_size", n.TaskEngine.QueueSize),
				logx.Int("task_engine.retry_max", n.TaskEngine.RetryMax),
			}
		},
	},
	{
		name:    "storage",
		changed: func(o, n *Config) bool { return storageOf(o) != storageOf(n) },
		attrs: func(_, n *Config) []logx.Field {
			st := storageOf(n)
			return []logx.Field{logx.String("storage.driver", st.Driver), logx.Bool("storage.path_set", st.Path != "")}
		},
	},
	{
		name:    "actions",
		changed: func(o, n *Config) bool { return len(changedActions(o.Actions, n.Actions)) > 0 },
		attrs: func(o, n *Config) []logx.Field {
			names := changedActions(o.Actions, n.Actions)
			return []logx.Field{logx.Int("actions.changed_count", len(names)), logx.String("actions.changed", strings.Join(names, ","))}
		},
	},
	{
		// The mode tree is fixed for the life of a context.
		name:    "modes",
		changed: func(o, n *Config) bool { return !reflect.DeepEqual(o.Modes, n.Modes) },
		attrs:   func(_, n *Config) []logx.Field { return []logx.Field{logx.String("modes.root", n.Modes.Name)} },
	},
}

// SummarizeConfigChange lists the changed sections in sorted order, returns
// log fields describing their new values, and reports whether any of them
// only takes effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	for _, sec := range sections {
		if !sec.changed(oldCfg, newCfg) {
			continue
		}
		changed = append(changed, sec.name)
		attrs = append(attrs, sec.attrs(oldCfg, newCfg)...)
		restart = restart || !sec.live
	}
	sort.Strings(changed)
	return changed, attrs, restart
}

// storageOf normalises the storage section; nil means disabled.
func storageOf(c *Config) StorageConfig {
	if c.Storage == nil {
		return StorageConfig{}
	}
	st := *c.Storage
	st.Driver = strings.TrimSpace(st.Driver)
	st.Path = strings.TrimSpace(st.Path)
	st.BusyTimeout = strings.TrimSpace(st.BusyTimeout)
	return st
}

func changedActions(oldM, newM map[string]ActionConfig) []string {
	var out []string
	for name, o := range oldM {
		if n, ok := newM[name]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
