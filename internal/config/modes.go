package config

import (
	"errors"
	"fmt"
	"strings"

	"respire/pkg/respire"
)

// ImplicitActions may be referenced by modes without an actions entry.
var ImplicitActions = map[string]ActionConfig{
	"noop": {Kind: "noop"},
}

// BuildTree compiles the configured mode hierarchy into a respire tree.
func BuildTree(mc ModeConfig) (*respire.Tree, error) {
	root, err := buildMode(mc, "modes")
	if err != nil {
		return nil, err
	}
	return respire.NewTree(root)
}

func buildMode(mc ModeConfig, path string) (*respire.Mode, error) {
	name := strings.TrimSpace(mc.Name)
	if name != "" {
		path = path + "(" + name + ")"
	}

	b := respire.NewMode(name)
	if mc.Action != "" {
		b.Action(respire.Action(mc.Action))
	}
	if mc.StorageTag != "" {
		b.StorageTag(mc.StorageTag)
	}
	if mc.RepeatLimit > 0 {
		b.RepeatLimit(mc.RepeatLimit)
	}

	var errs []error
	switch {
	case mc.Interval != "" && (mc.Every != 0 || mc.Unit != ""):
		errs = append(errs, fmt.Errorf("%s: set either interval or every/unit, not both", path))
	case mc.Interval != "":
		secs, err := ParseIntervalSeconds(path+".interval", mc.Interval)
		if err != nil {
			errs = append(errs, err)
		} else {
			b.Periodic(secs, respire.Second)
		}
	case mc.Every != 0:
		unit, err := respire.ParseUnit(mc.Unit)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.unit: %w", path, err))
		} else {
			b.Periodic(mc.Every, unit)
		}
	case mc.Unit != "":
		errs = append(errs, fmt.Errorf("%s: unit without every", path))
	}

	var idle *respire.Mode
	for i, cc := range mc.Children {
		child, err := buildMode(cc, fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.Child(child)
		if mc.Idle != "" && child.Name() == strings.TrimSpace(mc.Idle) && idle == nil {
			idle = child
		}
	}
	if mc.Idle != "" {
		if idle == nil {
			errs = append(errs, fmt.Errorf("%s.idle %q: %w", path, mc.Idle, respire.ErrIdleNotChild))
		} else {
			b.Idle(idle)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	m, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks everything that can be checked without side effects:
// durations, the jitter policy, action definitions and the mode tree.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	add(err)
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.RestoreEpoch)) {
	case "", "wall", "none":
	default:
		add(fmt.Errorf("scheduler.restore_epoch: invalid value %q (use wall or none)", cfg.Scheduler.RestoreEpoch))
	}
	_, err = respire.ParseJitterPolicy(cfg.Engine.JitterPolicy)
	add(err)

	if te := cfg.TaskEngine; te != nil {
		_, err = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}
	if st := cfg.Storage; st != nil {
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	for name, ac := range cfg.Actions {
		path := "actions." + name
		switch strings.ToLower(strings.TrimSpace(ac.Kind)) {
		case "noop", "log":
		case "command":
			if len(ac.Command) == 0 || strings.TrimSpace(ac.Command[0]) == "" {
				add(fmt.Errorf("%s.command: argv required", path))
			}
		default:
			add(fmt.Errorf("%s.kind: unknown kind %q (use noop, log or command)", path, ac.Kind))
		}
		_, err = ParseDurationField(path+".timeout", ac.Timeout)
		add(err)
		switch strings.ToLower(strings.TrimSpace(ac.Overlap)) {
		case "", "allow", "skip":
		default:
			add(fmt.Errorf("%s.overlap: unknown policy %q (use allow or skip)", path, ac.Overlap))
		}
	}

	tree, err := BuildTree(cfg.Modes)
	add(err)
	if tree != nil {
		for _, m := range tree.Modes() {
			a := string(m.Action())
			if a == "" {
				continue
			}
			if _, ok := cfg.Actions[a]; ok {
				continue
			}
			if _, ok := ImplicitActions[a]; ok {
				continue
			}
			add(fmt.Errorf("modes: %s references undefined action %q", m.Path(), a))
		}
	}
	return errors.Join(errs...)
}
