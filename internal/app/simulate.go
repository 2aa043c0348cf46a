package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"respire/internal/config"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// SimOptions controls Simulate.
type SimOptions struct {
	// Duration is the simulated run length.
	Duration time.Duration
	// Step is the simulated tick; defaults to one second.
	Step time.Duration
	// Jitter replaces the configured jitter source, e.g. respire.FixedJitter.
	Jitter respire.Jitter
	// Restarts are offsets at which the device "reboots": the state is
	// checkpointed, then a fresh context resumes from the checkpoint.
	Restarts []time.Duration
	// Epoch is the wall clock at the start of the run.
	Epoch time.Time
}

// SimEvent is one dispatch observed during a simulation.
type SimEvent struct {
	At     time.Duration
	Mode   string
	Action string
	Boot   int
}

// Simulate runs the configured tree against a manual clock and returns
// every dispatch. Actions complete instantly and nothing is executed.
func Simulate(ctx context.Context, cfg *config.Config, opt SimOptions, log logx.Logger) ([]SimEvent, error) {
	if opt.Duration <= 0 {
		return nil, errors.New("simulate: duration must be positive")
	}
	if opt.Step <= 0 {
		opt.Step = time.Second
	}
	if opt.Epoch.IsZero() {
		opt.Epoch = time.Now()
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	tree, err := config.BuildTree(cfg.Modes)
	if err != nil {
		return nil, err
	}
	opts, err := contextOptions(cfg, tree, log)
	if err != nil {
		return nil, err
	}
	if opt.Jitter != nil {
		opts = append(opts, respire.WithJitter(opt.Jitter))
	}

	var (
		events  []SimEvent
		elapsed time.Duration
		boot    int
		rc      *respire.Context[*AppState]
		clock   *respire.ManualClock
	)
	store := respire.NewMemoryStore()
	exec := respire.ExecutorFunc[*AppState](func(action respire.Action, _, _ *AppState, m *respire.Mode) {
		events = append(events, SimEvent{At: elapsed, Mode: m.Path(), Action: string(action), Boot: boot})
		rc.Complete(m)
	})

	start := func() error {
		boot++
		clock = respire.NewManualClock(0)
		st := NewAppState(nil)
		c, err := respire.New(st, tree, clock, respire.Executor[*AppState](exec), opts...)
		if err != nil {
			return err
		}
		epoch := uint32(opt.Epoch.Add(elapsed).Unix())
		if err := c.Init(ctx, epoch, store); err != nil {
			return err
		}
		st.Boots++
		st.LastBoot = epoch
		if err := c.Begin(); err != nil {
			return err
		}
		rc = c
		return nil
	}
	if err := start(); err != nil {
		return nil, err
	}

	restarts := slices.Clone(opt.Restarts)
	slices.Sort(restarts)
	for elapsed <= opt.Duration {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		if len(restarts) > 0 && elapsed >= restarts[0] {
			restarts = restarts[1:]
			if err := rc.Save(ctx, store); err != nil {
				return events, fmt.Errorf("simulate: checkpoint before restart: %w", err)
			}
			log.Debug("simulated restart", logx.Duration("at", elapsed))
			if err := start(); err != nil {
				return events, err
			}
		}
		if err := rc.Loop(); err != nil {
			return events, err
		}
		clock.Advance(opt.Step)
		elapsed += opt.Step
	}
	return events, nil
}
