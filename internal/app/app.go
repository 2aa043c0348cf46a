package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"respire/internal/config"
	"respire/internal/eventbus"
	"respire/internal/runtime/supervisor"
	"respire/internal/storage"
	"respire/internal/task/engine"
	"respire/internal/task/scheduler"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// App wires config, logging, storage, the task engine, the respire context
// and the tick driver into one daemon.
type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  *eventbus.MemBus

	store     storage.Store
	ownsStore bool
	engine    *engine.Service
	disp      *engine.Dispatcher[*AppState]
	tree      *respire.Tree
	state     *AppState
	clock     respire.Clock
	rc        *respire.Context[*AppState]
	driver    *scheduler.Service
	sd        *sdNotifier

	saveCh chan struct{}
	sup    *supervisor.Supervisor

	startedAt time.Time
	stopOnce  sync.Once
	now       func() time.Time
}

type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c respire.Clock) Option { return func(a *App) { a.clock = c } }

// WithStore uses s instead of the configured storage. The app does not
// close it on Stop.
func WithStore(s storage.Store) Option { return func(a *App) { a.store = s } }

// StateEvent is published as "state.changed".
type StateEvent struct {
	Active  []string `json:"active"`
	Changes uint64   `json:"changes"`
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Boots      uint32
	Changes    uint64
	Active     []string
	Dispatched uint64
	Completed  uint64
	Engine     engine.Snapshot
	Driver     scheduler.Snapshot
	Supervisor supervisor.Snapshot
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		logs:   logs,
		log:    log,
		bus:    eventbus.New(),
		saveCh: make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	if a.clock == nil {
		a.clock = respire.NewSystemClock()
	}
	if err := a.build(cfg); err != nil {
		if a.ownsStore && a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the components in dependency order. The context needs
// the dispatcher as its executor and the dispatcher reports completions to
// the context, so Attach closes the loop afterwards.
func (a *App) build(cfg *config.Config) error {
	tree, err := config.BuildTree(cfg.Modes)
	if err != nil {
		return err
	}
	a.tree = tree

	if a.store == nil {
		scfg, enabled, err := mapStorageConfig(cfg)
		if err != nil {
			return err
		}
		if enabled {
			st, err := storage.Open(scfg, a.log)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			a.store = st
			a.ownsStore = true
		}
	}

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, a.log, a.bus)
	a.disp = engine.NewDispatcher[*AppState](a.engine, a.log, a.bus)
	if err := bindActions(a.disp, cfg.Actions, a.log); err != nil {
		return err
	}

	opts, err := contextOptions(cfg, tree, a.log)
	if err != nil {
		return err
	}
	a.state = NewAppState(a.onStateChange)
	rc, err := respire.New(a.state, tree, a.clock, respire.Executor[*AppState](a.disp), opts...)
	if err != nil {
		return err
	}
	a.disp.Attach(rc)
	a.rc = rc

	dcfg, err := mapDriverConfig(cfg)
	if err != nil {
		return err
	}
	a.driver = scheduler.New(dcfg, rc, a.respireStore(), a.log, a.bus)
	a.sd = newSDNotifier(a.log)
	a.driver.OnTick(a.sd.Tick)
	return nil
}

func (a *App) respireStore() respire.Store {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.engine.Start(a.sup.Context())

	epoch := restoreEpoch(a.cfg, a.now())
	if err := a.rc.Init(ctx, epoch, a.respireStore()); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	// Nothing ticks before Begin, so the state can be touched directly.
	a.state.Boots++
	a.state.LastBoot = epoch
	if err := a.rc.Begin(); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := a.driver.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.cfg.Scheduler.CheckpointOnChange && a.store != nil {
		a.sup.GoRestart("checkpoint.on_change", a.saveLoop)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				// Trace only: a fast tick makes these frequent.
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startedAt = a.now()
	a.sd.Ready()
	a.log.Info("app started",
		logx.Int("modes", a.tree.Len()),
		logx.Uint32("boots", a.state.Boots),
		logx.String("jitter_policy", a.rc.Policy().String()),
		logx.Bool("persistent", a.store != nil),
	)
	return nil
}

// onStateChange runs after every Loop or Complete that changed a runtime
// record, outside the context lock.
func (a *App) onStateChange(_, next *AppState) {
	a.bus.Publish(eventbus.Event{
		Type: "state.changed",
		Data: StateEvent{Active: next.ActivePaths(a.tree), Changes: next.Changes()},
	})
	if a.cfg.Scheduler.CheckpointOnChange && a.store != nil {
		select {
		case a.saveCh <- struct{}{}:
		default:
		}
	}
}

// saveLoop coalesces change notifications into checkpoints.
func (a *App) saveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.saveCh:
			// The driver logs and counts failures itself.
			_ = a.driver.Checkpoint(ctx)
		}
	}
}

func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig re-applies the sections that can change live. The tree, the
// store and the engine are fixed for the lifetime of the process.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart {
		a.log.Warn("some changes take effect after a restart", logx.String("changed", strings.Join(sections, ",")))
	}
}

// Tick runs one Loop immediately, outside the driver's schedule.
func (a *App) Tick() { a.driver.Tick() }

func (a *App) Context() *respire.Context[*AppState] { return a.rc }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context ends, either because the parent was
// canceled or a supervised goroutine failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() Status {
	snap := a.rc.Snapshot()
	dispatched, completed := a.disp.Counts()
	st := Status{
		Boots:      snap.Boots,
		Changes:    snap.Changes(),
		Active:     snap.ActivePaths(a.tree),
		Dispatched: dispatched,
		Completed:  completed,
		Engine:     a.engine.Snapshot(),
		Driver:     a.driver.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the app context first so background loops start unwinding.
	a.sup.Cancel()

	// Completions do not touch persisted counters, so the driver's final
	// checkpoint can go before the engine drains.
	a.step(ctx, "driver", 3*time.Second, func(c context.Context) error { a.driver.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.ownsStore && a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	st := a.Status()
	a.log.Info("stopped",
		logx.Duration("uptime", a.now().Sub(a.startedAt)),
		logx.Uint64("dispatched", st.Dispatched),
		logx.Uint64("completed", st.Completed),
		logx.Uint64("ticks", st.Driver.Ticks),
		logx.Uint64("saves", st.Driver.Saves),
	)
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
