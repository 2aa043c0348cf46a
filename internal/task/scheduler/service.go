package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"respire/internal/eventbus"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

const (
	jobTick       = "tick"
	jobCheckpoint = "checkpoint"
)

// New returns a stopped driver. store may be nil, which disables checkpoints.
func New(cfg Config, target Target, store respire.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick < time.Second {
		cfg.Tick = time.Second
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "driver")),
		bus:    bus,
		target: target,
		store:  store,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
		errWarn: map[string]*logx.Throttle{},
	}
}

// OnTick registers fn to run after every Loop, successful or not. Hooks
// registered after Start are ignored.
func (s *Service) OnTick(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.onTick = append(s.onTick, fn)
}

// Start registers the tick and checkpoint jobs and starts cron. An invalid
// checkpoint schedule is returned as an error and nothing is started.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := s.loadLocationLocked()
	// Ticks must not overlap: a slow Loop delays the next one instead of
	// racing it.
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)

	s.entries = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	tickSpec := fmt.Sprintf("@every %s", s.cfg.Tick)
	s.entries[jobTick] = c.Schedule(cron.Every(s.cfg.Tick), cron.FuncJob(s.tick))
	s.specs[jobTick] = tickSpec

	if s.store != nil && strings.TrimSpace(s.cfg.Checkpoint) != "" {
		id, spec, err := s.addCheckpointLocked(c, time.Now().In(loc))
		if err != nil {
			return err
		}
		s.entries[jobCheckpoint] = id
		s.specs[jobCheckpoint] = spec
	}

	s.c = c
	s.loc = loc
	c.Start()

	fields := []logx.Field{logx.String("tz", loc.String()), logx.Duration("tick", s.cfg.Tick)}
	if spec := s.specs[jobCheckpoint]; spec != "" {
		fields = append(fields, logx.String("checkpoint", spec))
		if next := s.previewNextRunsLocked(jobCheckpoint, 3); next != "" {
			fields = append(fields, logx.String("next", next))
		}
	}
	s.log.Info("driver started", fields...)
	return nil
}

func (s *Service) addCheckpointLocked(c *cron.Cron, now time.Time) (cron.EntryID, string, error) {
	cs, err := ParseCheckpointSchedule(s.cfg.Checkpoint)
	if err != nil {
		return 0, "", fmt.Errorf("scheduler.checkpoint: %w", err)
	}
	job := cron.FuncJob(func() { _ = s.checkpoint(context.Background()) })
	if cs.IsCron() {
		id, err := c.AddJob(cs.Cron, job)
		if err != nil {
			return 0, "", fmt.Errorf("scheduler.checkpoint: %w", err)
		}
		return id, cs.String(), nil
	}
	j := s.cfg.Jitter
	if j == nil {
		j = respire.NewRandomJitter(jobCheckpoint)
	}
	sched, spread := withSpread(cs.Every, now, j)
	s.log.Debug("checkpoint spread", logx.Duration("every", cs.Every), logx.Duration("spread", spread), logx.String("syntax", cs.Source))
	return c.Schedule(sched, job), cs.String(), nil
}

// Stop stops cron, waits for a running job until ctx expires, then writes
// a final checkpoint.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("driver stop timed out waiting for a running job")
	}
	if s.store != nil {
		_ = s.checkpoint(ctx)
	}
	s.log.Info("driver stopped", logx.Duration("took", time.Since(start)), logx.Uint64("ticks", s.ticks.Load()))
}

// Tick runs one Loop outside cron; tests and the simulator use it.
func (s *Service) Tick() { s.tick() }

func (s *Service) tick() {
	s.ticks.Add(1)
	s.lastTick.Store(time.Now().UnixNano())
	if err := s.target.Loop(); err != nil {
		s.failures.Add(1)
		s.reportError(jobTick, err)
	}

	s.mu.Lock()
	hooks := s.onTick
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Checkpoint persists the target now.
func (s *Service) Checkpoint(ctx context.Context) error {
	if s.store == nil {
		return respire.ErrNoStore
	}
	return s.checkpoint(ctx)
}

func (s *Service) checkpoint(ctx context.Context) error {
	start := time.Now()
	if err := s.target.Save(ctx, s.store); err != nil {
		s.failures.Add(1)
		s.reportError(jobCheckpoint, err)
		return err
	}
	n := s.saves.Add(1)
	took := time.Since(start)
	s.log.Debug("checkpoint saved", logx.Uint64("saves", n), logx.Duration("took", took))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "checkpoint.saved", Data: CheckpointEvent{Saves: n, Took: took}})
	}
	return nil
}

// reportError logs job failures at most once per five seconds per job.
func (s *Service) reportError(job string, err error) {
	if errors.Is(err, respire.ErrNotStarted) {
		s.log.Debug("tick before begin", logx.String("job", job))
		return
	}
	s.errMu.Lock()
	th := s.errWarn[job]
	if th == nil {
		th = logx.NewThrottle(0.2, 1)
		s.errWarn[job] = th
	}
	s.errMu.Unlock()

	if extra, ok := th.Allow(); ok {
		s.log.Warn("driver job failed", logx.String("job", job), logx.Err(err), extra)
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists the next n runs of a registered job for the
// startup log. Call with s.mu held.
func (s *Service) previewNextRunsLocked(job string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil {
		return ""
	}
	id, ok := s.entries[job]
	if !ok {
		return ""
	}
	sched := s.c.Entry(id).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger routes cron's own diagnostics (recovered panics, skipped
// overlapping runs) into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
