package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "respire/pkg/logx"
)

// Supervisor owns the daemon's long-running goroutines. Each one is named,
// recovers from panics and can be restarted with backoff. With
// WithCancelOnError the first failure cancels the shared context and so
// stops every sibling.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	stats    map[string]*GoroutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error cancel the shared context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// GoroutineStats aggregates every run under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   logx.Nop(),
		done:  make(chan struct{}),
		stats: make(map[string]*GoroutineStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Goroutines: make([]GoroutineStats, 0, len(s.stats))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) update(name string, fn func(*GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// run executes one pass of fn with stats bookkeeping. Panics come back as
// errors and context.Canceled counts as a clean exit.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = time.Now()
		if restart {
			st.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.update(name, func(st *GoroutineStats) { st.Panics++ })
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.update(name, func(st *GoroutineStats) {
			st.Active--
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. A failure is recorded and, with WithCancelOnError,
// cancels every sibling.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, false, fn); err != nil {
			s.fail(err)
		}
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // 0 is unlimited
	publish     bool
	// healthy resets the backoff when a run lasted at least this long.
	healthy time.Duration
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = max(n, 0) }
}

// WithPublishFirstError records a failure in Err even though it is restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running until the context is canceled or fn returns
// nil. Failures and panics restart it after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, healthy: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		backoff := p.minBackoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			started := time.Now()
			err := s.run(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.publish {
				s.record(err)
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(started) >= p.healthy {
				backoff = p.minBackoff
			}
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/5)+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	}()
}

// Stop cancels every goroutine and waits for them until ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned and reports the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}
