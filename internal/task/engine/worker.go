package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "respire/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stop <-chan struct{}, queue chan queuedTask) {
	// Per-worker RNG keeps retry jitter off the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// A closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stop, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// An action that sat in the queue past its usefulness is not run late;
	// its mode completes and the next window dispatches it again.
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		s.reject(start, t, ErrStale, queueDelay, logx.Duration("queue_delay", queueDelay))
		qt.untrack()
		s.finish(qt, ErrStale)
		return
	}

	s.log.Debug("task started", logx.String("task", t.Name), logx.String("mode", t.Key), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", start, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay})

	attempts, err := s.runAttempts(ctx, stop, qt, rng)

	dur := time.Since(start)
	out := Classify(err)
	s.count(out)
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Outcome: out}
	fields := []logx.Field{logx.String("task", t.Name), logx.String("mode", t.Key), logx.Duration("dur", dur), logx.Int("attempts", attempts)}
	typ := "task.finished"
	switch {
	case err != nil:
		item.Error = err.Error()
		typ = "task.failed"
		s.log.Warn("task failed", append(fields, logx.String("outcome", string(out)), logx.Err(err))...)
	case dur >= 750*time.Millisecond:
		s.log.Info("task completed", fields...)
	default:
		s.log.Debug("task completed", fields...)
	}
	s.publish(typ, time.Now(), TaskEvent{
		ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay,
		Duration: dur, Attempts: attempts, Outcome: out, Error: item.Error,
	})

	s.circuitRecordResult(time.Now(), t.Name, cfg, qt.opt, err)
	s.record(item)
	// Release the overlap gate before Done so a re-dispatch triggered by
	// the completion is not skipped.
	qt.untrack()
	s.finish(qt, err)
}

// runAttempts runs the task until it succeeds, fails permanently or runs
// out of retries. Panics become errors so one bad action cannot kill a worker.
func (s *Service) runAttempts(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand) (attempts int, err error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	for attempts = 1; ; attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempts >= maxAttempts {
			return attempts, err
		}
		delay := qt.opt.retryDelay(attempts, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stop:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// retryDelay is the wait before attempt retry+1: a RetryAfter hint when the
// error carries one, otherwise exponential from RetryBase. Both get jitter
// and are capped at RetryMaxDelay. A nil rng disables jitter.
func (o TaskOptions) retryDelay(retry int, err error, rng *rand.Rand) time.Duration {
	base := o.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := o.RetryMaxDelay
	if limit <= 0 {
		limit = 15 * time.Second
	}

	d, hinted := retryAfter(err)
	if !hinted {
		d = base
		for i := 1; i < retry && d < limit; i++ {
			d *= 2
		}
	}
	if j := o.RetryJitter; d > 0 && rng != nil {
		if j <= 0 {
			j = 0.2
		}
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
	}
	return min(max(d, 0), limit)
}
