package engine

import (
	"sync"
	"time"
)

// breaker counts consecutive failures of one task name. Once the count
// reaches the trip threshold the circuit opens for a cooldown that doubles
// with every further failure, capped at the configured maximum. A success
// or a long enough quiet period closes it again.
type breaker struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// lockedGet returns the breaker for name; callers hold cs.mu.
func (cs *circuitStore) lockedGet(name string) *breaker {
	if cs.m == nil {
		cs.m = make(map[string]*breaker)
	}
	b := cs.m[name]
	if b == nil {
		b = &breaker{}
		cs.m[name] = b
	}
	return b
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	cfg = cfg.withDefaults()
	trip := cfg.CircuitTripFailures
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

func (b *breaker) expire(now time.Time, cc circuitCfg) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > cc.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	b := s.circuits.lockedGet(name)
	b.expire(now, cc)
	if now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	// A run cut short by shutdown says nothing about the action's health.
	if !cc.enabled || Classify(err) == OutcomeCanceled {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	b := s.circuits.lockedGet(name)
	b.expire(now, cc)

	if err == nil {
		*b = breaker{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := cc.trip; i < b.fails && d < cc.maxDelay; i++ {
		d *= 2
	}
	b.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, b := range s.circuits.m {
		total++
		if now.Before(b.openUntil) {
			open++
		}
	}
	return total, open
}
