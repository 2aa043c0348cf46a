package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between components: mode dispatches and
// completions, task lifecycle, checkpoints.
//
// Publish never blocks. Subscribers get a buffered channel and a slow
// subscriber loses events instead of stalling the scheduler.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock: unsubscribe takes the write lock before
	// closing, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events whose type starts with one of
// prefixes, or every event when none are given.
func (b *MemBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
