package respire

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Jitter yields fractions in [0, 1) used to size waiting windows.
type Jitter interface {
	Fraction() float64
}

type JitterFunc func() float64

func (f JitterFunc) Fraction() float64 { return f() }

// FixedJitter always returns the same fraction, clamped to [0, 1).
type FixedJitter float64

func (f FixedJitter) Fraction() float64 { return clampFraction(float64(f)) }

type randomJitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var jitterSeq uint64

// NewRandomJitter returns a uniform source. Contexts sharing a seed string
// still diverge because the seed is mixed with time and a process counter.
func NewRandomJitter(seed string) Jitter {
	s := time.Now().UnixNano() ^ int64(atomic.AddUint64(&jitterSeq, 1)) ^ int64(fnv64a(seed))
	return &randomJitter{rng: rand.New(rand.NewSource(s))}
}

func (j *randomJitter) Fraction() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng.Float64()
}

func clampFraction(f float64) float64 {
	switch {
	case f != f || f < 0:
		return 0
	case f >= 1:
		return 0.999999
	default:
		return f
	}
}

// scaled returns floor(interval*f), never less than 1s.
func scaled(interval uint32, f float64) uint32 {
	t := uint32(float64(interval) * clampFraction(f))
	if t == 0 {
		return 1
	}
	return t
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// JitterPolicy selects which windows are shortened by a jitter draw.
type JitterPolicy int

const (
	// JitterOnResume runs fresh windows for the full interval and applies a
	// draw only to windows resumed from a Store.
	JitterOnResume JitterPolicy = iota
	// JitterEveryWindow draws for every window and checkpoints the target
	// so a restart finishes the same window.
	JitterEveryWindow
)

func (p JitterPolicy) String() string {
	switch p {
	case JitterOnResume:
		return "on_resume"
	case JitterEveryWindow:
		return "every_window"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParseJitterPolicy(raw string) (JitterPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "on_resume", "resume":
		return JitterOnResume, nil
	case "every_window", "every", "always":
		return JitterEveryWindow, nil
	default:
		return 0, fmt.Errorf("invalid jitter policy %q (use on_resume or every_window)", raw)
	}
}
