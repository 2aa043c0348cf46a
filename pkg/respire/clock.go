package respire

import (
	"sync"
	"time"
)

// Clock supplies the two time bases the engine reconciles.
//
// Millis is monotonic and may wrap; deltas are taken with unsigned
// subtraction. Epoch is real time in seconds, 0 while unknown, and is
// re-supplied by the host after a reboot (RTC chip, NTP, ...).
type Clock interface {
	Millis() uint32
	Epoch() uint32
	SetEpoch(epoch uint32)
}

// rtc derives the real-time epoch from the monotonic counter.
type rtc struct {
	mu        sync.Mutex
	epoch     uint32
	setMillis uint32
}

func (r *rtc) at(now uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch == 0 {
		return 0
	}
	return r.epoch + (now-r.setMillis)/1000
}

func (r *rtc) set(now, epoch uint32) {
	r.mu.Lock()
	r.epoch = epoch
	r.setMillis = now
	r.mu.Unlock()
}

// SystemClock counts milliseconds since it was created.
type SystemClock struct {
	start time.Time
	rtc   rtc
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

func (c *SystemClock) Epoch() uint32 { return c.rtc.at(c.Millis()) }

func (c *SystemClock) SetEpoch(epoch uint32) { c.rtc.set(c.Millis(), epoch) }

// SyncWallClock sets the epoch from the host's wall clock.
func (c *SystemClock) SyncWallClock() {
	c.SetEpoch(uint32(time.Now().Unix()))
}

// ManualClock only moves when told to. Tests and the simulator drive it.
type ManualClock struct {
	mu     sync.Mutex
	millis uint32
	rtc    rtc
}

func NewManualClock(startMillis uint32) *ManualClock {
	return &ManualClock{millis: startMillis}
}

func (c *ManualClock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

func (c *ManualClock) Epoch() uint32 { return c.rtc.at(c.Millis()) }

func (c *ManualClock) SetEpoch(epoch uint32) { c.rtc.set(c.Millis(), epoch) }

func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.millis += uint32(d.Milliseconds())
	c.mu.Unlock()
}

func (c *ManualClock) AdvanceSeconds(s uint32) {
	c.mu.Lock()
	c.millis += 1000 * s
	c.mu.Unlock()
}
