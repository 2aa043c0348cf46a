package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"respire/pkg/respire"
)

const maxCheckpointSpread = 30 * time.Second

// spreadSchedule pushes the first run of an interval schedule back by a
// jittered offset and then follows the interval. A fleet that powers up
// together would otherwise write its checkpoints in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// withSpread returns the schedule and the offset it drew. The offset is
// below min(every, 30s).
func withSpread(every time.Duration, now time.Time, j respire.Jitter) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxCheckpointSpread)
	if limit <= 0 || j == nil {
		return base, 0
	}
	spread := time.Duration(j.Fraction() * float64(limit))
	return &spreadSchedule{base: base, first: now.Add(every + spread)}, spread
}
