package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	tick := s.cfg.Tick
	entries := make(map[string]ScheduleInfo, len(s.entries))
	for name, spec := range s.specs {
		info := ScheduleInfo{Name: name, Spec: spec}
		if c != nil {
			e := c.Entry(s.entries[name])
			info.Next, info.Prev = e.Next, e.Prev
		}
		entries[name] = info
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{
		Running:  c != nil,
		Timezone: loc.String(),
		Tick:     tick,
		Ticks:    s.ticks.Load(),
		Saves:    s.saves.Load(),
		Failures: s.failures.Load(),
	}
	if n := s.lastTick.Load(); n != 0 {
		snap.LastTick = time.Unix(0, n)
	}
	for _, name := range []string{jobTick, jobCheckpoint} {
		if info, ok := entries[name]; ok {
			snap.Schedules = append(snap.Schedules, info)
		}
	}
	return snap
}
