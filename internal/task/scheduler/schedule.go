package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"respire/pkg/respire"
)

// CheckpointSchedule says when the driver persists the engine state: on a
// cron expression or at a fixed interval.
type CheckpointSchedule struct {
	// Cron is set for cron schedules, Every for intervals.
	Cron  string
	Every time.Duration
	// Source records which syntax matched: cron, duration, hhmm or unit.
	Source string
}

func (c CheckpointSchedule) IsCron() bool { return c.Cron != "" }

func (c CheckpointSchedule) String() string {
	if c.IsCron() {
		return c.Cron
	}
	return "@every " + c.Every.String()
}

var (
	reHHMM   = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	reAmount = regexp.MustCompile(`^(\d+)\s*([A-Za-z]+)$`)
)

// ParseCheckpointSchedule accepts
//   - cron: "*/5 * * * *", "@hourly", "@every 15m", or anything after "cron:"
//   - a Go duration: "15m", "2h30m"
//   - HH:MM as an interval: "00:50" is fifty minutes
//   - an amount and a mode unit: "5 minutes", "1 day"
//
// "interval:" or "every:" forces one of the interval forms.
func ParseCheckpointSchedule(raw string) (CheckpointSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return CheckpointSchedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return CheckpointSchedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return CheckpointSchedule{Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			return parseCheckpointInterval(strings.TrimSpace(s[len(prefix):]))
		}
	}
	if strings.HasPrefix(s, "@") {
		return CheckpointSchedule{Cron: s, Source: "cron"}, nil
	}
	if cs, err := parseCheckpointInterval(s); err == nil {
		return cs, nil
	}
	if len(strings.Fields(s)) >= 5 {
		return CheckpointSchedule{Cron: s, Source: "cron"}, nil
	}
	return CheckpointSchedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:30', '55m' or '5 minutes')", raw)
}

func parseCheckpointInterval(v string) (CheckpointSchedule, error) {
	var (
		d   time.Duration
		src string
	)
	switch {
	case v == "":
		return CheckpointSchedule{}, fmt.Errorf("interval required")
	case reHHMM.MatchString(v):
		m := reHHMM.FindStringSubmatch(v)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return CheckpointSchedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	default:
		var err error
		if d, err = time.ParseDuration(v); err == nil {
			src = "duration"
			break
		}
		m := reAmount.FindStringSubmatch(v)
		if m == nil {
			return CheckpointSchedule{}, fmt.Errorf("invalid interval %q", v)
		}
		unit, uerr := respire.ParseUnit(m[2])
		n, nerr := strconv.ParseUint(m[1], 10, 32)
		if uerr != nil || nerr != nil {
			return CheckpointSchedule{}, fmt.Errorf("invalid interval %q", v)
		}
		d, src = time.Duration(n)*time.Duration(unit.Seconds())*time.Second, "unit"
	}
	if d <= 0 {
		return CheckpointSchedule{}, fmt.Errorf("interval must be > 0")
	}
	return CheckpointSchedule{Every: d, Source: src}, nil
}
