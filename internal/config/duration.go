package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"respire/pkg/respire"
)

// ParseDurationField parses an optional non-negative Go duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

var (
	reClock = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	reCount = regexp.MustCompile(`^(\d+)\s*([A-Za-z]+)$`)
)

// parseSpan reads HH:MM, a Go duration, or a count with a respire unit
// ("3d", "2 hours").
func parseSpan(s string) (time.Duration, error) {
	if m := reClock.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("minutes out of range in %q", s)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if m := reCount.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return 0, err
		}
		u, err := respire.ParseUnit(m[2])
		if err != nil {
			return 0, err
		}
		secs := n * uint64(u.Seconds())
		if secs > math.MaxUint32 {
			return 0, fmt.Errorf("interval %q too long", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("unrecognised interval %q (use HH:MM, a Go duration like '55m', or '2 hours')", s)
}

// ParseIntervalSeconds returns a mode interval in whole seconds. Sub-second
// intervals are rejected and fractions of a second are dropped.
func ParseIntervalSeconds(path, raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%s: interval required", path)
	}
	d, err := parseSpan(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("%s: interval must be at least 1s", path)
	}
	secs := d / time.Second
	if secs > math.MaxUint32 {
		return 0, fmt.Errorf("%s: interval %q too long", path, raw)
	}
	return uint32(secs), nil
}
