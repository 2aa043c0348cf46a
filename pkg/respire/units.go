package respire

import (
	"fmt"
	"strings"
)

// Unit scales a periodic interval amount to seconds.
type Unit int

const (
	Second Unit = iota
	Minute
	Hour
	Day
)

// Seconds returns how many seconds one unit lasts, or 0 for an unknown unit.
func (u Unit) Seconds() uint32 {
	switch u {
	case Second:
		return 1
	case Minute:
		return 60
	case Hour:
		return 3600
	case Day:
		return 86400
	default:
		return 0
	}
}

func (u Unit) String() string {
	switch u {
	case Second:
		return "s"
	case Minute:
		return "m"
	case Hour:
		return "h"
	case Day:
		return "d"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// ParseUnit accepts short and long spellings ("s", "sec", "seconds", ...).
func ParseUnit(raw string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "s", "sec", "second", "seconds":
		return Second, nil
	case "m", "min", "minute", "minutes":
		return Minute, nil
	case "h", "hr", "hour", "hours":
		return Hour, nil
	case "d", "day", "days":
		return Day, nil
	default:
		return 0, fmt.Errorf("invalid interval unit %q (use seconds, minutes, hours or days)", raw)
	}
}
