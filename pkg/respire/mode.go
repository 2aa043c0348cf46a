package respire

import (
	"slices"
	"strings"
)

// Action names an invocable unit. The Executor resolves it.
type Action string

// Mode is one schedulable node. It is built once with a Builder and never
// mutated afterwards; the paired Runtime lives in the application state.
type Mode struct {
	name   string
	tag    string
	action Action

	parent   *Mode
	children []*Mode
	idle     *Mode

	periodic bool
	every    uint32
	unit     Unit

	limited bool
	limit   uint32

	// Arena position, assigned by NewTree; -1 while detached.
	id   int
	tree *Tree
}

func (m *Mode) Name() string       { return m.name }
func (m *Mode) StorageTag() string { return m.tag }
func (m *Mode) Action() Action     { return m.action }
func (m *Mode) Parent() *Mode      { return m.parent }
func (m *Mode) Idle() *Mode        { return m.idle }
func (m *Mode) IsPeriodic() bool   { return m.periodic }

// ID is the mode's index in its tree, or -1 before NewTree.
func (m *Mode) ID() int { return m.id }

// Children returns the declared children in order.
func (m *Mode) Children() []*Mode { return slices.Clone(m.children) }

// IsContainer reports whether the mode has no action of its own.
func (m *Mode) IsContainer() bool { return m.action == "" }

// Interval returns the configured amount and unit.
func (m *Mode) Interval() (uint32, Unit) { return m.every, m.unit }

// IntervalSeconds returns the periodic interval in seconds (0 if not periodic).
func (m *Mode) IntervalSeconds() uint32 {
	if !m.periodic {
		return 0
	}
	return m.every * m.unit.Seconds()
}

// RepeatLimit returns the limit and whether one is set.
func (m *Mode) RepeatLimit() (uint32, bool) { return m.limit, m.limited }

// IsActive reports the mode's active flag in the given state.
func (m *Mode) IsActive(l Lookup) bool {
	if l == nil {
		return false
	}
	return l.Modes().At(m).Active
}

// Path joins the names from the root, e.g. "root/sensor/read".
func (m *Mode) Path() string {
	var parts []string
	for p := m; p != nil; p = p.parent {
		parts = append(parts, p.name)
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

func (m *Mode) String() string { return m.Path() }

func (m *Mode) walk(fn func(*Mode)) {
	fn(m)
	for _, c := range m.children {
		c.walk(fn)
	}
}
