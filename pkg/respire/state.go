package respire

import (
	"encoding"
	"slices"
)

// Runtime is the mutable record paired with one Mode.
type Runtime struct {
	Active         bool
	LastTrigger    uint32 // epoch seconds of the last fire, 0 if never
	CumulativeWait uint32 // seconds elapsed in the current window
	RepeatCount    uint32
}

// ModeStates holds one Runtime per mode, indexed by Mode.ID.
// The zero value is ready to use.
type ModeStates struct {
	rt []Runtime
}

// Grow makes room for n modes.
func (s *ModeStates) Grow(n int) {
	if n > len(s.rt) {
		s.rt = append(s.rt, make([]Runtime, n-len(s.rt))...)
	}
}

// Get returns a pointer to m's record, allocating it if needed.
// It returns nil for a mode that is not part of a tree.
func (s *ModeStates) Get(m *Mode) *Runtime {
	if m == nil || m.id < 0 {
		return nil
	}
	s.Grow(m.id + 1)
	return &s.rt[m.id]
}

// At returns a copy of m's record; the zero Runtime if none exists yet.
func (s *ModeStates) At(m *Mode) Runtime {
	if s == nil || m == nil || m.id < 0 || m.id >= len(s.rt) {
		return Runtime{}
	}
	return s.rt[m.id]
}

func (s *ModeStates) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rt)
}

func (s *ModeStates) Clone() ModeStates {
	if s == nil {
		return ModeStates{}
	}
	return ModeStates{rt: slices.Clone(s.rt)}
}

// Equal compares records; missing trailing entries count as zero.
func (s *ModeStates) Equal(o *ModeStates) bool {
	n := max(s.Len(), o.Len())
	for i := 0; i < n; i++ {
		if s.index(i) != o.index(i) {
			return false
		}
	}
	return true
}

func (s *ModeStates) index(i int) Runtime {
	if s == nil || i >= len(s.rt) {
		return Runtime{}
	}
	return s.rt[i]
}

// Lookup exposes runtime records to topology queries such as Mode.IsActive.
type Lookup interface {
	Modes() *ModeStates
}

// State is the application aggregate the engine is generic over. S is
// normally a pointer type whose Clone returns an independent copy.
//
// OnChange is called at most once per Loop or Complete, after the engine has
// released its lock, with the snapshot taken before the mutation.
type State[S any] interface {
	Lookup
	Clone() S
	OnChange(prev S, exec Executor[S])
}

// Persistent is implemented by states that carry application fields worth
// checkpointing next to the mode counters.
type Persistent interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}
