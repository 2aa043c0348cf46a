package app

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"respire/pkg/respire"
)

// AppState is the aggregate driven by the respire context. Mode runtimes
// belong to each snapshot; the change hook is shared by every clone.
type AppState struct {
	modes respire.ModeStates

	// Boots counts daemon starts, including this one. It is checkpointed
	// with the mode counters.
	Boots uint32
	// LastBoot is the epoch (seconds) of the latest start, 0 when the
	// epoch was not set.
	LastBoot uint32

	hook *stateHook
}

type stateHook struct {
	fn      func(prev, next *AppState)
	changes atomic.Uint64
}

type persistedState struct {
	Boots    uint32 `json:"boots"`
	LastBoot uint32 `json:"last_boot"`
}

// NewAppState returns an empty state. fn, when non-nil, runs on every change
// notification with the previous and the new snapshot.
func NewAppState(fn func(prev, next *AppState)) *AppState {
	return &AppState{hook: &stateHook{fn: fn}}
}

func (s *AppState) Modes() *respire.ModeStates { return &s.modes }

func (s *AppState) Clone() *AppState {
	c := *s
	c.modes = s.modes.Clone()
	return &c
}

func (s *AppState) OnChange(prev *AppState, _ respire.Executor[*AppState]) {
	if s.hook == nil {
		return
	}
	s.hook.changes.Add(1)
	if s.hook.fn != nil {
		s.hook.fn(prev, s)
	}
}

// Changes returns how many change notifications the state has seen.
func (s *AppState) Changes() uint64 {
	if s.hook == nil {
		return 0
	}
	return s.hook.changes.Load()
}

// ActivePaths lists the active modes of tree in pre-order.
func (s *AppState) ActivePaths(tree *respire.Tree) []string {
	var out []string
	for _, m := range tree.Modes() {
		if s.modes.At(m).Active {
			out = append(out, m.Path())
		}
	}
	return out
}

func (s *AppState) MarshalBinary() ([]byte, error) {
	return json.Marshal(persistedState{Boots: s.Boots, LastBoot: s.LastBoot})
}

func (s *AppState) UnmarshalBinary(b []byte) error {
	var p persistedState
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("app state: %w", err)
	}
	s.Boots = p.Boots
	s.LastBoot = p.LastBoot
	return nil
}
